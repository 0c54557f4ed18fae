package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
)

type clearRoomCommand struct {
	Args struct {
		Room string `positional-arg-name:"room" required:"true" description:"Room id"`
	} `positional-args:"true" required:"true"`
}

func (cmd *clearRoomCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	st, log, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ClearRoomData(ctx, cmd.Args.Room); err != nil {
		return err
	}
	log.WithField("room_id", cmd.Args.Room).Info("room data cleared")
	fmt.Fprintf(stdout, "Cleared %s\n", cmd.Args.Room)
	return nil
}

type resetCommand struct {
	Yes bool `long:"yes" description:"Confirm deleting the account and all sessions"`
}

var errNotConfirmed = errors.New("reset deletes the device account and all sessions; pass --yes to confirm")

func (cmd *resetCommand) Execute(args []string) error {
	if !cmd.Yes {
		return errNotConfirmed
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	st, log, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Clear(ctx); err != nil {
		return err
	}
	log.Warn("all data deleted")
	fmt.Fprintln(stdout, "Reset complete")
	return nil
}
