package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

type verifyCommand struct{}

var errUndecodable = errors.New("database holds undecodable rows")

func (cmd *verifyCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var bad []*cryptoerr.DecodeError
	report := func(err error) error {
		var de *cryptoerr.DecodeError
		if errors.As(err, &de) {
			bad = append(bad, de)
			return nil
		}
		return err
	}

	acct, err := st.LoadAccount(ctx)
	if err := report(err); err != nil {
		return err
	}
	if acct == nil && err == nil {
		fmt.Fprintln(stdout, "No account stored")
	}

	olmSessions, err := st.LoadOlmSessions(ctx)
	if err != nil {
		return err
	}
	var nOlm int
	for _, list := range olmSessions.ByDevice {
		nOlm += len(list)
	}
	bad = append(bad, olmSessions.Corrupt...)

	rooms, err := st.Rooms(ctx)
	if err != nil {
		return err
	}
	var nInbound, nOutbound int
	for _, room := range rooms {
		in, err := st.LoadMegolmSessions(ctx, room)
		if err != nil {
			return err
		}
		nInbound += len(in.BySession)
		bad = append(bad, in.Corrupt...)

		out, err := st.LoadCurrentOutboundMegolmSession(ctx, room)
		if err := report(err); err != nil {
			return err
		}
		if out != nil {
			nOutbound++
		}
	}

	fmt.Fprintf(stdout, "Rooms: %d\n", len(rooms))
	fmt.Fprintf(stdout, "Decoded %d olm, %d inbound and %d outbound group sessions\n", nOlm, nInbound, nOutbound)
	if len(bad) == 0 {
		fmt.Fprintln(stdout, "OK")
		return nil
	}
	for _, de := range bad {
		fmt.Fprintf(stdout, "UNDECODABLE %s %s: %v\n", de.Kind, de.ID, de.Err)
	}
	return fmt.Errorf("%w: %d", errUndecodable, len(bad))
}
