package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type statsCommand struct{}

func (cmd *statsCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Schema version:            %d\n", s.Version)
	fmt.Fprintf(stdout, "Accounts:                  %d\n", s.Accounts)
	fmt.Fprintf(stdout, "Olm sessions:              %d\n", s.OlmSessions)
	fmt.Fprintf(stdout, "Inbound group sessions:    %d\n", s.InboundMegolm)
	fmt.Fprintf(stdout, "Outbound group sessions:   %d\n", s.OutboundMegolm)
	fmt.Fprintf(stdout, "Message index records:     %d\n", s.IndexRecords)
	fmt.Fprintf(stdout, "Outbound key shares:       %d\n", s.OutboundShares)
	return nil
}
