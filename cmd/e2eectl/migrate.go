package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/gwillem/e2ee-go/internal/store"
)

type migrateCommand struct{}

func (cmd *migrateCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := st.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Schema version %d (current %d)\n", v, store.CurrentVersion())
	return nil
}
