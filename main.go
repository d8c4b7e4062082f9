// dbtunnel forwards a local port to a database behind an SSH bastion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dbtunnel/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dbtunnel: %v\n", err)
		os.Exit(1)
	}
}
