// Package main is the entry point for the agentgate CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentgate/agentgate/cmd/agw/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
