// Command gosessiond serves the session endpoints over HTTP.
//
// Configuration comes from the environment and an optional .env file; see
// Config for the variable names.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gosessiond: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := newLogger(os.Stdout, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Run(ctx)
}
