// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// miniftpd runs the reactor-driven miniftp engine with the echo protocol.
// Flags may be combined with a YAML file passed via --config; explicit
// flags win.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/control"
	"github.com/momentics/hioload-ftp/internal/daemon"
	"github.com/momentics/hioload-ftp/internal/logging"
	"github.com/momentics/hioload-ftp/protocol"
	"github.com/momentics/hioload-ftp/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "miniftpd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts := control.NewOptions()
	fs := pflag.NewFlagSet("miniftpd", pflag.ContinueOnError)
	opts.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := opts.Complete(); err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	cfg := opts.Config()

	log, err := logging.NewLogger(logging.Options{Verbosity: cfg.LogVerbosity, Development: cfg.Development})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	log = log.WithName("miniftpd")

	daemon.IgnoreSignals()
	ctx, stop := daemon.NotifyContext(context.Background())
	defer stop()

	err = server.Run(ctx, cfg, protocol.NewEcho(), log)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, api.ErrAlreadyRunning):
		log.Info("Another instance holds the lock, exiting", "pidFile", cfg.PIDFile)
		return err
	default:
		log.Error(err, "Server failed")
		return err
	}
}
