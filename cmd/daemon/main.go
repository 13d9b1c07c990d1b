// Command simpd runs one SIMP daemon: the peer listener, the client
// control channel, and the session state machine described by
// internal/daemon. The interactive client terminal UI is deliberately out
// of scope (see DESIGN.md); only the daemon subcommand ships here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dfoddav2/simpd/internal/config"
	"github.com/dfoddav2/simpd/internal/daemon"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "simpd",
		Short:         "SIMP chat daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon <host>",
		Short: "bind the peer and client-control sockets on <host> and run until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, args[0])
		},
	}
	config.BindFlags(daemonCmd.Flags())

	root.AddCommand(daemonCmd)
	return root
}

func runDaemon(cmd *cobra.Command, host string) error {
	cfg, err := config.Load(host, cmd.Flags())
	if err != nil {
		return fmt.Errorf("simpd: %w", err)
	}

	log := newLogger(cfg.LogFormat)
	sup, err := daemon.New(cfg, log.WithField("host", cfg.Host))
	if err != nil {
		return fmt.Errorf("simpd: starting daemon: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return sup.Run(ctx)
}

func newLogger(format string) *logrus.Logger {
	log := logrus.New()
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
