package main

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/usersync/internal/config"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop sending queued changes",
		Long: `Set sync.paused in the config file. Changes keep being queued locally but
nothing is sent until "usersync resume".

If a "usersync run" daemon is running, it receives a SIGHUP to pick up the
change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setPaused(mustCLIContext(cmd.Context()), true)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume sending queued changes",
		Long:  `Clear sync.paused in the config file. A running daemon flushes right away.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setPaused(mustCLIContext(cmd.Context()), false)
		},
	}
}

func setPaused(cc *CLIContext, paused bool) error {
	path := configPath(cc.Flags)

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Sync.Paused == paused {
		if paused {
			cc.Statusf("Sync is already paused\n")
		} else {
			cc.Statusf("Sync is not paused\n")
		}

		return nil
	}

	if err := config.SetPaused(path, paused); err != nil {
		return fmt.Errorf("updating %s: %w", path, err)
	}

	if paused {
		cc.Statusf("Sync paused\n")
	} else {
		cc.Statusf("Sync resumed\n")
	}

	notifyDaemon(cc)

	return nil
}

// notifyDaemon asks a running "usersync run" to reload its config.
func notifyDaemon(cc *CLIContext) {
	rec, err := signalDaemon(dataDir(cc.Flags), syscall.SIGHUP)

	switch {
	case errors.Is(err, errNoDaemon):
		cc.Statusf("No daemon running; the change applies on its next start\n")
	case err != nil:
		cc.Statusf("Note: %v; the change applies on the next daemon start\n", err)
	default:
		cc.Statusf("Notified daemon (PID %d) to reload config\n", rec.PID)
	}
}
