package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/usersync/internal/config"
	"github.com/tonimelisma/usersync/internal/notify"
	"github.com/tonimelisma/usersync/internal/session"
)

func newRunCmd() *cobra.Command {
	var legacyID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep syncing in the foreground until interrupted",
		Long: `Start the session and flush queued changes every sync.flush_interval.

With network.realtime_url set, a websocket to the service triggers a flush
as soon as the connection comes up or the server signals a change.

Edits to the config file apply live: sync.paused pauses or resumes flushing
and sync.flush_interval changes the cadence. "usersync pause" and
"usersync resume" also signal the daemon directly.

On SIGINT or SIGTERM the daemon flushes once more, bounded by
sync.shutdown_timeout, and saves whatever is left. A second signal exits
immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), mustCLIContext(cmd.Context()), legacyID)
		},
	}

	cmd.Flags().StringVar(&legacyID, "legacy-subscription-id", "",
		"on first start, find the user through this subscription id from an older install")

	return cmd
}

func runDaemon(parent context.Context, cc *CLIContext, legacyID string) error {
	logger := cc.Logger
	ctx := shutdownContext(parent, logger)

	lock, err := acquireDaemonLock(dataDir(cc.Flags), cc.Cfg.AppID)
	if err != nil {
		return err
	}
	defer lock.release()

	// The app token source refreshes under parent so the final flush after a
	// signal can still authenticate.
	eng, err := openEngine(parent, cc.Cfg, logger)
	if err != nil {
		return err
	}

	repo := eng.mgr.Repo()

	if eng.tokens != nil {
		tok := eng.tokens.OnInvalidated(jwtRejectedPrompt(cc))
		defer eng.tokens.RemoveListener(tok)
	}

	if cc.Cfg.Sync.Paused {
		repo.Pause(configPauseReason)
	}

	if d := cc.Cfg.FlushEvery(); d > 0 {
		repo.SetFlushInterval(d)
	}

	if err := eng.mgr.Start(ctx, session.StartOptions{LegacySubscriptionID: legacyID}); err != nil {
		return errors.Join(err, eng.close(context.WithoutCancel(ctx)))
	}

	var mon *notify.Monitor

	if url := cc.Cfg.Network.RealtimeURL; url != "" {
		mon, err = notify.New(notify.Config{
			URL:    url,
			Header: realtimeHeader(cc.Cfg),
			Logger: logger,
		}, repo)
		if err != nil {
			return errors.Join(fmt.Errorf("realtime monitor: %w", err), eng.close(context.WithoutCancel(ctx)))
		}
	}

	reloader := &configReloader{
		holder: config.NewHolder(cc.Cfg.Config, cc.Cfg.Path),
		target: repo,
		logger: logger,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return repo.Run(gctx) })
	g.Go(func() error { return reloader.watch(gctx, reloadSignals(gctx)) })

	if mon != nil {
		g.Go(func() error { return mon.Run(gctx) })
	}

	logger.Info("daemon started",
		slog.String("app_id", cc.Cfg.AppID),
		slog.String("store", cc.Cfg.Store.Backend),
		slog.Bool("paused", repo.Paused()),
	)

	runErr := g.Wait()

	logger.Info("daemon stopping, flushing queues")

	// The signal context is done by now; shutdown gets its own budget.
	shutdownCtx := context.WithoutCancel(parent)

	if _, err := eng.flush(shutdownCtx); err != nil {
		logger.Warn("final flush incomplete", slog.String("error", err.Error()))
	}

	return errors.Join(runErr, eng.close(shutdownCtx))
}

// jwtRejectedPrompt tells the operator a user's identity token was rejected
// and how to supply a new one. Requests for that user are held meanwhile.
func jwtRejectedPrompt(cc *CLIContext) func(externalID string) {
	return func(externalID string) {
		cc.Logger.Warn("jwt update needed", slog.String("external_id", externalID))
		cc.Statusf("Identity token for %s was rejected; its changes are held.\n"+
			"Stop the daemon and run: usersync jwt update %s <token>\n", externalID, externalID)
	}
}

// realtimeHeader identifies the app on the websocket handshake.
func realtimeHeader(cfg *config.Resolved) http.Header {
	h := http.Header{}
	h.Set("X-App-Id", cfg.AppID)

	if cfg.Network.UserAgent != "" {
		h.Set("User-Agent", cfg.Network.UserAgent)
	}

	return h
}
