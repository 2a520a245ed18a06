package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/auth"
	"github.com/tonimelisma/usersync/internal/config"
	"github.com/tonimelisma/usersync/internal/kvstore"
	"github.com/tonimelisma/usersync/internal/session"
	"github.com/tonimelisma/usersync/internal/sync"
)

// engine is one opened store plus the session bound to it.
type engine struct {
	cfg    *config.Resolved
	logger *slog.Logger
	store  kvstore.Store
	tasks  *sync.TaskTracker
	mgr    *session.Manager

	// tokens is nil unless identity verification is required.
	tokens *auth.Store
}

// newHTTPClient builds the transport from the network timeouts: the dialer
// and TLS handshake get connect_timeout, a whole exchange gets data_timeout.
func newHTTPClient(cfg *config.Config) *http.Client {
	connect := cfg.ConnectWait()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect}).DialContext
	transport.TLSHandshakeTimeout = connect

	return &http.Client{Transport: transport, Timeout: cfg.DataWait()}
}

// openEngine wires the store, the API client and the token stores into a
// session.Manager. ctx bounds the app token source's refreshes, so it must
// outlive the engine.
func openEngine(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*engine, error) {
	store, err := kvstore.Open(cfg.Store.Backend, cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	opts := []api.Option{api.WithMaxRetries(cfg.Network.MaxRetries)}

	if cfg.Network.UserAgent != "" {
		opts = append(opts, api.WithUserAgent(cfg.Network.UserAgent))
	}

	if cfg.Auth.ClientID != "" {
		ts, tsErr := api.NewAppTokenSource(ctx, api.AppCredentials{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
			Scopes:       cfg.Auth.Scopes,
		}, config.AppTokenPath(cfg), logger)
		if tsErr != nil {
			store.Close()
			return nil, fmt.Errorf("app credentials: %w", tsErr)
		}

		opts = append(opts, api.WithTokenSource(ts))
	}

	client := api.NewClient(cfg.APIURL, newHTTPClient(cfg.Config), logger, opts...)
	tasks := sync.NewTaskTracker()

	sessCfg := session.Config{
		AppID:       cfg.AppID,
		RequireAuth: cfg.Auth.RequireIdentityVerification,
		Client:      client,
		Store:       store,
		Tasks:       tasks,
		Logger:      logger,
	}

	var tokens *auth.Store

	if cfg.Auth.RequireIdentityVerification {
		var tokErr error

		tokens, tokErr = auth.NewStore(store, logger)
		if tokErr != nil {
			store.Close()
			return nil, fmt.Errorf("loading identity tokens: %w", tokErr)
		}

		sessCfg.Tokens = tokens
	}

	mgr, err := session.Open(sessCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &engine{cfg: cfg, logger: logger, store: store, tasks: tasks, mgr: mgr, tokens: tokens}, nil
}

// flush drains the queues unless sync is paused, bounded by
// shutdown_timeout. It reports whether anything was sent.
func (e *engine) flush(ctx context.Context) (bool, error) {
	if e.mgr.Repo().Paused() {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownWait())
	defer cancel()

	if err := e.mgr.Flush(ctx); err != nil {
		return false, fmt.Errorf("flushing: %w", err)
	}

	return true, nil
}

// close persists the queues, stops the executors and closes the store.
func (e *engine) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownWait())
	defer cancel()

	if err := e.tasks.Wait(ctx); err != nil {
		e.logger.Warn("background tasks still running at shutdown", slog.String("error", err.Error()))
	}

	return errors.Join(e.mgr.Close(ctx), e.store.Close())
}

// withSession opens the engine, starts the session and runs fn against it.
// Whatever fn queued is flushed before the store closes; a paused config
// leaves it queued for the next run.
func withSession(ctx context.Context, cc *CLIContext, fn func(*session.Manager) error) error {
	if err := ensureNoDaemon(dataDir(cc.Flags)); err != nil {
		return err
	}

	eng, err := openEngine(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	if cc.Cfg.Sync.Paused {
		eng.mgr.Repo().Pause(configPauseReason)
	}

	runErr := eng.mgr.Start(ctx, session.StartOptions{})
	if runErr == nil {
		runErr = fn(eng.mgr)
	}

	if runErr == nil {
		var sent bool

		sent, runErr = eng.flush(ctx)
		if runErr == nil && !sent {
			cc.Statusf("Sync is paused; changes stay queued until resumed\n")
		}
	}

	return errors.Join(runErr, eng.close(context.WithoutCancel(ctx)))
}
