package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tonimelisma/usersync/internal/tokenfile"
)

// ErrNoCredentials is returned by NewAppTokenSource when no client id is
// configured.
var ErrNoCredentials = errors.New("api: no app credentials configured")

// AppCredentials identifies this client to the service's token endpoint.
type AppCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// NewAppTokenSource returns a TokenSource for the client-credentials grant.
// A cached token at cachePath issued to the same client is reused until it
// expires; every newly issued token is written back to cachePath.
//
// ctx must outlive the TokenSource: token refreshes run under it.
func NewAppTokenSource(ctx context.Context, creds AppCredentials, cachePath string, logger *slog.Logger) (TokenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if creds.ClientID == "" {
		return nil, ErrNoCredentials
	}

	if creds.TokenURL == "" {
		return nil, fmt.Errorf("api: app credentials for %s have no token URL", creds.ClientID)
	}

	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       creds.Scopes,
	}

	var cached *oauth2.Token

	if cachePath != "" {
		f, err := tokenfile.Load(cachePath)
		if err != nil {
			// A corrupt cache only costs one extra exchange.
			logger.Warn("ignoring unreadable token cache",
				slog.String("path", cachePath),
				slog.String("error", err.Error()),
			)
		}

		if f.Matches(creds.ClientID, creds.TokenURL) && f.Token.Valid() {
			cached = f.Token
			logger.Debug("reusing cached app token",
				slog.String("path", cachePath),
				slog.Time("expiry", cached.Expiry),
			)
		}
	}

	src := oauth2.ReuseTokenSource(cached, cfg.TokenSource(ctx))

	b := &tokenBridge{
		src:       src,
		logger:    logger,
		cachePath: cachePath,
		clientID:  creds.ClientID,
		tokenURL:  creds.TokenURL,
		nowFunc:   time.Now,
	}

	if cached != nil {
		b.last = cached.AccessToken
	}

	return b, nil
}

// tokenBridge adapts oauth2.TokenSource to api.TokenSource and persists
// each newly issued token, since clientcredentials has no change hook.
type tokenBridge struct {
	src       oauth2.TokenSource
	logger    *slog.Logger
	cachePath string
	clientID  string
	tokenURL  string
	nowFunc   func() time.Time

	mu   stdsync.Mutex
	last string
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("app token acquisition failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("api: obtaining app token: %w", err)
	}

	b.mu.Lock()
	changed := t.AccessToken != b.last
	b.last = t.AccessToken
	b.mu.Unlock()

	if changed {
		b.logger.Info("app token issued", slog.Time("expiry", t.Expiry))
		b.persist(t)
	}

	return t.AccessToken, nil
}

func (b *tokenBridge) persist(t *oauth2.Token) {
	if b.cachePath == "" {
		return
	}

	f := &tokenfile.File{
		Token:    t,
		ClientID: b.clientID,
		TokenURL: b.tokenURL,
		SavedAt:  b.nowFunc(),
	}

	if err := tokenfile.Save(b.cachePath, f); err != nil {
		b.logger.Warn("failed to persist app token",
			slog.String("path", b.cachePath),
			slog.String("error", err.Error()),
		)
	}
}
