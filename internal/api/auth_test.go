package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/usersync/internal/tokenfile"
)

func tokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"issued-` + string(rune('0'+n)) + `","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestNewAppTokenSource_IssuesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	cache := filepath.Join(t.TempDir(), "app-token.json")

	creds := AppCredentials{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL}

	ts, err := NewAppTokenSource(context.Background(), creds, cache, nil)
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "issued-1", tok)

	// Reused while valid.
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "issued-1", tok)
	assert.Equal(t, int32(1), calls.Load())

	f, err := tokenfile.Load(cache)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "issued-1", f.Token.AccessToken)
	assert.True(t, f.Matches("cid", srv.URL))

	// A new process picks the cached token up without an exchange.
	ts2, err := NewAppTokenSource(context.Background(), creds, cache, nil)
	require.NoError(t, err)

	tok, err = ts2.Token()
	require.NoError(t, err)
	assert.Equal(t, "issued-1", tok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewAppTokenSource_IgnoresForeignCache(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls)
	cache := filepath.Join(t.TempDir(), "app-token.json")

	require.NoError(t, tokenfile.Save(cache, &tokenfile.File{
		Token:    &oauth2.Token{AccessToken: "other", Expiry: time.Now().Add(time.Hour)},
		ClientID: "someone-else",
		TokenURL: srv.URL,
	}))

	ts, err := NewAppTokenSource(context.Background(), AppCredentials{ClientID: "cid", TokenURL: srv.URL}, cache, nil)
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "issued-1", tok)
}

func TestNewAppTokenSource_Validation(t *testing.T) {
	_, err := NewAppTokenSource(context.Background(), AppCredentials{}, "", nil)
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = NewAppTokenSource(context.Background(), AppCredentials{ClientID: "cid"}, "", nil)
	assert.ErrorContains(t, err, "no token URL")
}

func TestAppTokenSource_ExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	ts, err := NewAppTokenSource(context.Background(), AppCredentials{ClientID: "cid", TokenURL: srv.URL}, "", nil)
	require.NoError(t, err)

	_, err = ts.Token()
	assert.ErrorContains(t, err, "obtaining app token")
}
