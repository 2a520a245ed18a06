package sync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/usersync/internal/api"
	"github.com/tonimelisma/usersync/internal/consistency"
	"github.com/tonimelisma/usersync/internal/kvstore"
	"github.com/tonimelisma/usersync/internal/model"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

// --- fake network client ---

type fakeClient struct {
	mu          stdsync.Mutex
	calls       []api.Request
	handler     func(api.Request) ([]byte, error)
	inflight    int
	maxInflight int

	// gate, when set, holds every call until a value is received from it.
	gate chan struct{}
}

func newFakeClient(handler func(api.Request) ([]byte, error)) *fakeClient {
	if handler == nil {
		handler = func(api.Request) ([]byte, error) { return []byte(`{}`), nil }
	}

	return &fakeClient{handler: handler}
}

func (c *fakeClient) Execute(_ context.Context, req api.Request) ([]byte, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.inflight++
	c.maxInflight = max(c.maxInflight, c.inflight)
	gate, handler := c.gate, c.handler
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}

	body, err := handler(req)

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()

	return body, err
}

func (c *fakeClient) Calls() []api.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]api.Request(nil), c.calls...)
}

func (c *fakeClient) callsTo(method, pathPrefix string) []api.Request {
	var out []api.Request

	for _, r := range c.Calls() {
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			out = append(out, r)
		}
	}

	return out
}

func (c *fakeClient) MaxInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxInflight
}

// statusErr builds the error the api client returns for an HTTP status.
func statusErr(code int) error {
	sentinel := map[int]error{
		http.StatusBadRequest:          api.ErrBadRequest,
		http.StatusUnauthorized:        api.ErrUnauthorized,
		http.StatusNotFound:            api.ErrNotFound,
		http.StatusConflict:            api.ErrConflict,
		http.StatusInternalServerError: api.ErrServerError,
	}[code]

	return &api.Error{StatusCode: code, Message: http.StatusText(code), Err: sentinel}
}

// --- fake hooks ---

type fakeHooks struct {
	mu          stdsync.Mutex
	current     string
	userMissing []string
	subMissing  []string
	conflicts   []string
}

func (h *fakeHooks) setCurrent(id string) {
	h.mu.Lock()
	h.current = id
	h.mu.Unlock()
}

func (h *fakeHooks) IsCurrent(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.current == id
}

func (h *fakeHooks) OnUserMissing(id string) {
	h.mu.Lock()
	h.userMissing = append(h.userMissing, id)
	h.mu.Unlock()
}

func (h *fakeHooks) OnSubscriptionMissing(id string) {
	h.mu.Lock()
	h.subMissing = append(h.subMissing, id)
	h.mu.Unlock()
}

func (h *fakeHooks) OnIdentityConflict(id, label, alias string) {
	h.mu.Lock()
	h.conflicts = append(h.conflicts, id+":"+label+"="+alias)
	h.mu.Unlock()
}

func (h *fakeHooks) snapshot() (userMissing, subMissing, conflicts []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.userMissing...),
		append([]string(nil), h.subMissing...),
		append([]string(nil), h.conflicts...)
}

// --- fake credentials ---

var errNoTestToken = errors.New("no token")

type fakeCreds struct {
	mu          stdsync.Mutex
	tokens      map[string]string
	invalidated []string
}

func newFakeCreds(tokens map[string]string) *fakeCreds {
	if tokens == nil {
		tokens = make(map[string]string)
	}

	return &fakeCreds{tokens: tokens}
}

func (c *fakeCreds) Token(ext string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok := c.tokens[ext]; tok != "" {
		return tok, nil
	}

	return "", errNoTestToken
}

func (c *fakeCreds) Invalidate(ext string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tokens, ext)
	c.invalidated = append(c.invalidated, ext)
}

func (c *fakeCreds) set(ext, tok string) {
	c.mu.Lock()
	c.tokens[ext] = tok
	c.mu.Unlock()
}

func (c *fakeCreds) invalidatedList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.invalidated...)
}

// --- harness ---

type harness struct {
	t       *testing.T
	store   *kvstore.Memory
	reg     *model.Registry
	client  *fakeClient
	hooks   *fakeHooks
	creds   *fakeCreds
	tracker *consistency.Tracker

	repo       *Repo
	user       *UserExecutor
	identity   *Executor
	properties *Executor
	subs       *Executor
	events     *Executor
}

type harnessOption func(*harness, *Config)

func withRequireAuth(creds *fakeCreds) harnessOption {
	return func(h *harness, cfg *Config) {
		h.creds = creds
		cfg.RequireAuth = true
		cfg.Credentials = creds
	}
}

func withStore(store *kvstore.Memory) harnessOption {
	return func(h *harness, _ *Config) { h.store = store }
}

func newHarness(t *testing.T, client *fakeClient, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		store:   kvstore.NewMemory(),
		client:  client,
		hooks:   &fakeHooks{},
		tracker: consistency.NewTracker(testLogger(t)),
	}

	cfg := Config{
		AppID:       "app-1",
		Client:      client,
		Hooks:       h.hooks,
		Consistency: h.tracker,
		Logger:      testLogger(t),
	}

	for _, opt := range opts {
		opt(h, &cfg)
	}

	reg, err := model.LoadRegistry(h.store, testLogger(t))
	require.NoError(t, err)

	h.reg = reg
	cfg.Store = h.store
	cfg.Registry = reg

	h.user, err = NewUserExecutor(cfg)
	require.NoError(t, err)
	h.identity, err = NewIdentityExecutor(cfg)
	require.NoError(t, err)
	h.properties, err = NewPropertiesExecutor(cfg)
	require.NoError(t, err)
	h.subs, err = NewSubscriptionExecutor(cfg)
	require.NoError(t, err)
	h.events, err = NewEventsExecutor(cfg)
	require.NoError(t, err)

	h.repo, err = NewRepo(testLogger(t), h.user.Executor, h.identity, h.properties, h.subs, h.events)
	require.NoError(t, err)

	t.Cleanup(h.repo.Close)

	return h
}

// addUser registers an identity (with server id userID when non-empty) and
// makes it current.
func (h *harness) addUser(externalID, userID string) *model.Identity {
	h.t.Helper()

	ident := model.NewIdentity(externalID)
	if userID != "" {
		require.NoError(h.t, ident.SetServerID(userID))
	}

	h.reg.AddUser(ident, model.NewProperties(ident.ModelID()))
	h.reg.SetCurrent(ident.ModelID())
	h.hooks.setCurrent(ident.ModelID())

	return ident
}

func (h *harness) props(ident *model.Identity) *model.Properties {
	h.t.Helper()

	p, ok := h.reg.Properties(ident.ModelID())
	require.True(h.t, ok)

	return p
}

func (h *harness) enqueue(d *model.Delta, err error) {
	h.t.Helper()

	require.NoError(h.t, err)
	require.NoError(h.t, h.repo.Enqueue(d))
}

func (h *harness) drain() {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(h.t, h.repo.Drain(ctx, false))
}

func (h *harness) stats(e *Executor) Stats {
	h.t.Helper()

	s, err := e.Stats(context.Background())
	require.NoError(h.t, err)

	return s
}

func queued(s Stats) int {
	n := 0
	for _, c := range s.Requests {
		n += c
	}

	return n
}
