package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/usersync/internal/config"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

type recordedCall struct {
	Method string
	Path   string
	Body   string
}

// fakeAPI is an httptest user service: creates get sequential ids and
// everything else succeeds with an empty object.
type fakeAPI struct {
	*httptest.Server

	mu    stdsync.Mutex
	calls []recordedCall
	users int
	subs  int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	f := &fakeAPI{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)

	return f
}

func (f *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})

	var resp string

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/apps/app-1/users":
		f.users++
		resp = fmt.Sprintf(`{"identity":{"onesignal_id":"u-%d"}}`, f.users)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/subscriptions"):
		f.subs++
		resp = fmt.Sprintf(`{"subscription":{"id":"s-%d"}}`, f.subs)
	default:
		resp = `{}`
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, resp)
}

func (f *fakeAPI) snapshot() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]recordedCall(nil), f.calls...)
}

func (f *fakeAPI) count(method, path string) int {
	n := 0

	for _, c := range f.snapshot() {
		if c.Method == method && c.Path == path {
			n++
		}
	}

	return n
}

func (f *fakeAPI) bodies() string {
	var sb strings.Builder

	for _, c := range f.snapshot() {
		sb.WriteString(c.Body)
		sb.WriteString("\n")
	}

	return sb.String()
}

// writeCLIConfig writes a config pointed at apiURL with extra appended.
func writeCLIConfig(t *testing.T, apiURL, extra string) string {
	t.Helper()

	content := fmt.Sprintf(`app_id = "app-1"
api_url = %q

[network]
max_retries = 0
%s`, apiURL, extra)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// clearEnv keeps the caller's USERSYNC_* variables out of the chain.
func clearEnv(t *testing.T) {
	t.Helper()

	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvAppID, "")
	t.Setenv(config.EnvDataDir, "")
}

func executeCLI(t *testing.T, args ...string) error {
	t.Helper()

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return cmd.ExecuteContext(ctx)
}

func TestCLI_TagSetReachesServer(t *testing.T) {
	clearEnv(t)

	srv := newFakeAPI(t)
	path := writeCLIConfig(t, srv.URL, "")

	require.NoError(t, executeCLI(t, "--config", path, "--store", "memory", "-q", "tag", "set", "plan=pro"))

	assert.Equal(t, 1, srv.count(http.MethodPost, "/apps/app-1/users"))
	assert.Contains(t, srv.bodies(), `"plan":"pro"`)
}

func TestCLI_PersistsAcrossInvocations(t *testing.T) {
	clearEnv(t)

	srv := newFakeAPI(t)
	path := writeCLIConfig(t, srv.URL, "")
	data := t.TempDir()

	require.NoError(t, executeCLI(t, "--config", path, "--data-dir", data, "-q", "flush"))
	require.NoError(t, executeCLI(t, "--config", path, "--data-dir", data, "-q", "alias", "add", "crm=42"))

	// The second run restores u-1 instead of creating another user.
	assert.Equal(t, 1, srv.count(http.MethodPost, "/apps/app-1/users"))
	assert.FileExists(t, filepath.Join(data, "usersync.bolt"))
	assert.Contains(t, srv.bodies(), `"crm":"42"`)
}

func TestCLI_PausedConfigQueuesWithoutSending(t *testing.T) {
	clearEnv(t)

	srv := newFakeAPI(t)
	path := writeCLIConfig(t, srv.URL, "\n[sync]\npaused = true\n")
	data := t.TempDir()

	require.NoError(t, executeCLI(t, "--config", path, "--data-dir", data, "-q", "tag", "set", "a=1"))
	assert.Empty(t, srv.snapshot())

	require.NoError(t, executeCLI(t, "--config", path, "--data-dir", data, "-q", "resume"))
	require.NoError(t, executeCLI(t, "--config", path, "--data-dir", data, "-q", "flush"))

	assert.Equal(t, 1, srv.count(http.MethodPost, "/apps/app-1/users"))
	assert.Contains(t, srv.bodies(), `"a":"1"`)
}

func TestCLI_StatusRefreshFetchesUser(t *testing.T) {
	clearEnv(t)

	srv := newFakeAPI(t)
	path := writeCLIConfig(t, srv.URL, "")
	data := t.TempDir()

	require.NoError(t, executeCLI(t, "--config", path, "--data-dir", data, "-q", "tag", "set", "a=1"))
	assert.Zero(t, srv.count(http.MethodGet, "/apps/app-1/users/by/onesignal_id/u-1"))

	require.NoError(t, executeCLI(t, "--config", path, "--data-dir", data, "-q", "status", "--json", "--refresh"))
	assert.Equal(t, 1, srv.count(http.MethodGet, "/apps/app-1/users/by/onesignal_id/u-1"))
}

func TestCLI_StaleDaemonLockDoesNotBlock(t *testing.T) {
	clearEnv(t)

	srv := newFakeAPI(t)
	path := writeCLIConfig(t, srv.URL, "")
	data := t.TempDir()

	require.NoError(t, os.WriteFile(daemonLockPath(data), []byte(`{"pid":1,"app_id":"app-1"}`+"\n"), 0o600))

	require.NoError(t, executeCLI(t, "--config", path, "--data-dir", data, "-q", "tag", "set", "a=1"))
}

func TestCLI_MissingAppID(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`api_url = "https://example.test"`), 0o600))

	err := executeCLI(t, "--config", path, "status")
	require.ErrorIs(t, err, config.ErrNoAppID)
}

func TestCLI_ConfigInitSkipsResolution(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "new", "config.toml")

	require.NoError(t, executeCLI(t, "--config", path, "-q", "config", "init", "app-9"))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "app-9", cfg.AppID)

	assert.ErrorIs(t, executeCLI(t, "--config", path, "-q", "config", "init", "app-9"), config.ErrConfigExists)
}

func TestCLI_BadPairArgument(t *testing.T) {
	clearEnv(t)

	srv := newFakeAPI(t)
	path := writeCLIConfig(t, srv.URL, "")

	err := executeCLI(t, "--config", path, "--store", "memory", "-q", "tag", "set", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected key=value")
}

func TestRunDaemon_FlushesAndStopsOnCancel(t *testing.T) {
	clearEnv(t)

	srv := newFakeAPI(t)
	path := writeCLIConfig(t, srv.URL, "\n[store]\nbackend = \"memory\"\n")

	resolved, err := config.Resolve(config.EnvOverrides{ConfigPath: path}, config.CLIOverrides{})
	require.NoError(t, err)

	data := t.TempDir()
	cc := &CLIContext{
		Flags:  CLIFlags{ConfigPath: path, DataDir: data, Quiet: true},
		Cfg:    resolved,
		Logger: testLogger(t),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, cc, "") }()

	require.Eventually(t, func() bool {
		return srv.count(http.MethodPost, "/apps/app-1/users") == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.FileExists(t, daemonLockPath(data))

	rec, err := runningDaemon(data)
	require.NoError(t, err)
	assert.Equal(t, "app-1", rec.AppID)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}

	assert.NoFileExists(t, daemonLockPath(data))
}
