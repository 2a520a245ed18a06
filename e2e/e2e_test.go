//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/usersync/testutil"
)

var (
	binaryPath string
	appID      string
	apiURL     string
)

func TestMain(m *testing.M) {
	root := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))

	appID = testutil.ValidateAllowlist(testutil.EnvTestAppID)
	apiURL = os.Getenv(testutil.EnvTestAPIURL)

	tmpDir, err := os.MkdirTemp("", "usersync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "usersync")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// cliEnv is one isolated installation: its own config and data dir.
type cliEnv struct {
	config string
	data   string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()

	dir := t.TempDir()
	env := cliEnv{config: filepath.Join(dir, "config.toml"), data: filepath.Join(dir, "data")}

	runCLI(t, env, "config", "init", appID)

	if apiURL != "" {
		data, err := os.ReadFile(env.config)
		require.NoError(t, err)

		data = bytes.Replace(data, []byte(`# api_url = "https://api.onesignal.com"`),
			fmt.Appendf(nil, "api_url = %q", apiURL), 1)
		require.NoError(t, os.WriteFile(env.config, data, 0o600))
	}

	return env
}

func runCLI(t *testing.T, env cliEnv, args ...string) string {
	t.Helper()

	full := append([]string{"--config", env.config, "--data-dir", env.data}, args...)
	cmd := exec.Command(binaryPath, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String()
}

type statusOut struct {
	User struct {
		Identity struct {
			UserID     string            `json:"user_id"`
			ExternalID string            `json:"external_id"`
			Aliases    map[string]string `json:"aliases"`
		} `json:"identity"`
		Properties struct {
			Tags map[string]string `json:"tags"`
		} `json:"properties"`
	} `json:"user"`
}

func status(t *testing.T, env cliEnv) statusOut {
	t.Helper()

	var out statusOut
	require.NoError(t, json.Unmarshal([]byte(runCLI(t, env, "--json", "status")), &out))

	return out
}

func TestE2E_AnonymousUserLifecycle(t *testing.T) {
	env := newCLIEnv(t)

	runCLI(t, env, "flush")

	st := status(t, env)
	require.NotEmpty(t, st.User.Identity.UserID, "anonymous user created")

	runCLI(t, env, "tag", "set", "e2e=1", "run="+time.Now().UTC().Format(time.RFC3339))
	runCLI(t, env, "property", "language", "fi")

	st = status(t, env)
	assert.Equal(t, "1", st.User.Properties.Tags["e2e"])
}

func TestE2E_LoginLogout(t *testing.T) {
	env := newCLIEnv(t)
	ext := fmt.Sprintf("usersync-e2e-%d", time.Now().UnixNano())

	runCLI(t, env, "flush")
	anon := status(t, env).User.Identity.UserID

	runCLI(t, env, "login", ext)

	st := status(t, env)
	assert.Equal(t, ext, st.User.Identity.ExternalID)
	assert.Equal(t, anon, st.User.Identity.UserID, "anonymous user identified in place")

	runCLI(t, env, "logout")

	st = status(t, env)
	assert.Empty(t, st.User.Identity.ExternalID)
	assert.NotEqual(t, anon, st.User.Identity.UserID)
}
