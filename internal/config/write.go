package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is the permission mode for config files. The file
// may hold a client secret, so it is private to the owner.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteDefault when the file is already there.
var ErrConfigExists = errors.New("config file already exists")

// configTemplate is the config file content written by "config init". Every
// setting is present as a commented-out default so users can discover the
// options without reading docs.
const configTemplate = `# usersync configuration

app_id = %q

# api_url = "https://api.onesignal.com"

[store]
# bolt, sqlite or memory
# backend = "bolt"
# path = ""

[sync]
# flush_interval = "5s"
# shutdown_timeout = "30s"
# paused = false

[auth]
# require_identity_verification = false
# client_id = ""
# client_secret = ""
# token_url = ""
# scopes = []

[logging]
# debug, info, warn, error
# log_level = "info"
# auto, text, json
# log_format = "auto"

[network]
# connect_timeout = "10s"
# data_timeout = "60s"
# max_retries = 3
# user_agent = ""
# realtime_url = ""
`

// WriteDefault creates a commented config file at path for appID. An
// existing file is never overwritten.
func WriteDefault(path, appID string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	slog.Info("writing default config", slog.String("path", path))

	return atomicWriteFile(path, fmt.Appendf(nil, configTemplate, appID))
}

// SetPaused rewrites the [sync] paused key in place, keeping comments and
// the rest of the file untouched. The run daemon picks the change up
// through its file watcher.
func SetPaused(path string, paused bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	lines = setKeyInSection(lines, "sync", "paused", fmt.Sprintf("paused = %t", paused))

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// setKeyInSection replaces key's line inside [section], or inserts newLine
// right after the header. A missing section is appended.
func setKeyInSection(lines []string, section, key, newLine string) []string {
	header := "[" + section + "]"

	start := -1
	for i, l := range lines {
		if strings.TrimSpace(l) == header {
			start = i
			break
		}
	}

	if start < 0 {
		return append(lines, "", header, newLine)
	}

	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "[") {
			break
		}

		if k, _, ok := strings.Cut(trimmed, "="); ok && strings.TrimSpace(k) == key {
			lines[i] = newLine
			return lines
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:start+1]...)
	out = append(out, newLine)

	return append(out, lines[start+1:]...)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. Parent directories are created
// as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
