package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrNoAppID is returned by Resolve when no layer supplies an app id.
var ErrNoAppID = errors.New("app_id: required (config file, " + EnvAppID + " or --app-id)")

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolved is the outcome of Resolve: the effective config and where it
// came from.
type Resolved struct {
	*Config
	Path string
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. File (or defaults)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Environment
	if env.AppID != "" {
		cfg.AppID = env.AppID
	}

	dataDir := env.DataDir

	// 4. Flags
	if cli.AppID != "" {
		cfg.AppID = cli.AppID
	}

	if cli.DataDir != "" {
		dataDir = cli.DataDir
	}

	if cli.Backend != nil {
		cfg.Store.Backend = *cli.Backend
	}

	if cli.Paused != nil {
		cfg.Sync.Paused = *cli.Paused
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = StorePath(dataDir, cfg.Store.Backend)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	if cfg.AppID == "" {
		return nil, ErrNoAppID
	}

	return &Resolved{Config: cfg, Path: cfgPath}, nil
}

// StorePath returns the store file for backend under dataDir, or under the
// platform data directory when dataDir is empty. The memory backend has no
// file.
func StorePath(dataDir, backend string) string {
	if backend == BackendMemory {
		return ""
	}

	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	if backend == BackendSQLite {
		return filepath.Join(dataDir, "usersync.db")
	}

	return filepath.Join(dataDir, "usersync.bolt")
}

// AppTokenPath returns where the app-level OAuth2 token is cached, next to
// the store.
func AppTokenPath(r *Resolved) string {
	dir := filepath.Dir(r.Store.Path)
	if r.Store.Path == "" {
		dir = DefaultDataDir()
	}

	return filepath.Join(dir, "app-token.json")
}
