// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for usersync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	AppID  string `toml:"app_id" json:"app_id"`
	APIURL string `toml:"api_url" json:"api_url"`

	Store   StoreConfig   `toml:"store" json:"store"`
	Sync    SyncConfig    `toml:"sync" json:"sync"`
	Auth    AuthConfig    `toml:"auth" json:"auth"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
	Network NetworkConfig `toml:"network" json:"network"`
}

// StoreConfig selects the durable store that holds models and queues.
// An empty path means the platform data directory.
type StoreConfig struct {
	Backend string `toml:"backend" json:"backend"`
	Path    string `toml:"path" json:"path"`
}

// SyncConfig controls the Operation Repo's flush loop.
type SyncConfig struct {
	FlushInterval   string `toml:"flush_interval" json:"flush_interval"`
	ShutdownTimeout string `toml:"shutdown_timeout" json:"shutdown_timeout"`
	Paused          bool   `toml:"paused" json:"paused"`
}

// AuthConfig holds app-level client credentials and the identity
// verification switch. With require_identity_verification set, requests for
// an identified user carry that user's JWT.
type AuthConfig struct {
	RequireIdentityVerification bool     `toml:"require_identity_verification" json:"require_identity_verification"`
	ClientID                    string   `toml:"client_id" json:"client_id"`
	ClientSecret                string   `toml:"client_secret" json:"client_secret"`
	TokenURL                    string   `toml:"token_url" json:"token_url"`
	Scopes                      []string `toml:"scopes" json:"scopes"`
}

// LoggingConfig controls log output: level and format (auto, text, json).
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// NetworkConfig controls HTTP client behavior and the realtime channel.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout" json:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout" json:"data_timeout"`
	UserAgent      string `toml:"user_agent" json:"user_agent"`
	MaxRetries     int    `toml:"max_retries" json:"max_retries"`
	RealtimeURL    string `toml:"realtime_url" json:"realtime_url"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	AppID      string  // --app-id flag
	DataDir    string  // --data-dir flag
	Paused     *bool   // --paused flag
	Backend    *string // --store flag
}

// FlushEvery returns the parsed flush interval. Validate guarantees it
// parses; a zero or invalid value yields the engine default.
func (c *Config) FlushEvery() time.Duration {
	return parseDurationOr(c.Sync.FlushInterval, 0)
}

// ShutdownWait returns the parsed shutdown timeout.
func (c *Config) ShutdownWait() time.Duration {
	return parseDurationOr(c.Sync.ShutdownTimeout, defaultShutdownDuration)
}

// ConnectWait returns the parsed connect timeout.
func (c *Config) ConnectWait() time.Duration {
	return parseDurationOr(c.Network.ConnectTimeout, defaultConnectDuration)
}

// DataWait returns the parsed data timeout.
func (c *Config) DataWait() time.Duration {
	return parseDurationOr(c.Network.DataTimeout, defaultDataDuration)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}

	return d
}
