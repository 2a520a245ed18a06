package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"api url scheme":   {func(c *Config) { c.APIURL = "ftp://x" }, "api_url"},
		"api url relative": {func(c *Config) { c.APIURL = "/apps" }, "api_url"},
		"backend":          {func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		"flush interval":   {func(c *Config) { c.Sync.FlushInterval = "1ms" }, "sync.flush_interval"},
		"shutdown timeout": {func(c *Config) { c.Sync.ShutdownTimeout = "forever" }, "sync.shutdown_timeout"},
		"partial auth":     {func(c *Config) { c.Auth.ClientID = "cid" }, "must be set together"},
		"token url": {func(c *Config) {
			c.Auth.ClientID, c.Auth.ClientSecret, c.Auth.TokenURL = "cid", "s", "nope"
		}, "auth.token_url"},
		"log level":       {func(c *Config) { c.Logging.LogLevel = "trace" }, "logging.log_level"},
		"log format":      {func(c *Config) { c.Logging.LogFormat = "xml" }, "logging.log_format"},
		"connect timeout": {func(c *Config) { c.Network.ConnectTimeout = "10ms" }, "network.connect_timeout"},
		"data timeout":    {func(c *Config) { c.Network.DataTimeout = "1s" }, "network.data_timeout"},
		"retries":         {func(c *Config) { c.Network.MaxRetries = 11 }, "network.max_retries"},
		"realtime scheme": {func(c *Config) { c.Network.RealtimeURL = "https://x/rt" }, "network.realtime_url"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_ReportsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.LogLevel = "loud"
	cfg.Store.Backend = "tape"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.log_level")
	assert.Contains(t, err.Error(), "store.backend")
}

func TestValidate_CompleteAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth = AuthConfig{ClientID: "cid", ClientSecret: "s", TokenURL: "https://auth.example.test/token"}

	assert.NoError(t, Validate(cfg))
}
