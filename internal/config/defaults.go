package config

import "time"

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultAPIURL          = "https://api.onesignal.com"
	defaultBackend         = BackendBolt
	defaultFlushInterval   = "5s"
	defaultShutdownTimeout = "30s"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultConnectTimeout  = "10s"
	defaultDataTimeout     = "60s"
	defaultMaxRetries      = 3

	defaultShutdownDuration = 30 * time.Second
	defaultConnectDuration  = 10 * time.Second
	defaultDataDuration     = 60 * time.Second
)

// Store backends.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		APIURL: defaultAPIURL,
		Store: StoreConfig{
			Backend: defaultBackend,
		},
		Sync: SyncConfig{
			FlushInterval:   defaultFlushInterval,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			MaxRetries:     defaultMaxRetries,
		},
	}
}
