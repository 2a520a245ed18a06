package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "USERSYNC_CONFIG"
	EnvAppID   = "USERSYNC_APP_ID"
	EnvDataDir = "USERSYNC_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // USERSYNC_CONFIG: override config file path
	AppID      string // USERSYNC_APP_ID: application id
	DataDir    string // USERSYNC_DATA_DIR: directory for the store and token files
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		AppID:      os.Getenv(EnvAppID),
		DataDir:    os.Getenv(EnvDataDir),
	}
}
