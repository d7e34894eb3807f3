package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "DRIVEBRIDGE_CONFIG"
	EnvBackend = "DRIVEBRIDGE_BACKEND"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DRIVEBRIDGE_CONFIG: override config file path
	Backend    string // DRIVEBRIDGE_BACKEND: active backend name
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Backend:    os.Getenv(EnvBackend),
	}
}
