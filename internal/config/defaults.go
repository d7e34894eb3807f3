package config

// Default values for configuration options. These are layer 0 of the
// override chain.
const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultConnectTimeout  = "10s"
	defaultDataTimeout     = "60s"
	defaultUserAgent       = "drivebridge/0.1"
	defaultChunkSize       = "10MiB"
	defaultParallelUploads = 4
	defaultMaxAttempts     = 3

	defaultGraphBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultGraphTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	defaultS3Region      = "us-east-1"
)

// defaultGraphScopes are requested when a graph backend lists none.
var defaultGraphScopes = []string{"Files.ReadWrite.All", "offline_access"}

// DefaultConfig returns a Config populated with all default values. TOML
// decoding starts from it so unset keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		NetworkConfig: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      defaultUserAgent,
		},
		TransfersConfig: TransfersConfig{
			ChunkSize:       defaultChunkSize,
			ParallelUploads: defaultParallelUploads,
			MaxAttempts:     defaultMaxAttempts,
		},
		Backends: make(map[string]Backend),
	}
}

// applyBackendDefaults fills kind-specific defaults that cannot live in
// DefaultConfig because backend sections are map entries.
func applyBackendDefaults(b *Backend) {
	switch b.Kind {
	case KindGraph:
		if b.BaseURL == "" {
			b.BaseURL = defaultGraphBaseURL
		}

		if b.TokenURL == "" {
			b.TokenURL = defaultGraphTokenURL
		}

		if len(b.Scopes) == 0 {
			b.Scopes = defaultGraphScopes
		}
	case KindS3:
		if b.Region == "" {
			b.Region = defaultS3Region
		}
	}
}
