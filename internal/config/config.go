// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for drivebridge. Values resolve through
// a four-layer chain (defaults -> config file -> environment -> CLI flags).
// Each [backend.<name>] section describes one account on one storage
// backend; global transfer, logging, and network settings are flat
// top-level keys.
package config

// Backend kinds accepted in [backend.<name>] sections.
const (
	KindGraph = "graph"
	KindPan   = "pan"
	KindS3    = "s3"
)

// Config is the top-level configuration structure parsed from a TOML file.
// The embedded sections decode from flat top-level keys.
type Config struct {
	LoggingConfig
	NetworkConfig
	TransfersConfig

	Backends map[string]Backend `toml:"backend"`
}

// LoggingConfig controls log output: level and handler format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior. The engine adds no timeouts
// of its own beyond these.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// TransfersConfig holds the default chunk size and how many independent
// transfers the CLI runs at once.
type TransfersConfig struct {
	ChunkSize       string `toml:"chunk_size"`
	ParallelUploads int    `toml:"parallel_uploads"`
	MaxAttempts     int    `toml:"max_attempts"`
	BandwidthLimit  string `toml:"bandwidth_limit"`
}

// Backend is one [backend.<name>] section. Which fields apply depends on
// Kind; validation reports fields that a kind requires but lacks.
type Backend struct {
	Kind    string `toml:"kind"`
	BaseURL string `toml:"base_url"`

	// OAuth2 and token refresh.
	TokenURL     string   `toml:"token_url"`
	RefreshURL   string   `toml:"refresh_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes"`
	AccessToken  string   `toml:"access_token"`
	RefreshToken string   `toml:"refresh_token"`
	TokenFile    string   `toml:"token_file"`

	// Transfer behavior. Dedup is a pointer so an absent key keeps the
	// default (enabled).
	ChunkSize     string `toml:"chunk_size"`
	Dedup         *bool  `toml:"dedup"`
	ProxyRequired bool   `toml:"proxy_required"`

	// Request signing.
	Signing      string `toml:"signing"`
	AppKey       string `toml:"app_key"`
	AppSecret    string `toml:"app_secret"`
	RSAPublicKey string `toml:"rsa_public_key"`

	// S3.
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`

	// AbortIncomplete deletes the parts of a failed multipart upload. Off by
	// default: unfinished uploads are left for the store's lifecycle rules.
	AbortIncomplete bool `toml:"abort_incomplete"`
}

// DedupEnabled reports whether rapid-upload probing is on for b.
func (b *Backend) DedupEnabled() bool {
	return b.Dedup == nil || *b.Dedup
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty strings mean "not specified".
type CLIOverrides struct {
	ConfigPath string // --config
	Backend    string // --backend
	ChunkSize  string // --chunk-size
}
