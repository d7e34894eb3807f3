package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is the fully merged configuration for one backend, with sizes and
// durations parsed and paths expanded.
type Resolved struct {
	Name    string
	Backend Backend

	ChunkSize       int64
	ParallelUploads int
	MaxAttempts     int
	BandwidthLimit  int64 // bytes per second, 0 for unlimited
	ConnectTimeout  time.Duration
	DataTimeout     time.Duration
	UserAgent       string
	LogLevel        string
	LogFormat       string
	ConfigPath      string
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal and come with "did you mean"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	for name, b := range cfg.Backends {
		applyBackendDefaults(&b)
		cfg.Backends[name] = b
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with default values and no backends.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ConfigPath picks the config file path: CLI > env > default.
func ConfigPath(env EnvOverrides, cli CLIOverrides) string {
	switch {
	case cli.ConfigPath != "":
		return cli.ConfigPath
	case env.ConfigPath != "":
		return env.ConfigPath
	default:
		return DefaultConfigPath()
	}
}

// Resolve loads configuration and applies the override chain: defaults ->
// config file -> environment variables -> CLI flags. The backend is chosen
// by --backend, then DRIVEBRIDGE_BACKEND, then the only configured backend.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	path := ConfigPath(env, cli)

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	name := cli.Backend
	if name == "" {
		name = env.Backend
	}

	r, err := cfg.Resolve(name)
	if err != nil {
		return nil, err
	}

	r.ConfigPath = path

	if cli.ChunkSize != "" {
		size, err := ParseSize(cli.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("--chunk-size: %w", err)
		}

		if err := checkChunkBytes(size); err != nil {
			return nil, fmt.Errorf("--chunk-size: %w", err)
		}

		r.ChunkSize = size
	}

	return r, nil
}

// Resolve merges global settings with the named backend section. An empty
// name selects the sole backend when exactly one is configured.
func (c *Config) Resolve(name string) (*Resolved, error) {
	if name == "" {
		switch len(c.Backends) {
		case 0:
			return nil, errors.New("no backends configured; add a [backend.<name>] section")
		case 1:
			for only := range c.Backends {
				name = only
			}
		default:
			return nil, fmt.Errorf("multiple backends configured (%v); use --backend to select one",
				c.BackendNames())
		}
	}

	b, ok := c.Backends[name]
	if !ok {
		if s := closestMatch(name, c.BackendNames()); s != "" {
			return nil, fmt.Errorf("unknown backend %q, did you mean %q?", name, s)
		}

		return nil, fmt.Errorf("unknown backend %q", name)
	}

	chunk := c.ChunkSize
	if b.ChunkSize != "" {
		chunk = b.ChunkSize
	}

	// Values were validated on load; errors here mean a Config built in code.
	chunkBytes, err := ParseSize(chunk)
	if err != nil {
		return nil, fmt.Errorf("chunk_size: %w", err)
	}

	bandwidth, err := ParseRate(c.BandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("bandwidth_limit: %w", err)
	}

	connect, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect_timeout: %w", err)
	}

	data, err := time.ParseDuration(c.DataTimeout)
	if err != nil {
		return nil, fmt.Errorf("data_timeout: %w", err)
	}

	b.TokenFile = ExpandTilde(b.TokenFile)
	if b.TokenFile == "" && b.Kind != KindS3 {
		b.TokenFile = DefaultTokenFile(name)
	}

	b.RSAPublicKey = ExpandTilde(b.RSAPublicKey)

	return &Resolved{
		Name:            name,
		Backend:         b,
		ChunkSize:       chunkBytes,
		ParallelUploads: c.ParallelUploads,
		MaxAttempts:     c.MaxAttempts,
		BandwidthLimit:  bandwidth,
		ConnectTimeout:  connect,
		DataTimeout:     data,
		UserAgent:       c.UserAgent,
		LogLevel:        c.LogLevel,
		LogFormat:       c.LogFormat,
	}, nil
}

// BackendNames returns the configured backend names, sorted.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
