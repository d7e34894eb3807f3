package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minParallelUploads = 1
	maxParallelUploads = 64
	minAttempts        = 1
	maxAttempts        = 10
	minChunkBytes      = 256 << 10 // 256 KiB
	maxChunkBytes      = 5 << 30   // 5 GiB, the largest S3 part
	minConnectTimeout  = 1 * time.Second
	minDataTimeout     = 5 * time.Second
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}

// validSigning lists the signing strategies each backend kind accepts. The
// empty string selects the kind's default.
var validSigning = map[string]map[string]bool{
	KindGraph: {"": true, "bearer": true},
	KindPan:   {"": true, "bearer": true, "aes-sorted": true, "hmac-path": true, "rsa-envelope": true},
	KindS3:    {"": true, "sigv4": true},
}

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)
	errs = append(errs, validateTransfers(&cfg.TransfersConfig)...)

	for _, name := range cfg.BackendNames() {
		b := cfg.Backends[name]
		errs = append(errs, validateBackend(name, &b)...)
	}

	return errors.Join(errs...)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDuration("data_timeout", n.DataTimeout, minDataTimeout)...)

	if n.UserAgent == "" {
		errs = append(errs, errors.New("user_agent: must not be empty"))
	}

	return errs
}

func validateDuration(key, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", key, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", key, minimum, value)}
	}

	return nil
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.ParallelUploads < minParallelUploads || t.ParallelUploads > maxParallelUploads {
		errs = append(errs, fmt.Errorf("parallel_uploads: must be between %d and %d, got %d",
			minParallelUploads, maxParallelUploads, t.ParallelUploads))
	}

	if t.MaxAttempts < minAttempts || t.MaxAttempts > maxAttempts {
		errs = append(errs, fmt.Errorf("max_attempts: must be between %d and %d, got %d",
			minAttempts, maxAttempts, t.MaxAttempts))
	}

	errs = append(errs, validateChunkSize("chunk_size", t.ChunkSize)...)

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	return errs
}

func validateChunkSize(key, s string) []error {
	n, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", key, err)}
	}

	if err := checkChunkBytes(n); err != nil {
		return []error{fmt.Errorf("%s: %w, got %s", key, err, s)}
	}

	return nil
}

func checkChunkBytes(n int64) error {
	if n < minChunkBytes || n > maxChunkBytes {
		return errors.New("must be between 256KiB and 5GiB")
	}

	return nil
}

func validateBackend(name string, b *Backend) []error {
	prefix := "backend." + name

	var errs []error

	signing, ok := validSigning[b.Kind]
	if !ok {
		return []error{fmt.Errorf("%s.kind: must be one of graph, pan, s3; got %q", prefix, b.Kind)}
	}

	if !signing[b.Signing] {
		errs = append(errs, fmt.Errorf("%s.signing: %q is not supported by kind %q", prefix, b.Signing, b.Kind))
	}

	if b.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url: required for kind %q", prefix, b.Kind))
	} else if u, err := url.Parse(b.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("%s.base_url: must be an absolute URL, got %q", prefix, b.BaseURL))
	}

	if b.ChunkSize != "" {
		errs = append(errs, validateChunkSize(prefix+".chunk_size", b.ChunkSize)...)
	}

	if b.AbortIncomplete && b.Kind != KindS3 {
		errs = append(errs, fmt.Errorf("%s.abort_incomplete: only supported by kind s3", prefix))
	}

	switch b.Kind {
	case KindGraph:
		if b.RefreshToken != "" && b.ClientID == "" {
			errs = append(errs, fmt.Errorf("%s.client_id: required with refresh_token", prefix))
		}
	case KindPan:
		errs = append(errs, validatePanSigning(prefix, b)...)
	case KindS3:
		if b.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s.bucket: required for kind s3", prefix))
		}

		if b.AccessKey == "" || b.SecretKey == "" {
			errs = append(errs, fmt.Errorf("%s: access_key and secret_key are required for kind s3", prefix))
		}
	}

	return errs
}

func validatePanSigning(prefix string, b *Backend) []error {
	switch b.Signing {
	case "aes-sorted":
		if b.AppKey == "" || b.AppSecret == "" {
			return []error{fmt.Errorf("%s: signing %q requires app_key and app_secret", prefix, b.Signing)}
		}
	case "hmac-path":
		if b.AppSecret == "" {
			return []error{fmt.Errorf("%s: signing %q requires app_secret", prefix, b.Signing)}
		}
	case "rsa-envelope":
		if b.RSAPublicKey == "" {
			return []error{fmt.Errorf("%s: signing %q requires rsa_public_key", prefix, b.Signing)}
		}
	}

	return nil
}
