package config

import (
	"fmt"
	"io"
	"strings"
)

// redacted replaces secret values in rendered output.
const redacted = "<redacted>"

// RenderEffective writes the resolved settings of one backend to w as
// annotated TOML. Secrets are shown only as set or unset.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration for backend %q\n", r.Name)
	ew.printf("# config file: %s\n\n", r.ConfigPath)

	ew.printf("log_level        = %q\n", r.LogLevel)
	ew.printf("log_format       = %q\n", r.LogFormat)
	ew.printf("connect_timeout  = %q\n", r.ConnectTimeout.String())
	ew.printf("data_timeout     = %q\n", r.DataTimeout.String())
	ew.printf("user_agent       = %q\n", r.UserAgent)
	ew.printf("chunk_size       = %d\n", r.ChunkSize)
	ew.printf("parallel_uploads = %d\n", r.ParallelUploads)
	ew.printf("max_attempts     = %d\n", r.MaxAttempts)
	ew.printf("bandwidth_limit  = %d\n\n", r.BandwidthLimit)

	renderBackendSection(ew, r.Name, &r.Backend)

	return ew.err
}

// Redacted returns a copy of r with secret values replaced, for display.
func (r *Resolved) Redacted() *Resolved {
	cp := *r
	b := &cp.Backend

	for _, s := range []*string{&b.ClientSecret, &b.AccessToken, &b.RefreshToken, &b.AppSecret, &b.SecretKey} {
		if *s != "" {
			*s = redacted
		}
	}

	return &cp
}

// RenderBackends writes a one-line summary per configured backend.
func RenderBackends(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	for _, name := range cfg.BackendNames() {
		b := cfg.Backends[name]

		signing := b.Signing
		if signing == "" {
			signing = "default"
		}

		ew.printf("%-16s %-6s %-12s dedup=%t  %s\n", name, b.Kind, signing, b.DedupEnabled(), b.BaseURL)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderBackendSection(ew *errWriter, name string, b *Backend) {
	ew.printf("[backend.%s]\n", name)
	ew.printf("  kind           = %q\n", b.Kind)
	ew.printf("  base_url       = %q\n", b.BaseURL)

	optional := []struct{ key, value string }{
		{"token_url", b.TokenURL},
		{"refresh_url", b.RefreshURL},
		{"client_id", b.ClientID},
		{"token_file", b.TokenFile},
		{"signing", b.Signing},
		{"app_key", b.AppKey},
		{"rsa_public_key", b.RSAPublicKey},
		{"access_key", b.AccessKey},
		{"region", b.Region},
		{"bucket", b.Bucket},
		{"chunk_size", b.ChunkSize},
	}

	for _, kv := range optional {
		if kv.value != "" {
			ew.printf("  %-14s = %q\n", kv.key, kv.value)
		}
	}

	if len(b.Scopes) > 0 {
		ew.printf("  scopes         = [%s]\n", joinQuoted(b.Scopes))
	}

	secrets := []struct{ key, value string }{
		{"client_secret", b.ClientSecret},
		{"access_token", b.AccessToken},
		{"refresh_token", b.RefreshToken},
		{"app_secret", b.AppSecret},
		{"secret_key", b.SecretKey},
	}

	for _, kv := range secrets {
		if kv.value != "" {
			ew.printf("  %-14s = %q\n", kv.key, redacted)
		}
	}

	ew.printf("  dedup          = %t\n", b.DedupEnabled())
	ew.printf("  proxy_required = %t\n", b.ProxyRequired)

	if b.AbortIncomplete {
		ew.printf("  abort_incomplete = true\n")
	}
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
