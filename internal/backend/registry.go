package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/tonimelisma/drivebridge/internal/config"
	"github.com/tonimelisma/drivebridge/internal/credential"
	"github.com/tonimelisma/drivebridge/internal/sign"
	"github.com/tonimelisma/drivebridge/internal/tokenfile"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// Params is everything a driver factory receives.
type Params struct {
	Name       string
	Config     config.Backend
	ChunkSize  int64
	HTTPClient *http.Client
	UserAgent  string
	Logger     *slog.Logger
}

// Factory opens a driver from its parameters.
type Factory func(ctx context.Context, p Params) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a driver kind available to Open. Drivers call it from
// init. Registering a kind twice panics.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[kind]; dup {
		panic("backend: driver kind registered twice: " + kind)
	}

	registry[kind] = f
}

// Kinds returns the registered driver kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}

	sort.Strings(kinds)

	return kinds
}

// Open creates the driver for p.Config.Kind.
func Open(ctx context.Context, p Params) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[p.Config.Kind]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend %s: no driver for kind %q (have %v)", p.Name, p.Config.Kind, Kinds())
	}

	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	p.Logger = p.Logger.With(slog.String("backend", p.Name))

	return f(ctx, p)
}

// Session builds the credential session for the backend. Tokens come from
// the token file when it exists, otherwise from the config section. Every
// installed token pair is written back to the token file.
func (p Params) Session(refresher credential.Refresher) (*credential.Session, error) {
	logger := p.logger()

	initial := credential.Tokens{
		AccessToken:  p.Config.AccessToken,
		RefreshToken: p.Config.RefreshToken,
	}

	opts := []credential.Option{credential.WithLogger(logger)}

	if refresher != nil {
		opts = append(opts, credential.WithRefresher(refresher))
	}

	if path := p.Config.TokenFile; path != "" {
		saved, err := tokenfile.Load(path)
		if err != nil {
			return nil, err
		}

		if saved != nil {
			logger.Debug("loaded tokens from token file", slog.String("path", path))
			initial = *saved
		}

		opts = append(opts, credential.WithInstallHook(tokenfile.InstallHook(path, p.Name, logger)))
	}

	return credential.NewSession(p.Name, initial, opts...), nil
}

// Signer builds the signing strategy named in the config section, falling
// back to fallback when none is set.
func (p Params) Signer(fallback string) (sign.Strategy, error) {
	name := p.Config.Signing
	if name == "" {
		name = fallback
	}

	keys := sign.Keys{
		AppKey:    p.Config.AppKey,
		AppSecret: p.Config.AppSecret,
		AccessKey: p.Config.AccessKey,
		SecretKey: p.Config.SecretKey,
		Region:    p.Config.Region,
	}

	if p.Config.RSAPublicKey != "" {
		pem, err := os.ReadFile(p.Config.RSAPublicKey)
		if err != nil {
			return nil, fmt.Errorf("backend %s: reading rsa_public_key: %w", p.Name, err)
		}

		keys.RSAPublicKey = pem
	}

	s, err := sign.New(name, keys)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", p.Name, err)
	}

	return s, nil
}

// ExecutorOptions returns the transport options shared by every driver.
func (p Params) ExecutorOptions() []transport.Option {
	return []transport.Option{
		transport.WithHTTPClient(p.HTTPClient),
		transport.WithUserAgent(p.UserAgent),
		transport.WithLogger(p.logger()),
	}
}

// ChunkSizeOr returns the configured chunk size, or fallback when unset.
func (p Params) ChunkSizeOr(fallback int64) int64 {
	if p.ChunkSize > 0 {
		return p.ChunkSize
	}

	return fallback
}

func (p Params) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}

	return p.Logger
}
