package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/config"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/throttle"

	// Drivers register themselves with the backend registry.
	_ "github.com/tonimelisma/drivebridge/internal/drivers/graph"
	_ "github.com/tonimelisma/drivebridge/internal/drivers/pan"
	_ "github.com/tonimelisma/drivebridge/internal/drivers/s3"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagBackend    string
	flagChunkSize  string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
// Commands listed in skipConfigCommands load what they need themselves.
var resolvedCfg *config.Resolved

// skipConfigCommands lists commands that work without a selected backend.
var skipConfigCommands = map[string]bool{
	"drivebridge backends": true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "drivebridge",
		Short:   "Stream files to and from cloud drives and object stores",
		Long:    "Upload, download, and manage files on OneDrive, pan-style drives, and S3-compatible stores.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "backend name from the config file")
	cmd.PersistentFlags().StringVar(&flagChunkSize, "chunk-size", "", "upload chunk size (e.g. 10MiB)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newLinkCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newBackendsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer override
// chain and stores the result in resolvedCfg for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	// Only pass flags the user explicitly set.
	if cmd.Flags().Changed("backend") {
		cli.Backend = flagBackend
	}

	if cmd.Flags().Changed("chunk-size") {
		cli.ChunkSize = flagChunkSize
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	return newLogger(os.Stderr, isTerminal(os.Stderr))
}

func newLogger(w io.Writer, terminal bool) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		if resolvedCfg.LogFormat != "" {
			format = resolvedCfg.LogFormat
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !terminal) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newHTTPClient applies the configured connect and data timeouts and charges
// request bodies to limit. There is no overall request timeout: a transfer
// may legitimately stream for hours.
func newHTTPClient(r *config.Resolved, limit *throttle.Limiter) *http.Client {
	dialer := &net.Dialer{Timeout: r.ConnectTimeout}

	tr := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // always *http.Transport
	tr.DialContext = dialer.DialContext
	tr.TLSHandshakeTimeout = r.ConnectTimeout
	tr.ResponseHeaderTimeout = r.DataTimeout

	return &http.Client{Transport: limit.Transport(tr)}
}

// openDriver opens the driver for the resolved backend.
func openDriver(ctx context.Context) (backend.Driver, *slog.Logger, error) {
	if resolvedCfg == nil {
		return nil, nil, errors.New("no configuration loaded")
	}

	logger := buildLogger()

	d, err := backend.Open(ctx, backend.Params{
		Name:       resolvedCfg.Name,
		Config:     resolvedCfg.Backend,
		ChunkSize:  resolvedCfg.ChunkSize,
		HTTPClient: newHTTPClient(resolvedCfg, throttle.New(resolvedCfg.BandwidthLimit, logger)),
		UserAgent:  resolvedCfg.UserAgent,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Debug("opened backend",
		slog.String("backend", d.Name()),
		slog.String("kind", d.Kind()),
	)

	return d, logger, nil
}

// Exit statuses other than 0 and 1.
const (
	exitInterrupted = 2
	exitAuth        = 3
)

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindAuthExpired, errs.KindAuthRefreshFailed:
		return exitAuth
	default:
		return 1
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if kind := errs.KindOf(err); kind != errs.KindUnknown {
		var te *errs.Error
		if errors.As(err, &te) && te.Code != "" {
			fmt.Fprintf(os.Stderr, "  kind: %s, backend code: %s\n", kind, te.Code)
		}
	}

	os.Exit(exitCode(err))
}
