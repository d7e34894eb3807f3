package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/config"
)

// Token states reported by `token`.
const (
	tokenStateValid   = "valid"
	tokenStateExpired = "expired"
	tokenStateUnknown = "unknown expiry"
	tokenStateMissing = "missing"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Show the stored credentials of the backend",
		Long: `Show where the backend's tokens come from and when the access token
expires. Token values are never printed. Expiry is read from the token file
or, for JWT access tokens, from the token itself.`,
		Args: cobra.NoArgs,
		RunE: runToken,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved token file of the backend",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

// tokenStatus is the JSON output schema for `token`.
type tokenStatus struct {
	Backend         string `json:"backend"`
	Source          string `json:"source"`
	TokenFile       string `json:"token_file,omitempty"`
	State           string `json:"state"`
	HasRefreshToken bool   `json:"has_refresh_token"`
	Expires         string `json:"expires,omitempty"`
}

// inspectTokens reports the credentials a driver for r would start with.
func inspectTokens(r *config.Resolved, now time.Time) (tokenStatus, error) {
	st := tokenStatus{Backend: r.Name, TokenFile: r.Backend.TokenFile, Source: "config"}

	if r.Backend.Kind == config.KindS3 {
		st.Source = "access keys"
		st.State = tokenStateValid

		if r.Backend.AccessToken == "" {
			return st, nil
		}
	}

	if r.Backend.TokenFile != "" {
		if _, err := os.Stat(r.Backend.TokenFile); err == nil {
			st.Source = "token file"
		}
	}

	session, err := backend.Params{
		Name:   r.Name,
		Config: r.Backend,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}.Session(nil)
	if err != nil {
		return st, err
	}

	snap := session.Snapshot()
	st.HasRefreshToken = snap.RefreshToken != ""

	switch {
	case snap.AccessToken == "" && snap.RefreshToken == "":
		st.Source = "none"
		st.State = tokenStateMissing
	case snap.Expiry.IsZero():
		st.State = tokenStateUnknown
	case snap.Expired(now):
		st.State = tokenStateExpired
	default:
		st.State = tokenStateValid
	}

	if !snap.Expiry.IsZero() {
		st.Expires = snap.Expiry.UTC().Format(time.RFC3339)
	}

	return st, nil
}

func runToken(_ *cobra.Command, _ []string) error {
	st, err := inspectTokens(resolvedCfg, time.Now())
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, st)
	}

	fmt.Printf("Backend: %s\n", st.Backend)
	fmt.Printf("  Source:        %s\n", st.Source)

	if st.TokenFile != "" {
		fmt.Printf("  Token file:    %s\n", st.TokenFile)
	}

	fmt.Printf("  State:         %s\n", st.State)
	fmt.Printf("  Refresh token: %t\n", st.HasRefreshToken)

	if st.Expires != "" {
		fmt.Printf("  Expires:       %s\n", st.Expires)
	}

	if st.State == tokenStateExpired && st.HasRefreshToken {
		statusf("The access token is refreshed automatically on the next request.\n")
	}

	return nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	path := resolvedCfg.Backend.TokenFile
	if path == "" {
		return fmt.Errorf("backend %s has no token file", resolvedCfg.Name)
	}

	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		statusf("No saved tokens for %s.\n", resolvedCfg.Name)
		return nil
	}

	if err != nil {
		return fmt.Errorf("removing token file: %w", err)
	}

	logger.Info("removed token file", slog.String("backend", resolvedCfg.Name), slog.String("path", path))
	statusf("Logged out of %s.\n", resolvedCfg.Name)

	return nil
}
