// Package tokenfile persists the token pair of a backend account so that a
// rotated refresh token survives process restarts. Files are written
// atomically with owner-only permissions and never contain anything but the
// tokens and a little bookkeeping.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tonimelisma/drivebridge/internal/credential"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// File is the on-disk format.
type File struct {
	Backend      string    `json:"backend"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry,omitzero"`
	SavedAt      time.Time `json:"saved_at"`
}

// Load reads a token file. Returns (nil, nil) if the file does not exist.
func Load(path string) (*credential.Tokens, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.RefreshToken == "" && tf.AccessToken == "" {
		return nil, fmt.Errorf("tokenfile: %s holds no tokens", path)
	}

	return &credential.Tokens{
		AccessToken:  tf.AccessToken,
		RefreshToken: tf.RefreshToken,
		Expiry:       tf.Expiry,
	}, nil
}

// Save writes tokens for backend to path (write-to-temp + rename).
// Never logs token values.
func Save(path, backend string, tok credential.Tokens) error {
	tf := File{
		Backend:      backend,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		SavedAt:      time.Now().UTC(),
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// InstallHook returns a credential install hook that saves every installed
// token pair to path. Save failures are logged, not propagated: the tokens
// are already live in memory and the transfer should not fail over it.
func InstallHook(path, backend string, logger *slog.Logger) func(credential.Tokens) {
	return func(tok credential.Tokens) {
		if err := Save(path, backend, tok); err != nil {
			logger.Warn("failed to persist refreshed token",
				slog.String("backend", backend),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return
		}

		logger.Debug("persisted refreshed token",
			slog.String("backend", backend),
			slog.String("path", path),
		)
	}
}
