package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/throttle"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file (local path - writes to stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}

	cmd.Flags().Int64("offset", 0, "first byte to download")
	cmd.Flags().Int64("length", -1, "number of bytes to download (-1 for the rest)")

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path>...",
		Short: "Upload files",
		Long: `Upload one or more local files into a remote folder. Files are uploaded
in parallel up to parallel_uploads at a time; each file streams in chunks
with memory bounded by the chunk size. A transfer that fails on a network
error is restarted from the beginning up to max_attempts times.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPut,
	}

	cmd.Flags().String("to", "/", "remote folder to upload into")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or an empty folder",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder (recursive)",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func newLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <path>",
		Short: "Print a time-limited direct download URL",
		Args:  cobra.ExactArgs(1),
		RunE:  runLink,
	}
}

// fileJSON is the JSON output schema for a remote file.
type fileJSON struct {
	Name         string `json:"name"`
	ID           string `json:"id"`
	Size         int64  `json:"size"`
	IsFolder     bool   `json:"is_folder"`
	ModifiedAt   string `json:"modified_at,omitempty"`
	Hash         string `json:"hash,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

func toFileJSON(f *backend.RemoteFile) fileJSON {
	out := fileJSON{
		Name:         f.Name,
		ID:           f.ID,
		Size:         f.Size,
		IsFolder:     f.IsDir,
		Hash:         f.Hash,
		Deduplicated: f.Deduplicated,
	}

	if !f.ModTime.IsZero() {
		out.ModifiedAt = f.ModTime.UTC().Format(time.RFC3339)
	}

	return out
}

func runLs(cmd *cobra.Command, args []string) error {
	remotePath := "/"
	if len(args) > 0 {
		remotePath = args[0]
	}

	ctx := cmd.Context()

	d, logger, err := openDriver(ctx)
	if err != nil {
		return err
	}

	logger.Debug("ls", slog.String("path", remotePath))

	dir, err := backend.Lookup(ctx, d, remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	files := []*backend.RemoteFile{dir}
	if dir.IsDir {
		if files, err = d.List(ctx, dir); err != nil {
			return fmt.Errorf("listing %q: %w", remotePath, err)
		}
	}

	sortFiles(files)

	if flagJSON {
		out := make([]fileJSON, 0, len(files))
		for _, f := range files {
			out = append(out, toFileJSON(f))
		}

		return printJSON(os.Stdout, out)
	}

	printFilesTable(os.Stdout, files)

	return nil
}

// sortFiles orders folders first, then by name.
func sortFiles(files []*backend.RemoteFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}

		return files[i].Name < files[j].Name
	})
}

func printFilesTable(w io.Writer, files []*backend.RemoteFile) {
	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(files))

	for _, f := range files {
		name, size := f.Name, formatSize(f.Size)
		if f.IsDir {
			name += "/"
			size = "-"
		}

		rows = append(rows, []string{name, size, formatTime(f.ModTime)})
	}

	printTable(w, headers, rows)
}

func runGet(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	offset, _ := cmd.Flags().GetInt64("offset") //nolint:errcheck // flag defined above
	length, _ := cmd.Flags().GetInt64("length") //nolint:errcheck // flag defined above

	d, logger, err := openDriver(ctx)
	if err != nil {
		return err
	}

	file, err := backend.Lookup(ctx, d, remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if file.IsDir {
		return fmt.Errorf("%q is a folder, not a file", remotePath)
	}

	var rng *backend.Range
	if offset != 0 || length >= 0 {
		rng = &backend.Range{Offset: offset, Length: length}
	}

	localPath := file.Name
	if len(args) > 1 {
		localPath = args[1]
	}

	logger.Debug("get", slog.String("remote_path", remotePath), slog.String("local_path", localPath))

	n, err := downloadTo(ctx, d, file, rng, localPath, throttle.New(resolvedCfg.BandwidthLimit, logger))
	if err != nil {
		return err
	}

	if localPath != "-" {
		statusf("Downloaded %s (%s)\n", localPath, formatSize(n))
	}

	return nil
}

// downloadTo streams file into localPath through a ".partial" file renamed
// into place on success. "-" writes to stdout.
func downloadTo(
	ctx context.Context, d backend.Driver, file *backend.RemoteFile, rng *backend.Range,
	localPath string, limit *throttle.Limiter,
) (int64, error) {
	rc, err := d.Download(ctx, file, rng)
	if err != nil {
		return 0, fmt.Errorf("downloading %q: %w", file.Name, err)
	}
	defer rc.Close()

	if localPath == "-" {
		n, err := io.Copy(limit.Writer(ctx, os.Stdout), rc)
		if err != nil {
			return n, fmt.Errorf("downloading %q: %w", file.Name, err)
		}

		return n, nil
	}

	partialPath := localPath + ".partial"

	f, err := os.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("creating partial file for download: %w", err)
	}

	n, copyErr := io.Copy(limit.Writer(ctx, f), rc)
	closeErr := f.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(partialPath)
		return n, fmt.Errorf("downloading %q: %w", file.Name, err)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		return n, fmt.Errorf("renaming download to %q: %w", localPath, err)
	}

	return n, nil
}

// putResult is the JSON output schema for one uploaded file.
type putResult struct {
	Local string   `json:"local"`
	File  fileJSON `json:"file"`
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	to, _ := cmd.Flags().GetString("to") //nolint:errcheck // flag defined above

	d, logger, err := openDriver(ctx)
	if err != nil {
		return err
	}

	dir, err := backend.Lookup(ctx, d, to)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", to, err)
	}

	if !dir.IsDir {
		return fmt.Errorf("%q is not a folder", to)
	}

	policy := transport.RetryPolicy{
		MaxAttempts: resolvedCfg.MaxAttempts,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			logger.Warn("transfer failed, restarting",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		},
	}

	up := uploader{
		driver: d,
		policy: policy,
	}

	results, err := up.uploadFiles(ctx, dir, args, resolvedCfg.ParallelUploads)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, results)
	}

	for _, r := range results {
		note := ""
		if r.File.Deduplicated {
			note = ", already on server"
		}

		statusf("Uploaded %s (%s%s)\n", r.Local, formatSize(r.File.Size), note)
	}

	return nil
}

// uploader uploads local files to one driver. Files are handed over as
// *os.File so the driver can seek them for dedup; bandwidth is charged by the
// driver's HTTP client.
type uploader struct {
	driver backend.Driver
	policy transport.RetryPolicy
}

// uploadFiles uploads local files into dir, at most parallel at a time. The
// first failure cancels the remaining transfers.
func (u *uploader) uploadFiles(ctx context.Context, dir *backend.RemoteFile, paths []string, parallel int) ([]putResult, error) {
	results := make([]putResult, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))

	for i, p := range paths {
		g.Go(func() error {
			file, err := u.uploadOne(gctx, dir, p)
			if err != nil {
				return fmt.Errorf("uploading %q: %w", p, err)
			}

			results[i] = putResult{Local: p, File: toFileJSON(file)}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// uploadOne uploads one file, reopening it for every attempt so a restarted
// transfer reads from the first byte.
func (u *uploader) uploadOne(ctx context.Context, dir *backend.RemoteFile, localPath string) (*backend.RemoteFile, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return nil, errs.Preconditionf("%s is a directory, not a file", localPath)
	}

	var file *backend.RemoteFile

	err = u.policy.Run(ctx, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("opening local file: %w", err)
		}
		defer f.Close()

		file, err = u.driver.Upload(ctx, dir, filepath.Base(localPath), fi.Size(), f)

		return err
	})
	if err != nil {
		return nil, err
	}

	return file, nil
}

func runRm(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	if len(backend.SplitPath(remotePath)) == 0 {
		return errors.New("refusing to remove the root folder")
	}

	d, _, err := openDriver(ctx)
	if err != nil {
		return err
	}

	file, err := backend.Lookup(ctx, d, remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if err := d.Remove(ctx, file); err != nil {
		return fmt.Errorf("removing %q: %w", remotePath, err)
	}

	statusf("Removed %s\n", remotePath)

	return nil
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, _, err := openDriver(ctx)
	if err != nil {
		return err
	}

	dir, created, err := mkdirAll(ctx, d, args[0])
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, toFileJSON(dir))
	}

	if created == 0 {
		statusf("Folder %s already exists\n", args[0])
	} else {
		statusf("Created %s\n", args[0])
	}

	return nil
}

// mkdirAll walks p from the root, creating missing folders. It returns the
// final folder and how many folders were created.
func mkdirAll(ctx context.Context, d backend.Driver, p string) (*backend.RemoteFile, int, error) {
	cur := d.Root()
	created := 0

	for _, elem := range backend.SplitPath(p) {
		name, err := backend.NormalizeName(elem)
		if err != nil {
			return nil, created, err
		}

		children, err := d.List(ctx, cur)
		if err != nil {
			return nil, created, fmt.Errorf("listing %q: %w", cur.Name, err)
		}

		var next *backend.RemoteFile

		for _, c := range children {
			if c.Name == name {
				next = c
				break
			}
		}

		switch {
		case next == nil:
			if next, err = d.Mkdir(ctx, cur, name); err != nil {
				return nil, created, fmt.Errorf("creating %q: %w", name, err)
			}

			created++
		case !next.IsDir:
			return nil, created, errs.Preconditionf("%s exists and is not a folder", name)
		}

		cur = next
	}

	return cur, created, nil
}

// linkJSON is the JSON output schema for link.
type linkJSON struct {
	URL     string `json:"url"`
	Expires string `json:"expires,omitempty"`
	Proxy   bool   `json:"proxy_required"`
}

func runLink(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	d, _, err := openDriver(ctx)
	if err != nil {
		return err
	}

	file, err := backend.Lookup(ctx, d, remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	link, err := d.Link(ctx, file)
	if err != nil {
		return fmt.Errorf("linking %q: %w", remotePath, err)
	}

	if flagJSON {
		out := linkJSON{URL: link.URL, Proxy: link.Proxy}
		if !link.Expires.IsZero() {
			out.Expires = link.Expires.UTC().Format(time.RFC3339)
		}

		return printJSON(os.Stdout, out)
	}

	if link.Proxy {
		statusf("Note: this backend only serves the link through drivebridge; use 'drivebridge get'.\n")
	}

	fmt.Println(link.URL)

	return nil
}
