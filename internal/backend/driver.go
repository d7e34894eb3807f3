// Package backend defines the uniform Driver surface every storage backend
// implements, the Adapter each driver configures the transfer engine with,
// and the registry the CLI opens drivers through.
package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/transfer"
)

// ErrNotFound is returned by Lookup when a path does not resolve.
var ErrNotFound = errors.New("backend: not found")

// Range selects a byte range for Download.
type Range = transfer.Range

// RemoteFile is a file or directory on a backend. Drivers fill what their
// listing returns; ID is always set.
type RemoteFile struct {
	ID       string
	Name     string
	ParentID string
	Size     int64
	IsDir    bool
	ModTime  time.Time
	Hash     string // backend content hash, encoding per backend
	ETag     string

	// DownloadURL is pre-authenticated and ephemeral. Never log it.
	DownloadURL string

	// Deduplicated is set on files returned by Upload when the backend
	// already held the content and no bytes were sent.
	Deduplicated bool
}

// Link is a time-limited direct download location. Proxy means the URL only
// works with Header attached (or from the backend's own network), so callers
// should stream through Download instead of handing the URL out.
type Link struct {
	URL     string
	Header  http.Header
	Expires time.Time
	Proxy   bool
}

// Driver is one account on one storage backend.
type Driver interface {
	// Name is the configured backend name.
	Name() string
	// Kind is the registered driver kind (graph, pan, s3).
	Kind() string
	// Root is the top-level directory.
	Root() *RemoteFile

	Upload(ctx context.Context, dir *RemoteFile, name string, size int64, r io.Reader) (*RemoteFile, error)
	Download(ctx context.Context, file *RemoteFile, rng *Range) (io.ReadCloser, error)
	List(ctx context.Context, dir *RemoteFile) ([]*RemoteFile, error)
	Remove(ctx context.Context, file *RemoteFile) error
	Mkdir(ctx context.Context, parent *RemoteFile, name string) (*RemoteFile, error)
	Link(ctx context.Context, file *RemoteFile) (*Link, error)
}

// NormalizeName returns name in Unicode NFC and rejects names that cannot
// be a single path element.
func NormalizeName(name string) (string, error) {
	name = norm.NFC.String(name)

	switch {
	case name == "", name == ".", name == "..":
		return "", errs.Preconditionf("invalid name %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return "", errs.Preconditionf("name %q contains a path separator", name)
	default:
		return name, nil
	}
}

// SplitPath cleans p and returns its non-empty elements.
func SplitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}

	return strings.Split(p[1:], "/")
}

// Lookup resolves a slash-separated path by listing from the root. Names
// compare after NFC normalization.
func Lookup(ctx context.Context, d Driver, p string) (*RemoteFile, error) {
	cur := d.Root()

	for _, elem := range SplitPath(p) {
		if !cur.IsDir {
			return nil, errs.Preconditionf("%s is not a directory", cur.Name)
		}

		children, err := d.List(ctx, cur)
		if err != nil {
			return nil, err
		}

		want := norm.NFC.String(elem)
		next := (*RemoteFile)(nil)

		for _, c := range children {
			if norm.NFC.String(c.Name) == want {
				next = c
				break
			}
		}

		if next == nil {
			return nil, &errs.Error{Kind: errs.KindPrecondition, Op: "lookup " + p, Err: ErrNotFound,
				Message: elem + " not found"}
		}

		cur = next
	}

	return cur, nil
}
