// Package transfer moves bytes between a local stream and a remote account
// with bounded memory. Uploads run through an explicit state machine over a
// single chunk-sized buffer; downloads are pull-based readers. Backend
// specifics (how a session is opened, how a part is sent, how the upload is
// committed) are supplied by a Protocol.
package transfer

import (
	"context"
	"fmt"

	"github.com/tonimelisma/drivebridge/internal/errs"
)

// Part is one planned chunk of an upload.
type Part struct {
	Number   int // 1-based
	URL      string
	Offset   int64
	Size     int64
	Uploaded bool
	ETag     string
}

// Session is the state of one upload. It lives in memory only and is dropped
// on commit or abort.
type Session struct {
	RemoteID  string
	UploadID  string
	Parts     []Part
	TotalSize int64
	ChunkSize int64
	Uploaded  int64
	// Extra carries adapter-private values (names, parent ids, upload URLs)
	// from probe to open to commit.
	Extra map[string]string
}

// Get returns an adapter-private value.
func (s *Session) Get(key string) string {
	return s.Extra[key]
}

// Set stores an adapter-private value.
func (s *Session) Set(key, value string) {
	if s.Extra == nil {
		s.Extra = make(map[string]string)
	}

	s.Extra[key] = value
}

// Protocol is the backend half of a chunked upload. Every method runs on the
// transfer goroutine; calls are strictly sequential.
type Protocol interface {
	// Open starts the upload. It may assign UploadID and RemoteID and fill
	// part URLs; parts left without a URL are resolved lazily.
	Open(ctx context.Context, s *Session) error
	// SendPart uploads one chunk. Implementations record the backend's part
	// receipt in p.ETag when there is one.
	SendPart(ctx context.Context, s *Session, p *Part, chunk []byte) error
	// Commit finalizes the upload and sets s.RemoteID.
	Commit(ctx context.Context, s *Session) error
}

// PartURLResolver is implemented by protocols whose part URLs are handed out
// lazily or expire. ResolvePartURL is called before SendPart whenever p.URL
// is empty.
type PartURLResolver interface {
	ResolvePartURL(ctx context.Context, s *Session, p *Part) error
}

// PlanParts lays out total bytes in parts of chunk bytes, the last part
// holding the remainder. An empty upload has one empty part.
func PlanParts(total, chunk int64) ([]Part, error) {
	if total < 0 {
		return nil, errs.Preconditionf("negative upload size %d", total)
	}

	if chunk <= 0 {
		return nil, errs.Preconditionf("chunk size must be positive, got %d", chunk)
	}

	if total == 0 {
		return []Part{{Number: 1}}, nil
	}

	n := (total + chunk - 1) / chunk
	parts := make([]Part, 0, n)

	for i := range n {
		off := i * chunk
		parts = append(parts, Part{
			Number: int(i) + 1,
			Offset: off,
			Size:   min(chunk, total-off),
		})
	}

	return parts, nil
}

// CheckCommittable verifies that parts 1..N are present in ascending order,
// all acknowledged, and that the acknowledged bytes add up to the total.
func CheckCommittable(s *Session) error {
	var sum int64

	for i, p := range s.Parts {
		if p.Number != i+1 {
			return errs.Preconditionf("part %d found at position %d: parts must be numbered 1..%d in order",
				p.Number, i+1, len(s.Parts))
		}

		if !p.Uploaded {
			return errs.Preconditionf("part %d of %d not uploaded", p.Number, len(s.Parts))
		}

		sum += p.Size
	}

	if len(s.Parts) == 0 {
		return errs.Preconditionf("upload has no parts")
	}

	if sum != s.TotalSize || s.Uploaded != s.TotalSize {
		return errs.Preconditionf("uploaded %d bytes (parts sum to %d), declared size %d",
			s.Uploaded, sum, s.TotalSize)
	}

	return nil
}

func (p *Part) String() string {
	return fmt.Sprintf("part %d [%d+%d]", p.Number, p.Offset, p.Size)
}
