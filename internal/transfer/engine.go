package transfer

import (
	"context"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"maps"

	"github.com/tonimelisma/drivebridge/internal/dedup"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// minBuffer keeps the probe buffer usable for tiny and empty uploads.
const minBuffer = 512

// Plan describes one upload for Engine.Upload. Drivers build it from their
// backend adapter.
type Plan struct {
	Size      int64
	ChunkSize int64
	Protocol  Protocol
	// Negotiator runs the dedup probe; nil skips dedup.
	Negotiator *dedup.Negotiator
	// Digest, when set, hashes every uploaded byte for post-upload checks.
	Digest func() hash.Hash
	// Extra seeds Session.Extra (target name, parent id, ...).
	Extra map[string]string
}

// Outcome reports a finished upload.
type Outcome struct {
	RemoteID     string
	Deduplicated bool
	Chunks       int
	Session      *Session // nil when deduplicated
	Probe        *dedup.Result
	Sum          []byte // digest of uploaded bytes when Plan.Digest is set
}

// Engine runs transfers for one backend account. Safe for concurrent use:
// each transfer owns its buffer and session; only the executor (and through
// it the credential session) is shared.
type Engine struct {
	exec   *transport.Executor
	logger *slog.Logger
}

// NewEngine creates an engine over exec.
func NewEngine(exec *transport.Executor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{exec: exec, logger: logger}
}

// Executor returns the signed request executor.
func (e *Engine) Executor() *transport.Executor {
	return e.exec
}

// Upload moves size bytes from src to the backend: dedup probe, then open,
// sequential chunks, and commit. A backend that already holds the content
// completes the transfer with zero chunk uploads. Memory use is one chunk
// buffer regardless of size.
func (e *Engine) Upload(ctx context.Context, src io.Reader, p Plan) (*Outcome, error) {
	if p.Protocol == nil {
		return nil, errs.Preconditionf("upload plan has no protocol")
	}

	parts, err := PlanParts(p.Size, p.ChunkSize)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, min(p.ChunkSize, max(p.Size, minBuffer)))

	probe := &dedup.Result{Skipped: true}

	if p.Negotiator != nil {
		probe, err = p.Negotiator.Probe(ctx, src, p.Size, buf)
		if err != nil {
			return nil, err
		}
	}

	if probe.Verdict == dedup.Exists {
		e.logger.Info("rapid upload: content already present",
			slog.String("remote_id", probe.RemoteID),
			slog.Int64("size", p.Size),
			slog.Int64("hashed_bytes", probe.PartialBytes+probe.FullBytes),
		)

		return &Outcome{RemoteID: probe.RemoteID, Deduplicated: true, Probe: probe}, nil
	}

	sess := &Session{
		TotalSize: p.Size,
		ChunkSize: p.ChunkSize,
		Parts:     parts,
		Extra:     make(map[string]string, len(p.Extra)+len(probe.Extra)),
	}
	maps.Copy(sess.Extra, p.Extra)
	maps.Copy(sess.Extra, probe.Extra)

	opts := []UploadOption{WithUploadLogger(e.logger)}
	if p.Digest != nil {
		opts = append(opts, WithDigest(p.Digest()))
	}

	up, err := NewUpload(p.Protocol, sess, buf, opts...)
	if err != nil {
		return nil, err
	}

	if err := up.Preload(probe.Buffered); err != nil {
		return nil, err
	}

	if err := up.Open(ctx); err != nil {
		return nil, err
	}

	if _, err := up.ReadFrom(src); err != nil {
		return nil, err
	}

	if got := up.Buffered(); got != p.Size {
		err := &errs.Error{
			Kind:    errs.KindIntegrityMismatch,
			Op:      "upload",
			Message: fmt.Sprintf("source ended after %d bytes, declared size %d", got, p.Size),
		}
		up.Abort(err)

		return nil, err
	}

	done, err := up.Commit(ctx)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		RemoteID: done.RemoteID,
		Chunks:   up.Chunks(),
		Session:  done,
		Probe:    probe,
		Sum:      up.Sum(),
	}, nil
}
