package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"sync"

	"github.com/tonimelisma/drivebridge/internal/errs"
)

// State is the upload lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateSessionOpen
	StateBuffering
	StateChunkInFlight
	StateCommitting
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSessionOpen:
		return "session_open"
	case StateBuffering:
		return "buffering"
	case StateChunkInFlight:
		return "chunk_in_flight"
	case StateCommitting:
		return "committing"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrClosed is returned by writes after a successful commit.
var ErrClosed = errors.New("transfer: upload already committed")

// Upload streams one file into a Protocol through a single chunk buffer.
// Write and ReadFrom are serialized: a write that arrives while a chunk is
// in flight blocks until the chunk completes. The first terminal error is
// recorded and returned by every later call.
type Upload struct {
	mu sync.Mutex

	ctx    context.Context //nolint:containedctx // io.Writer methods carry no context
	proto  Protocol
	sess   *Session
	buf    []byte
	n      int // bytes buffered for the current part
	next   int // index of the part being filled
	sent   int // SendPart calls
	state  State
	err    error
	digest hash.Hash
	logger *slog.Logger

	// onFlush is a test hook run while a chunk is in flight.
	onFlush func(p *Part)
}

// UploadOption configures an Upload.
type UploadOption func(*Upload)

// WithDigest feeds every sent byte through h.
func WithDigest(h hash.Hash) UploadOption {
	return func(u *Upload) { u.digest = h }
}

// WithUploadLogger sets the upload logger.
func WithUploadLogger(l *slog.Logger) UploadOption {
	return func(u *Upload) {
		if l != nil {
			u.logger = l
		}
	}
}

// NewUpload prepares an upload of sess.Parts through proto using buf as the
// only chunk buffer. buf must hold the largest part.
func NewUpload(proto Protocol, sess *Session, buf []byte, opts ...UploadOption) (*Upload, error) {
	u := &Upload{proto: proto, sess: sess, buf: buf, logger: slog.Default(), ctx: context.Background()}
	for _, opt := range opts {
		opt(u)
	}

	for i := range sess.Parts {
		if sess.Parts[i].Size > int64(len(buf)) {
			return nil, errs.Preconditionf("part %d is %d bytes, chunk buffer holds %d",
				sess.Parts[i].Number, sess.Parts[i].Size, len(buf))
		}
	}

	return u, nil
}

// Preload marks the first n bytes of the buffer as already holding the
// start of the content. Used when a dedup probe consumed a prefix from a
// one-shot source. Only valid before Open.
func (u *Upload) Preload(n int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != StateUninitialized {
		return errs.Preconditionf("preload in state %s", u.state)
	}

	if len(u.sess.Parts) == 0 || int64(n) > u.sess.Parts[0].Size {
		return errs.Preconditionf("preloaded %d bytes exceed the first part", n)
	}

	u.n = n

	return nil
}

// State returns the current state.
func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.state
}

// Session returns the upload session.
func (u *Upload) Session() *Session {
	return u.sess
}

// Chunks returns how many parts have been sent.
func (u *Upload) Chunks() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.sent
}

// Err returns the recorded terminal error, if any.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.err
}

// Sum returns the digest of all sent bytes, or nil without WithDigest.
func (u *Upload) Sum() []byte {
	if u.digest == nil {
		return nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	return u.digest.Sum(nil)
}

// Open starts the remote session. ctx bounds every later network call made
// on behalf of this upload.
func (u *Upload) Open(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.usable(); err != nil {
		return err
	}

	if u.state != StateUninitialized {
		return u.fail(errs.Preconditionf("open in state %s", u.state))
	}

	u.ctx = ctx

	if err := u.proto.Open(ctx, u.sess); err != nil {
		return u.fail(errs.WithOp(err, "open upload"))
	}

	u.state = StateSessionOpen
	u.logger.Info("upload session open",
		slog.String("upload_id", u.sess.UploadID),
		slog.Int64("size", u.sess.TotalSize),
		slog.Int("parts", len(u.sess.Parts)),
	)

	u.state = StateBuffering

	return u.flushIfFull()
}

// Write copies p into the chunk buffer, sending each part as it fills.
func (u *Upload) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.writable(); err != nil {
		return 0, err
	}

	written := 0

	for len(p) > 0 {
		if u.next >= len(u.sess.Parts) {
			return written, u.fail(u.overflow())
		}

		room := int(u.sess.Parts[u.next].Size) - u.n
		c := copy(u.buf[u.n:u.n+room], p)
		u.n += c
		written += c
		p = p[c:]

		if err := u.flushIfFull(); err != nil {
			return written, err
		}
	}

	return written, nil
}

// ReadFrom reads r straight into the chunk buffer until EOF, sending parts
// as they fill. Content beyond the declared size is an IntegrityMismatch.
func (u *Upload) ReadFrom(r io.Reader) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.writable(); err != nil {
		return 0, err
	}

	var total int64

	for u.next < len(u.sess.Parts) {
		end := int(u.sess.Parts[u.next].Size)

		for u.n < end {
			m, err := r.Read(u.buf[u.n:end])
			u.n += m
			total += int64(m)

			if errors.Is(err, io.EOF) {
				return total, u.flushIfFull()
			}

			if err != nil {
				return total, u.fail(errs.Wrap(errs.KindNetwork, "read source", err))
			}
		}

		if err := u.flushIfFull(); err != nil {
			return total, err
		}
	}

	// All parts sent; the source must be exhausted.
	var probe [1]byte

	for {
		m, err := r.Read(probe[:])
		if m > 0 {
			return total, u.fail(u.overflow())
		}

		if errors.Is(err, io.EOF) {
			return total, nil
		}

		if err != nil {
			return total, u.fail(errs.Wrap(errs.KindNetwork, "read source", err))
		}
	}
}

// Buffered returns the number of bytes written or uploaded so far.
func (u *Upload) Buffered() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.sess.Uploaded + int64(u.n)
}

// Commit checks that every part was acknowledged in order and finalizes the
// upload. A failed precondition aborts the upload without a network call.
func (u *Upload) Commit(ctx context.Context) (*Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.usable(); err != nil {
		return nil, err
	}

	if u.state != StateBuffering {
		return nil, u.fail(errs.Preconditionf("commit in state %s", u.state))
	}

	if err := u.flushIfFull(); err != nil {
		return nil, err
	}

	u.state = StateCommitting

	if err := CheckCommittable(u.sess); err != nil {
		return nil, u.fail(errs.WithOp(err, "commit upload"))
	}

	if err := u.proto.Commit(ctx, u.sess); err != nil {
		return nil, u.fail(errs.WithOp(err, "commit upload"))
	}

	u.state = StateComplete
	u.logger.Info("upload committed",
		slog.String("remote_id", u.sess.RemoteID),
		slog.Int64("size", u.sess.TotalSize),
		slog.Int("chunks", u.sent),
	)

	return u.sess, nil
}

// Abort moves the upload to Aborted, recording cause unless an error is
// already recorded. No remote cleanup is attempted. Aborting a completed
// upload is a no-op.
func (u *Upload) Abort(cause error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == StateComplete || u.state == StateAborted {
		return
	}

	if cause == nil {
		cause = errs.New(errs.KindPrecondition, "abort upload", "aborted by caller")
	}

	u.fail(cause)
}

// flushIfFull sends the current part once its bytes are all buffered.
// Must be called with mu held.
func (u *Upload) flushIfFull() error {
	if u.next >= len(u.sess.Parts) {
		return nil
	}

	part := &u.sess.Parts[u.next]
	if int64(u.n) < part.Size {
		return nil
	}

	if err := u.ctx.Err(); err != nil {
		return u.fail(errs.Wrap(errs.KindNetwork, "upload "+part.String(), err))
	}

	u.state = StateChunkInFlight

	if part.URL == "" {
		if r, ok := u.proto.(PartURLResolver); ok {
			if err := r.ResolvePartURL(u.ctx, u.sess, part); err != nil {
				return u.fail(errs.WithOp(err, "resolve "+part.String()))
			}
		}
	}

	chunk := u.buf[:part.Size]

	if u.onFlush != nil {
		u.onFlush(part)
	}

	if err := u.proto.SendPart(u.ctx, u.sess, part, chunk); err != nil {
		return u.fail(errs.WithOp(err, "upload "+part.String()))
	}

	if u.digest != nil {
		u.digest.Write(chunk)
	}

	part.Uploaded = true
	u.sess.Uploaded += part.Size
	u.sent++
	u.n = 0
	u.next++
	u.state = StateBuffering

	u.logger.Debug("chunk uploaded",
		slog.Int("part", part.Number),
		slog.Int64("offset", part.Offset),
		slog.Int64("size", part.Size),
		slog.Int64("uploaded", u.sess.Uploaded),
		slog.Int64("total", u.sess.TotalSize),
	)

	return nil
}

func (u *Upload) overflow() error {
	return &errs.Error{
		Kind:    errs.KindIntegrityMismatch,
		Op:      "write upload",
		Message: fmt.Sprintf("source exceeds declared size %d", u.sess.TotalSize),
	}
}

// usable returns the recorded error for terminal states.
func (u *Upload) usable() error {
	switch u.state {
	case StateAborted:
		return u.err
	case StateComplete:
		return ErrClosed
	default:
		return nil
	}
}

func (u *Upload) writable() error {
	if err := u.usable(); err != nil {
		return err
	}

	if u.state != StateBuffering {
		return u.fail(errs.Preconditionf("write in state %s", u.state))
	}

	return nil
}

// fail records err as the terminal error (first one wins) and returns the
// recorded error.
func (u *Upload) fail(err error) error {
	if u.state != StateAborted {
		u.err = err
		u.state = StateAborted

		u.logger.Warn("upload aborted",
			slog.String("upload_id", u.sess.UploadID),
			slog.Int64("uploaded", u.sess.Uploaded),
			slog.String("error", err.Error()),
		)
	}

	return u.err
}
