// Package dedup negotiates content-addressed "rapid upload" with a backend.
// A probe hashes a short prefix of the source, asks the backend whether it
// already holds matching content, and escalates to a full-content hash (plus
// range proofs of possession) only when the backend asks for it. All hashing
// reuses the transfer's single chunk buffer.
package dedup

import (
	"context"
	"crypto/sha1" //nolint:gosec // backend content addressing, not security
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"

	"github.com/tonimelisma/drivebridge/internal/errs"
)

// DefaultPrefixSize is the partial-hash prefix length used when the adapter
// declares none.
const DefaultPrefixSize = 1024

// MaxRangeRead bounds Probe.ReadRange.
const MaxRangeRead = 64 << 10

// Verdict is the backend's answer to a probe.
type Verdict int

const (
	NotFound Verdict = iota
	Exists
	NeedsFullHash
)

func (v Verdict) String() string {
	switch v {
	case Exists:
		return "exists"
	case NeedsFullHash:
		return "needs_full_hash"
	default:
		return "not_found"
	}
}

// Capabilities describe what an adapter supports.
type Capabilities struct {
	Enabled          bool
	PartialHash      bool
	FullHash         bool
	RequiresSeekable bool
	PrefixSize       int64
	// Digest builds the content hash. Nil means SHA-1.
	Digest func() hash.Hash
}

func (c Capabilities) digest() hash.Hash {
	if c.Digest != nil {
		return c.Digest()
	}

	return sha1.New() //nolint:gosec // backend content addressing
}

// Probe is the question put to the backend. FullHash is empty on the
// partial round.
type Probe struct {
	Size        int64
	PartialHash string
	FullHash    string

	rangeHash func(offset, length int64) (string, error)
	readRange func(offset, length int64) ([]byte, error)
}

// RangeHash hashes length bytes at offset with the adapter digest. Only
// available on the full-hash round of a re-readable source; backends use it
// to compute proof-of-possession codes.
func (p *Probe) RangeHash(offset, length int64) (string, error) {
	if p.rangeHash == nil {
		return "", errs.Preconditionf("range hash unavailable: source is not re-readable")
	}

	return p.rangeHash(offset, length)
}

// ReadRange returns the raw bytes at [offset, offset+length), for proofs
// that are an encoding of the content itself. length is capped at
// MaxRangeRead.
func (p *Probe) ReadRange(offset, length int64) ([]byte, error) {
	if p.readRange == nil {
		return nil, errs.Preconditionf("range read unavailable: source is not re-readable")
	}

	if length > MaxRangeRead {
		return nil, errs.Preconditionf("range read of %d bytes exceeds %d", length, MaxRangeRead)
	}

	return p.readRange(offset, length)
}

// Answer is a backend verdict. RemoteID identifies the existing content
// when Verdict is Exists. Extra carries adapter data from the probe round
// (e.g. an upload session the backend already opened) into the upload.
type Answer struct {
	Verdict  Verdict
	RemoteID string
	Extra    map[string]string
}

// Checker asks the backend about a probe.
type Checker interface {
	Check(ctx context.Context, p *Probe) (Answer, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, p *Probe) (Answer, error)

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, p *Probe) (Answer, error) {
	return f(ctx, p)
}

// Result reports the outcome of a negotiation.
type Result struct {
	Answer

	PartialHash string
	FullHash    string

	PartialBytes int64 // bytes hashed for the prefix
	FullBytes    int64 // bytes hashed in the full pass
	RangeBytes   int64 // bytes hashed for range proofs

	// Buffered is the number of source bytes left at the start of the
	// chunk buffer. Non-zero only for one-shot sources; those bytes are the
	// beginning of the first chunk.
	Buffered int

	// Skipped is set when no backend query was made.
	Skipped bool
	// FellBack is set when the backend wanted a full hash but the source
	// could not be re-read, so the upload proceeds without dedup.
	FellBack bool
}

// Negotiator runs probes for one adapter.
type Negotiator struct {
	caps    Capabilities
	checker Checker
	logger  *slog.Logger
}

// New creates a negotiator. A nil checker disables dedup.
func New(caps Capabilities, checker Checker, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}

	if caps.PrefixSize <= 0 {
		caps.PrefixSize = DefaultPrefixSize
	}

	return &Negotiator{caps: caps, checker: checker, logger: logger}
}

// Probe negotiates rapid upload for src of the declared size, using buf as
// its only read buffer. On return a seekable src is positioned at offset 0
// and Result.Buffered is 0; a one-shot src has had Result.Buffered bytes
// consumed into buf[:Result.Buffered].
func (n *Negotiator) Probe(ctx context.Context, src io.Reader, size int64, buf []byte) (*Result, error) {
	res := &Result{}

	if !n.caps.Enabled || n.checker == nil || (!n.caps.PartialHash && !n.caps.FullHash) {
		res.Skipped = true
		return res, nil
	}

	seeker, seekable := src.(io.ReadSeeker)
	if n.caps.RequiresSeekable && !seekable {
		n.logger.Info("dedup skipped: source is not seekable", slog.Int64("size", size))

		res.Skipped = true

		return res, nil
	}

	if n.caps.PartialHash {
		if err := n.partial(ctx, src, seeker, size, buf, res); err != nil {
			return nil, err
		}

		if res.Verdict != NeedsFullHash {
			return res, nil
		}
	}

	if !n.caps.FullHash {
		res.Verdict = NotFound
		return res, nil
	}

	if !seekable {
		n.logger.Warn("full hash requested for a one-shot source, uploading without dedup",
			slog.Int64("size", size),
		)

		res.Verdict = NotFound
		res.FellBack = true

		return res, nil
	}

	return res, n.full(ctx, seeker, size, buf, res)
}

func (n *Negotiator) partial(ctx context.Context, src io.Reader, seeker io.ReadSeeker, size int64, buf []byte, res *Result) error {
	want := min(n.caps.PrefixSize, size, int64(len(buf)))

	got, err := io.ReadFull(src, buf[:want])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return errs.Wrap(errs.KindNetwork, "dedup prefix read", err)
	}

	if int64(got) != want {
		return &errs.Error{
			Kind:    errs.KindIntegrityMismatch,
			Op:      "dedup prefix read",
			Message: fmt.Sprintf("source ended after %d bytes, declared size %d", got, size),
		}
	}

	h := n.caps.digest()
	h.Write(buf[:got])

	res.PartialHash = hex.EncodeToString(h.Sum(nil))
	res.PartialBytes = int64(got)

	if seeker != nil {
		if err := rewind(seeker); err != nil {
			return err
		}
	} else {
		res.Buffered = got
	}

	ans, err := n.checker.Check(ctx, &Probe{Size: size, PartialHash: res.PartialHash})
	if err != nil {
		return errs.WithOp(err, "dedup partial check")
	}

	res.Answer = ans

	n.logger.Debug("dedup partial probe",
		slog.Int64("size", size),
		slog.Int("prefix_bytes", got),
		slog.String("verdict", ans.Verdict.String()),
	)

	return nil
}

func (n *Negotiator) full(ctx context.Context, src io.ReadSeeker, size int64, buf []byte, res *Result) error {
	h := n.caps.digest()

	copied, err := io.CopyBuffer(h, onlyReader{src}, buf)
	if err != nil {
		return errs.Wrap(errs.KindNetwork, "dedup full hash", err)
	}

	res.FullBytes = copied

	if copied != size {
		return &errs.Error{
			Kind:    errs.KindIntegrityMismatch,
			Op:      "dedup full hash",
			Message: fmt.Sprintf("hashed %d bytes, declared size %d", copied, size),
		}
	}

	res.FullHash = hex.EncodeToString(h.Sum(nil))

	p := &Probe{
		Size:        size,
		PartialHash: res.PartialHash,
		FullHash:    res.FullHash,
		rangeHash: func(offset, length int64) (string, error) {
			sum, err := n.rangeHash(src, size, offset, length, buf)
			if err == nil {
				res.RangeBytes += length
			}

			return sum, err
		},
		readRange: func(offset, length int64) ([]byte, error) {
			return readRange(src, size, offset, length)
		},
	}

	ans, err := n.checker.Check(ctx, p)
	if err != nil {
		return errs.WithOp(err, "dedup full check")
	}

	if err := rewind(src); err != nil {
		return err
	}

	if ans.Verdict == NeedsFullHash {
		n.logger.Warn("backend asked for a full hash twice, uploading without dedup")
		ans.Verdict = NotFound
	}

	res.Answer = ans

	n.logger.Debug("dedup full probe",
		slog.Int64("size", size),
		slog.String("verdict", ans.Verdict.String()),
	)

	return nil
}

// RangeHash hashes length bytes at offset of src with digest, bounded by
// length and using buf for reads.
func RangeHash(src io.Reader, size, offset, length int64, buf []byte, digest func() hash.Hash) (string, error) {
	if offset < 0 || length < 0 || offset+length > size {
		return "", errs.Preconditionf("range [%d, %d) outside content of %d bytes", offset, offset+length, size)
	}

	var section io.Reader

	switch s := src.(type) {
	case io.ReaderAt:
		section = io.NewSectionReader(s, offset, length)
	case io.Seeker:
		if _, err := s.Seek(offset, io.SeekStart); err != nil {
			return "", errs.Wrap(errs.KindNetwork, "range hash seek", err)
		}

		section = io.LimitReader(src, length)
	default:
		return "", errs.Preconditionf("range hash needs a seekable source")
	}

	if digest == nil {
		digest = sha1.New
	}

	h := digest()

	copied, err := io.CopyBuffer(h, onlyReader{section}, buf)
	if err != nil {
		return "", errs.Wrap(errs.KindNetwork, "range hash", err)
	}

	if copied != length {
		return "", &errs.Error{
			Kind:    errs.KindIntegrityMismatch,
			Op:      "range hash",
			Message: fmt.Sprintf("read %d of %d range bytes", copied, length),
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func readRange(src io.ReadSeeker, size, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > size {
		return nil, errs.Preconditionf("range [%d, %d) outside content of %d bytes", offset, offset+length, size)
	}

	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "range read seek", err)
	}

	out := make([]byte, length)
	if _, err := io.ReadFull(src, out); err != nil {
		return nil, &errs.Error{Kind: errs.KindIntegrityMismatch, Op: "range read", Err: err}
	}

	return out, nil
}

func (n *Negotiator) rangeHash(src io.ReadSeeker, size, offset, length int64, buf []byte) (string, error) {
	return RangeHash(src, size, offset, length, buf, n.caps.digest)
}

func rewind(s io.Seeker) error {
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.KindNetwork, "dedup rewind", err)
	}

	return nil
}

// onlyReader hides WriterTo/ReaderFrom so io.CopyBuffer uses the supplied
// buffer.
type onlyReader struct{ io.Reader }
