package backend

import (
	"log/slog"

	"github.com/tonimelisma/drivebridge/internal/credential"
	"github.com/tonimelisma/drivebridge/internal/dedup"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/sign"
	"github.com/tonimelisma/drivebridge/internal/transfer"
	"github.com/tonimelisma/drivebridge/internal/transport"
)

// DefaultChunkSize is used when an adapter sets no chunk policy.
const DefaultChunkSize = 10 << 20

// ChunkPolicy picks the part size for an upload of total bytes.
type ChunkPolicy interface {
	ChunkSize(total int64) (int64, error)
}

type fixedChunks int64

// FixedChunks always uses size-byte parts.
func FixedChunks(size int64) ChunkPolicy {
	return fixedChunks(size)
}

func (c fixedChunks) ChunkSize(int64) (int64, error) {
	if c <= 0 {
		return 0, errs.Preconditionf("chunk size must be positive, got %d", int64(c))
	}

	return int64(c), nil
}

type tieredChunks struct {
	base     int64
	maxParts int64
}

// TieredChunks starts at base and doubles the part size until the upload
// fits in maxParts parts.
func TieredChunks(base, maxParts int64) ChunkPolicy {
	return tieredChunks{base: base, maxParts: maxParts}
}

func (c tieredChunks) ChunkSize(total int64) (int64, error) {
	if c.base <= 0 || c.maxParts <= 0 {
		return 0, errs.Preconditionf("tiered chunks need positive base and part limit")
	}

	size := c.base
	for (total+size-1)/size > c.maxParts {
		size *= 2
	}

	return size, nil
}

type alignedChunks struct {
	size      int64
	alignment int64
}

// AlignedChunks rounds size down to a multiple of alignment, never below
// one alignment unit.
func AlignedChunks(size, alignment int64) ChunkPolicy {
	return alignedChunks{size: size, alignment: alignment}
}

func (c alignedChunks) ChunkSize(int64) (int64, error) {
	if c.alignment <= 0 {
		return 0, errs.Preconditionf("chunk alignment must be positive, got %d", c.alignment)
	}

	return max(c.size-c.size%c.alignment, c.alignment), nil
}

// Adapter is the per-backend configuration of the transfer engine: where
// requests go, how they are signed, how responses are judged, how content
// is chunked, and what dedup the backend supports.
type Adapter struct {
	Name      string
	BaseURL   string
	Signer    sign.Strategy
	Chunking  ChunkPolicy
	Dedup     dedup.Capabilities
	Inspector transport.Inspector
}

// Executor builds a request executor for the adapter over session.
func (a *Adapter) Executor(session *credential.Session, opts ...transport.Option) *transport.Executor {
	all := make([]transport.Option, 0, len(opts)+1)
	all = append(all, transport.WithInspector(a.Inspector))
	all = append(all, opts...)

	return transport.New(a.BaseURL, session, a.Signer, all...)
}

// Plan builds the transfer plan for one upload. checker may be nil when the
// backend has no dedup endpoint; dedup also stays off unless the adapter
// enables it.
func (a *Adapter) Plan(size int64, proto transfer.Protocol, checker dedup.Checker, logger *slog.Logger) (transfer.Plan, error) {
	if size < 0 {
		return transfer.Plan{}, errs.Preconditionf("negative upload size %d", size)
	}

	policy := a.Chunking
	if policy == nil {
		policy = FixedChunks(DefaultChunkSize)
	}

	chunk, err := policy.ChunkSize(size)
	if err != nil {
		return transfer.Plan{}, err
	}

	p := transfer.Plan{Size: size, ChunkSize: chunk, Protocol: proto}

	if checker != nil && a.Dedup.Enabled {
		p.Negotiator = dedup.New(a.Dedup, checker, logger)
	}

	return p, nil
}
