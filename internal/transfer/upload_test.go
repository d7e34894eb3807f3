package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/drivebridge/internal/dedup"
	"github.com/tonimelisma/drivebridge/internal/errs"
)

const mib = 1 << 20

// fakeProtocol records calls and reassembles the uploaded content.
type fakeProtocol struct {
	mu sync.Mutex

	opens    int
	commits  int
	sizes    []int64
	received bytes.Buffer
	bufs     map[*byte]struct{} // distinct chunk backing arrays
	maxChunk int

	failPart  int   // part number to fail, 0 = none
	failErr   error // error returned for failPart
	sendGate  chan struct{}
	inSend    chan struct{}
	resolved  []int
	remoteID  string
	lazyParts bool
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{bufs: make(map[*byte]struct{}), remoteID: "remote-1"}
}

func (f *fakeProtocol) Open(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	s.UploadID = "upload-1"

	if !f.lazyParts {
		for i := range s.Parts {
			s.Parts[i].URL = fmt.Sprintf("https://parts.example/%d", s.Parts[i].Number)
		}
	}

	return nil
}

func (f *fakeProtocol) SendPart(_ context.Context, _ *Session, p *Part, chunk []byte) error {
	if f.inSend != nil {
		f.inSend <- struct{}{}
	}

	if f.sendGate != nil {
		<-f.sendGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if p.Number == f.failPart {
		return f.failErr
	}

	f.sizes = append(f.sizes, int64(len(chunk)))
	f.received.Write(chunk)
	f.maxChunk = max(f.maxChunk, len(chunk))

	if len(chunk) > 0 {
		f.bufs[&chunk[:1][0]] = struct{}{}
	}

	p.ETag = fmt.Sprintf("etag-%d", p.Number)

	return nil
}

func (f *fakeProtocol) Commit(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commits++
	s.RemoteID = f.remoteID

	return nil
}

// lazyProtocol resolves part URLs on demand.
type lazyProtocol struct {
	*fakeProtocol
}

func (l lazyProtocol) ResolvePartURL(_ context.Context, _ *Session, p *Part) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resolved = append(l.resolved, p.Number)
	p.URL = fmt.Sprintf("https://parts.example/lazy/%d", p.Number)

	return nil
}

// oneShot hides Seek so the source looks like a network stream.
type oneShot struct{ r io.Reader }

func (o *oneShot) Read(p []byte) (int, error) { return o.r.Read(p) }

type countingSeeker struct {
	*bytes.Reader
	read atomic.Int64
}

func (c *countingSeeker) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.read.Add(int64(n))

	return n, err
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i ^ (i >> 8) ^ (i >> 16))
	}

	return b
}

func newSession(t *testing.T, total, chunk int64) *Session {
	t.Helper()

	parts, err := PlanParts(total, chunk)
	require.NoError(t, err)

	return &Session{TotalSize: total, ChunkSize: chunk, Parts: parts}
}

func TestPlanParts(t *testing.T) {
	parts, err := PlanParts(25*mib, 10*mib)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, Part{Number: 1, Offset: 0, Size: 10 * mib}, parts[0])
	assert.Equal(t, Part{Number: 2, Offset: 10 * mib, Size: 10 * mib}, parts[1])
	assert.Equal(t, Part{Number: 3, Offset: 20 * mib, Size: 5 * mib}, parts[2])

	parts, err = PlanParts(0, 10)
	require.NoError(t, err)
	assert.Equal(t, []Part{{Number: 1}}, parts)

	parts, err = PlanParts(20, 10)
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	_, err = PlanParts(10, 0)
	assert.ErrorIs(t, err, errs.ErrPrecondition)

	_, err = PlanParts(-1, 10)
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestCheckCommittable(t *testing.T) {
	tests := []struct {
		name    string
		parts   []Part
		total   int64
		wantErr bool
	}{
		{
			name:  "complete",
			parts: []Part{{Number: 1, Size: 5, Uploaded: true}, {Number: 2, Size: 3, Uploaded: true}},
			total: 8,
		},
		{
			name:    "missing ack",
			parts:   []Part{{Number: 1, Size: 5, Uploaded: true}, {Number: 2, Size: 3}},
			total:   8,
			wantErr: true,
		},
		{
			name:    "out of order",
			parts:   []Part{{Number: 2, Size: 3, Uploaded: true}, {Number: 1, Size: 5, Uploaded: true}},
			total:   8,
			wantErr: true,
		},
		{
			name:    "gap in numbering",
			parts:   []Part{{Number: 1, Size: 5, Uploaded: true}, {Number: 3, Size: 3, Uploaded: true}},
			total:   8,
			wantErr: true,
		},
		{
			name:    "size mismatch",
			parts:   []Part{{Number: 1, Size: 5, Uploaded: true}},
			total:   8,
			wantErr: true,
		},
		{name: "no parts", total: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var uploaded int64

			for _, p := range tt.parts {
				if p.Uploaded {
					uploaded += p.Size
				}
			}

			err := CheckCommittable(&Session{Parts: tt.parts, TotalSize: tt.total, Uploaded: uploaded})
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrPrecondition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// 25 MiB through 10 MiB chunks: three part sends of 10, 10 and 5 MiB, one
// commit, and every chunk served from the same buffer.
func TestEngineUpload_25MiBIn10MiBChunks(t *testing.T) {
	data := payload(25 * mib)
	proto := newFakeProtocol()

	out, err := NewEngine(nil, nil).Upload(t.Context(), &oneShot{r: bytes.NewReader(data)}, Plan{
		Size:      int64(len(data)),
		ChunkSize: 10 * mib,
		Protocol:  proto,
		Digest:    sha256.New,
	})
	require.NoError(t, err)

	assert.Equal(t, "remote-1", out.RemoteID)
	assert.Equal(t, 3, out.Chunks)
	assert.False(t, out.Deduplicated)
	assert.Equal(t, 1, proto.opens)
	assert.Equal(t, 1, proto.commits)
	assert.Equal(t, []int64{10 * mib, 10 * mib, 5 * mib}, proto.sizes)
	assert.Equal(t, data, proto.received.Bytes())

	// Buffer bound: one backing array, never larger than a chunk.
	assert.Len(t, proto.bufs, 1)
	assert.LessOrEqual(t, proto.maxChunk, 10*mib)

	want := sha256.Sum256(data)
	assert.Equal(t, want[:], out.Sum)

	for _, p := range out.Session.Parts {
		assert.True(t, p.Uploaded)
		assert.Equal(t, fmt.Sprintf("etag-%d", p.Number), p.ETag)
	}
}

// Whatever the size, every chunk is served from one buffer no larger than
// the chunk size.
func TestEngineUpload_BufferBound(t *testing.T) {
	const chunk = 4096

	for _, n := range []int{0, 1, chunk - 1, chunk, chunk + 1, 7*chunk + 123} {
		t.Run(fmt.Sprintf("size=%d", n), func(t *testing.T) {
			data := payload(n)
			proto := newFakeProtocol()

			out, err := NewEngine(nil, nil).Upload(t.Context(), &oneShot{r: bytes.NewReader(data)}, Plan{
				Size:      int64(n),
				ChunkSize: chunk,
				Protocol:  proto,
			})
			require.NoError(t, err)

			assert.Equal(t, max(1, (n+chunk-1)/chunk), out.Chunks)
			assert.Equal(t, data, proto.received.Bytes())
			assert.LessOrEqual(t, proto.maxChunk, chunk)

			if n == 0 {
				assert.Empty(t, proto.bufs, "only an empty part is sent")
			} else {
				assert.Len(t, proto.bufs, 1)
			}
		})
	}
}

func TestEngineUpload_Empty(t *testing.T) {
	proto := newFakeProtocol()

	out, err := NewEngine(nil, nil).Upload(t.Context(), bytes.NewReader(nil), Plan{
		ChunkSize: 10 * mib,
		Protocol:  proto,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Chunks)
	assert.Equal(t, []int64{0}, proto.sizes)
	assert.Equal(t, 1, proto.commits)
}

func TestEngineUpload_DedupExistsSkipsTransfer(t *testing.T) {
	data := payload(3 * mib)
	proto := newFakeProtocol()

	neg := dedup.New(dedup.Capabilities{Enabled: true, PartialHash: true}, dedup.CheckerFunc(
		func(context.Context, *dedup.Probe) (dedup.Answer, error) {
			return dedup.Answer{Verdict: dedup.Exists, RemoteID: "existing-7"}, nil
		}), nil)

	out, err := NewEngine(nil, nil).Upload(t.Context(), bytes.NewReader(data), Plan{
		Size: int64(len(data)), ChunkSize: mib, Protocol: proto, Negotiator: neg,
	})
	require.NoError(t, err)

	assert.True(t, out.Deduplicated)
	assert.Equal(t, "existing-7", out.RemoteID)
	assert.Zero(t, out.Chunks)
	assert.Zero(t, proto.opens)
	assert.Zero(t, proto.commits)
	assert.Empty(t, proto.sizes)
}

// A NotFound verdict on the prefix leads straight to upload with no
// full-hash pass over the source.
func TestEngineUpload_PartialNotFoundSkipsFullHash(t *testing.T) {
	data := payload(10 * mib)
	src := &countingSeeker{Reader: bytes.NewReader(data)}
	proto := newFakeProtocol()

	var checks int

	neg := dedup.New(dedup.Capabilities{Enabled: true, PartialHash: true, FullHash: true, PrefixSize: 1024},
		dedup.CheckerFunc(func(_ context.Context, p *dedup.Probe) (dedup.Answer, error) {
			checks++
			assert.Empty(t, p.FullHash)

			return dedup.Answer{Verdict: dedup.NotFound, Extra: map[string]string{"file_id": "f-1"}}, nil
		}), nil)

	out, err := NewEngine(nil, nil).Upload(t.Context(), src, Plan{
		Size: int64(len(data)), ChunkSize: 4 * mib, Protocol: proto, Negotiator: neg,
		Extra: map[string]string{"name": "a.bin"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, checks)
	assert.Equal(t, int64(len(data))+1024, src.read.Load(), "prefix plus one upload pass")
	assert.Equal(t, data, proto.received.Bytes())
	assert.Equal(t, "f-1", out.Session.Get("file_id"))
	assert.Equal(t, "a.bin", out.Session.Get("name"))
}

// Content already on the backend is recognized from the prefix alone: no
// full hash, no session, no chunk upload, and only the prefix is read.
func TestEngineUpload_PartialHashShortCircuit(t *testing.T) {
	const prefix = 128 << 10

	data := payload(10 * mib)
	src := &countingSeeker{Reader: bytes.NewReader(data)}
	proto := newFakeProtocol()

	neg := dedup.New(dedup.Capabilities{Enabled: true, PartialHash: true, FullHash: true, PrefixSize: prefix},
		dedup.CheckerFunc(func(_ context.Context, p *dedup.Probe) (dedup.Answer, error) {
			assert.Empty(t, p.FullHash)

			return dedup.Answer{Verdict: dedup.Exists, RemoteID: "existing-9"}, nil
		}), nil)

	out, err := NewEngine(nil, nil).Upload(t.Context(), src, Plan{
		Size: int64(len(data)), ChunkSize: 4 * mib, Protocol: proto, Negotiator: neg,
	})
	require.NoError(t, err)

	assert.True(t, out.Deduplicated)
	assert.Equal(t, "existing-9", out.RemoteID)
	assert.Equal(t, int64(prefix), src.read.Load())
	assert.Equal(t, int64(prefix), out.Probe.PartialBytes)
	assert.Zero(t, out.Probe.FullBytes)
	assert.Zero(t, proto.opens)
	assert.Empty(t, proto.sizes)
}

// A one-shot source's hashed prefix is reused as the start of the first
// chunk rather than re-read.
func TestEngineUpload_OneShotPrefixReused(t *testing.T) {
	data := payload(5*mib + 3)
	proto := newFakeProtocol()

	neg := dedup.New(dedup.Capabilities{Enabled: true, PartialHash: true, FullHash: true, PrefixSize: 1024},
		dedup.CheckerFunc(func(context.Context, *dedup.Probe) (dedup.Answer, error) {
			return dedup.Answer{Verdict: dedup.NeedsFullHash}, nil
		}), nil)

	out, err := NewEngine(nil, nil).Upload(t.Context(), &oneShot{r: bytes.NewReader(data)}, Plan{
		Size: int64(len(data)), ChunkSize: 2 * mib, Protocol: proto, Negotiator: neg,
	})
	require.NoError(t, err)

	assert.True(t, out.Probe.FellBack)
	assert.Equal(t, 3, out.Chunks)
	assert.Equal(t, data, proto.received.Bytes())
	assert.Len(t, proto.bufs, 1)
}

func TestEngineUpload_ShortSource(t *testing.T) {
	proto := newFakeProtocol()

	_, err := NewEngine(nil, nil).Upload(t.Context(), bytes.NewReader(payload(100)), Plan{
		Size: 150, ChunkSize: 64, Protocol: proto,
	})
	require.ErrorIs(t, err, errs.ErrIntegrityMismatch)
	assert.Zero(t, proto.commits)
}

func TestEngineUpload_LongSource(t *testing.T) {
	proto := newFakeProtocol()

	_, err := NewEngine(nil, nil).Upload(t.Context(), bytes.NewReader(payload(200)), Plan{
		Size: 150, ChunkSize: 64, Protocol: proto,
	})
	require.ErrorIs(t, err, errs.ErrIntegrityMismatch)
	assert.Zero(t, proto.commits)
}

func TestEngineUpload_PartFailureIsFatal(t *testing.T) {
	proto := newFakeProtocol()
	proto.failPart = 2
	proto.failErr = errs.Rejected(400, "InvalidPart", "part rejected")

	_, err := NewEngine(nil, nil).Upload(t.Context(), bytes.NewReader(payload(300)), Plan{
		Size: 300, ChunkSize: 100, Protocol: proto,
	})
	require.Error(t, err)

	var te *errs.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "InvalidPart", te.Code)
	assert.Contains(t, err.Error(), "upload part 2")
	assert.Zero(t, proto.commits)
	assert.Len(t, proto.sizes, 1)
}

func TestUpload_LazyPartURLs(t *testing.T) {
	base := newFakeProtocol()
	base.lazyParts = true
	proto := lazyProtocol{base}

	sess := newSession(t, 30, 10)
	up, err := NewUpload(proto, sess, make([]byte, 10))
	require.NoError(t, err)

	require.NoError(t, up.Open(t.Context()))
	_, err = up.Write(payload(30))
	require.NoError(t, err)

	_, err = up.Commit(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, base.resolved)
	assert.Equal(t, "https://parts.example/lazy/3", sess.Parts[2].URL)
}

// Commit with a part not acknowledged is rejected before any network call.
func TestUpload_CommitMissingPartRejected(t *testing.T) {
	proto := newFakeProtocol()
	sess := newSession(t, 30, 10)

	up, err := NewUpload(proto, sess, make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, up.Open(t.Context()))

	_, err = up.Write(payload(15))
	require.NoError(t, err)

	_, err = up.Commit(t.Context())
	require.ErrorIs(t, err, errs.ErrPrecondition)
	assert.Contains(t, err.Error(), "part 2 of 3 not uploaded")
	assert.Zero(t, proto.commits)
	assert.Equal(t, StateAborted, up.State())

	// The first terminal error sticks.
	_, err2 := up.Write([]byte("x"))
	assert.Equal(t, err, err2)
}

func TestUpload_WriteAfterCommit(t *testing.T) {
	up, err := NewUpload(newFakeProtocol(), newSession(t, 4, 4), make([]byte, 4))
	require.NoError(t, err)
	require.NoError(t, up.Open(t.Context()))

	_, err = up.Write([]byte("abcd"))
	require.NoError(t, err)

	_, err = up.Commit(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, up.State())

	_, err = up.Write([]byte("e"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUpload_WriteBeforeOpen(t *testing.T) {
	up, err := NewUpload(newFakeProtocol(), newSession(t, 4, 4), make([]byte, 4))
	require.NoError(t, err)

	_, err = up.Write([]byte("a"))
	assert.ErrorIs(t, err, errs.ErrPrecondition)
	assert.Equal(t, StateAborted, up.State())
}

func TestUpload_Abort(t *testing.T) {
	proto := newFakeProtocol()
	up, err := NewUpload(proto, newSession(t, 20, 10), make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, up.Open(t.Context()))

	cause := errors.New("caller gave up")
	up.Abort(cause)
	up.Abort(errors.New("second cause"))

	assert.Equal(t, StateAborted, up.State())
	assert.Equal(t, cause, up.Err())

	_, err = up.Write([]byte("x"))
	assert.Equal(t, cause, err)

	_, err = up.Commit(t.Context())
	assert.Equal(t, cause, err)
	assert.Zero(t, proto.commits)
}

func TestUpload_BufferTooSmall(t *testing.T) {
	_, err := NewUpload(newFakeProtocol(), newSession(t, 20, 10), make([]byte, 5))
	assert.ErrorIs(t, err, errs.ErrPrecondition)
}

func TestUpload_CanceledContextStopsSends(t *testing.T) {
	proto := newFakeProtocol()
	up, err := NewUpload(proto, newSession(t, 20, 10), make([]byte, 10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, up.Open(ctx))

	_, err = up.Write(payload(10))
	require.NoError(t, err)

	cancel()

	_, err = up.Write(payload(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errs.ErrNetwork)
	assert.Len(t, proto.sizes, 1)
}

// Back-pressure: a write arriving while a chunk is in flight blocks until the
// chunk completes.
func TestUpload_BackPressure(t *testing.T) {
	proto := newFakeProtocol()
	proto.sendGate = make(chan struct{})
	proto.inSend = make(chan struct{}, 2)

	up, err := NewUpload(proto, newSession(t, 20, 10), make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, up.Open(t.Context()))

	firstDone := make(chan error, 1)

	go func() {
		_, err := up.Write(payload(10))
		firstDone <- err
	}()

	<-proto.inSend // first chunk is in flight

	var secondReturned atomic.Bool

	secondDone := make(chan error, 1)

	go func() {
		_, err := up.Write(payload(5))
		secondReturned.Store(true)
		secondDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, secondReturned.Load(), "second write must wait for the in-flight chunk")

	proto.sendGate <- struct{}{}

	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
	assert.Equal(t, int64(15), up.Buffered())
}
