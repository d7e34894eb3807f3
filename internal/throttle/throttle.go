// Package throttle caps the aggregate throughput of every transfer a process
// runs. One Limiter is shared by all concurrent uploads and downloads; the
// engine itself never throttles. Uploads are charged as request bodies leave
// through Transport, so sources reach the engine unwrapped and local reads
// such as dedup hashing cost nothing. Downloads wrap their sink with Writer.
package throttle

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

// burstMultiplier sizes the token bucket relative to the per-second rate.
const burstMultiplier = 2

// Limiter is a shared token bucket measured in bytes. A nil *Limiter is
// unlimited and every method is nil-safe.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing bytesPerSec. It returns nil when
// bytesPerSec is zero.
func New(bytesPerSec int64, logger *slog.Logger) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Debug("bandwidth limit set",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Writer returns w limited by l.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l == nil {
		return w
	}

	return &writer{w: w, l: l.limiter, ctx: ctx}
}

// Transport returns rt with request bodies limited by l. A nil rt means
// http.DefaultTransport.
func (l *Limiter) Transport(rt http.RoundTripper) http.RoundTripper {
	if l == nil {
		return rt
	}

	if rt == nil {
		rt = http.DefaultTransport
	}

	return &roundTripper{next: rt, l: l.limiter}
}

type roundTripper struct {
	next http.RoundTripper
	l    *rate.Limiter
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return t.next.RoundTrip(req)
	}

	out := req.Clone(req.Context())
	out.Body = readCloser{
		Reader: &reader{r: req.Body, l: t.l, ctx: req.Context()},
		Closer: req.Body,
	}

	return t.next.RoundTrip(out)
}

type readCloser struct {
	io.Reader
	io.Closer
}

type reader struct {
	r   io.Reader
	l   *rate.Limiter
	ctx context.Context //nolint:containedctx // bound to one stream
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.l, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

type writer struct {
	w   io.Writer
	l   *rate.Limiter
	ctx context.Context //nolint:containedctx // bound to one stream
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		if waitErr := waitN(w.ctx, w.l, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN takes n tokens in burst-sized steps; WaitN rejects larger requests.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	burst := l.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := l.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
