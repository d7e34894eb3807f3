// Package transport provides the signed request executor shared by every
// driver. The executor signs each attempt with the current credential
// snapshot, lets the backend's Inspector recognize expiry markers and error
// envelopes, and transparently refreshes and replays on expiry up to a fixed
// budget. Transport failures are classified but never retried here; callers
// own their retry policy.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/drivebridge/internal/credential"
	"github.com/tonimelisma/drivebridge/internal/errs"
	"github.com/tonimelisma/drivebridge/internal/sign"
)

// MaxAuthRetries is the refresh-and-replay budget per request: at most
// MaxAuthRetries+1 signed attempts.
const MaxAuthRetries = 3

// maxBufferedBody bounds how much of a response the executor reads before
// handing it to the Inspector.
const maxBufferedBody = 1 << 20

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "drivebridge/0.1"

// Request describes one backend call. Body is a byte slice so the executor
// can replay it after a refresh.
type Request struct {
	Method      string
	Path        string // joined to the executor base URL; ignored when URL is set
	URL         string // absolute URL
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string // defaults to application/json when Body is non-nil
}

// op names the request in errors and logs. Query strings are left out since
// pre-signed URLs carry credentials there.
func (r *Request) op() string {
	target := r.Path
	if r.URL != "" {
		if u, err := url.Parse(r.URL); err == nil {
			target = u.Path
		}
	}

	return r.Method + " " + target
}

// Executor sends signed requests for one backend account. Safe for
// concurrent use.
type Executor struct {
	baseURL     string
	session     *credential.Session
	signer      sign.Strategy
	inspector   Inspector
	httpClient  *http.Client // never follows redirects
	fetchClient *http.Client // follows redirects, unsigned
	userAgent   string
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient sets the client used for requests. Its Transport and
// timeouts are shared by signed and unsigned calls.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// WithInspector sets the backend response inspector.
func WithInspector(in Inspector) Option {
	return func(e *Executor) {
		if in != nil {
			e.inspector = in
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(e *Executor) {
		if ua != "" {
			e.userAgent = ua
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an executor. A nil session behaves as a static, unrefreshable
// credential; a nil signer sends requests unsigned.
func New(baseURL string, session *credential.Session, signer sign.Strategy, opts ...Option) *Executor {
	e := &Executor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    session,
		signer:     signer,
		inspector:  StatusInspector{},
		httpClient: http.DefaultClient,
		userAgent:  DefaultUserAgent,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.session == nil {
		e.session = credential.NewSession("static", credential.Tokens{}, credential.WithLogger(e.logger))
	}

	if e.signer == nil {
		e.signer = sign.None{}
	}

	base := *e.httpClient
	fetch := base
	base.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	e.httpClient = &base
	e.fetchClient = &fetch

	return e
}

// Session returns the credential session requests are signed with.
func (e *Executor) Session() *credential.Session {
	return e.session
}

// BaseURL returns the base URL relative paths are joined to.
func (e *Executor) BaseURL() string {
	return e.baseURL
}

// Do sends r signed with the current credential snapshot. An expiry marker
// (status or body, as judged by the Inspector) triggers Session.Refresh with
// the stale snapshot and a replay, at most MaxAuthRetries times; beyond that
// the call fails with AuthExpired. Other backend errors are returned as
// BackendRejected or QuotaExceeded carrying the backend's code and message.
// 3xx responses are returned to the caller unfollowed.
//
// On success the caller owns resp.Body.
func (e *Executor) Do(ctx context.Context, r *Request) (*http.Response, error) {
	op := r.op()
	snap := e.session.Snapshot()

	for attempt := 0; ; attempt++ {
		resp, body, expired, err := e.attempt(ctx, r, snap)
		if err != nil {
			return nil, errs.WithOp(err, op)
		}

		if expired {
			if attempt >= MaxAuthRetries {
				e.logger.Error("auth still expired after refresh budget",
					slog.String("op", op),
					slog.Int("attempts", attempt+1),
				)

				status := 0
				if resp != nil {
					status = resp.StatusCode
				}

				return nil, &errs.Error{
					Kind:    errs.KindAuthExpired,
					Op:      op,
					Status:  status,
					Message: fmt.Sprintf("credentials still rejected after %d refreshes", MaxAuthRetries),
				}
			}

			e.logger.Info("auth expired, refreshing credentials",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Uint64("generation", snap.Generation),
			)

			snap, err = e.session.Refresh(ctx, snap)
			if err != nil {
				return nil, errs.WithOp(err, op)
			}

			continue
		}

		if rej := e.inspector.Reject(resp.StatusCode, body); rej != nil {
			resp.Body.Close()

			if rej.Op == "" {
				rej.Op = op
			}

			e.logger.Warn("backend rejected request",
				slog.String("op", op),
				slog.Int("status", resp.StatusCode),
				slog.String("code", rej.Code),
			)

			return nil, rej
		}

		e.logger.Debug("request succeeded",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt+1),
		)

		return resp, nil
	}
}

// attempt sends one signed request. expired reports an expiry marker; in
// that case resp (if any) is already closed.
func (e *Executor) attempt(ctx context.Context, r *Request, snap credential.Snapshot) (*http.Response, []byte, bool, error) {
	req, err := e.build(ctx, r, e.baseURL)
	if err != nil {
		return nil, nil, false, err
	}

	if err := e.signer.Sign(req, snap); err != nil {
		if errors.Is(err, sign.ErrNoToken) {
			return nil, nil, true, nil
		}

		return nil, nil, false, errs.Wrap(errs.KindPrecondition, "", fmt.Errorf("signing request: %w", err))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, nil, false, classifyTransportErr(ctx, err)
	}

	body, err := bufferBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, nil, false, classifyTransportErr(ctx, err)
	}

	if e.inspector.AuthExpired(resp.StatusCode, body) {
		resp.Body.Close()
		return resp, body, true, nil
	}

	return resp, body, false, nil
}

// Fetch sends r unsigned, following redirects. Used for pre-authenticated
// URLs such as download redirects and pre-signed part URLs. Method defaults
// to GET. Non-2xx responses become BackendRejected.
func (e *Executor) Fetch(ctx context.Context, r *Request) (*http.Response, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	op := r.op()

	req, err := e.build(ctx, r, "")
	if err != nil {
		return nil, errs.WithOp(err, op)
	}

	resp, err := e.fetchClient.Do(req)
	if err != nil {
		return nil, errs.WithOp(classifyTransportErr(ctx, err), op)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody)) //nolint:errcheck // diagnostic only
	resp.Body.Close()

	rej := StatusInspector{}.Reject(resp.StatusCode, body)
	if rej == nil {
		rej = errs.Rejected(resp.StatusCode, "", "unexpected status")
	}

	rej.Op = op

	return nil, rej
}

// DoJSON sends r through Do and decodes a JSON response into out (skipped
// when out is nil). The body is always closed.
func (e *Executor) DoJSON(ctx context.Context, r *Request, out any) error {
	resp, err := e.Do(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return DecodeJSON(resp, r.op(), out)
}

func (e *Executor) build(ctx context.Context, r *Request, base string) (*http.Request, error) {
	target := r.URL
	if target == "" {
		target = base + r.Path
	}

	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}

		target += sep + r.Query.Encode()
	}

	var body io.Reader = http.NoBody
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, errs.Wrap(errs.KindPrecondition, "", fmt.Errorf("creating request: %w", err))
	}

	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("User-Agent", e.userAgent)

	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		ct := r.ContentType
		if ct == "" {
			ct = "application/json"
		}

		req.Header.Set("Content-Type", ct)
	}

	return req, nil
}

// bufferBody reads structured (JSON/XML) and non-2xx bodies up to
// maxBufferedBody and replaces resp.Body so the caller still sees the full
// stream. Binary success bodies are left untouched.
func bufferBody(resp *http.Response) ([]byte, error) {
	success := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	if success && !structured(resp.Header.Get("Content-Type")) {
		return nil, nil
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	resp.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), resp.Body), closer: resp.Body}

	return buf, nil
}

func structured(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") || strings.Contains(ct, "xml")
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

// classifyTransportErr maps a failed round trip to a Network error. Context
// cancellation stays visible through errors.Is.
func classifyTransportErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errs.Wrap(errs.KindNetwork, "", fmt.Errorf("request canceled: %w", ctxErr))
	}

	return errs.Wrap(errs.KindNetwork, "", err)
}
