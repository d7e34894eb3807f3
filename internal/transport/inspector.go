package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/tonimelisma/drivebridge/internal/errs"
)

// Inspector interprets backend responses. body holds the buffered response
// (nil for binary success bodies). Implementations must be pure.
type Inspector interface {
	// AuthExpired reports an access-token expiry marker.
	AuthExpired(status int, body []byte) bool
	// Reject returns the error a response represents, or nil to accept it.
	Reject(status int, body []byte) *errs.Error
}

// statusInsufficientStorage is returned by several drives when the account
// is full.
const statusInsufficientStorage = 507

// maxMessageLen bounds raw body text copied into error messages.
const maxMessageLen = 512

// StatusInspector classifies by HTTP status only: 401 is an expiry marker,
// 507 is QuotaExceeded, other 4xx/5xx are BackendRejected.
type StatusInspector struct{}

// AuthExpired implements Inspector.
func (StatusInspector) AuthExpired(status int, _ []byte) bool {
	return status == http.StatusUnauthorized
}

// Reject implements Inspector.
func (StatusInspector) Reject(status int, body []byte) *errs.Error {
	if status < http.StatusBadRequest {
		return nil
	}

	e := errs.Rejected(status, http.StatusText(status), truncate(string(body)))
	if status == statusInsufficientStorage {
		e.Kind = errs.KindQuotaExceeded
	}

	return e
}

// CodeInspector classifies by a backend error code extracted from the body,
// falling back to StatusInspector. Backends that report failures inside 2xx
// bodies return a non-empty code from Decode for those.
type CodeInspector struct {
	// Decode extracts the backend's code and message. An empty code means
	// the body carries no error.
	Decode func(status int, body []byte) (code, message string)
	// ExpiredCodes mark an expired access token regardless of status.
	ExpiredCodes []string
	// QuotaCodes map to QuotaExceeded.
	QuotaCodes []string
}

// AuthExpired implements Inspector.
func (c CodeInspector) AuthExpired(status int, body []byte) bool {
	code, _ := c.decode(status, body)
	if code != "" && slices.Contains(c.ExpiredCodes, code) {
		return true
	}

	return status == http.StatusUnauthorized && !slices.Contains(c.QuotaCodes, code)
}

// Reject implements Inspector.
func (c CodeInspector) Reject(status int, body []byte) *errs.Error {
	code, msg := c.decode(status, body)

	switch {
	case code != "" && slices.Contains(c.QuotaCodes, code):
		return &errs.Error{Kind: errs.KindQuotaExceeded, Status: status, Code: code, Message: msg}
	case code != "":
		return errs.Rejected(status, code, msg)
	default:
		e := StatusInspector{}.Reject(status, body)
		if e != nil && msg != "" {
			e.Message = msg
		}

		return e
	}
}

func (c CodeInspector) decode(status int, body []byte) (string, string) {
	if c.Decode == nil || len(body) == 0 {
		return "", ""
	}

	return c.Decode(status, body)
}

// JSONFields returns a Decode func reading top-level string fields codeKey
// and messageKey from a JSON object. A dotted key descends into nested
// objects ("error.code").
func JSONFields(codeKey, messageKey string) func(int, []byte) (string, string) {
	return func(_ int, body []byte) (string, string) {
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", ""
		}

		return lookupString(doc, codeKey), lookupString(doc, messageKey)
	}
}

func lookupString(doc map[string]any, key string) string {
	parts := strings.Split(key, ".")
	cur := doc

	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return ""
		}

		if i == len(parts)-1 {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				if t == 0 {
					return ""
				}

				return strconv.FormatFloat(t, 'f', -1, 64)
			default:
				return ""
			}
		}

		next, ok := v.(map[string]any)
		if !ok {
			return ""
		}

		cur = next
	}

	return ""
}

// Retryable reports whether err is worth retrying by a caller-level policy:
// Network errors other than cancellation, and rejections with a transient HTTP status (throttling,
// gateway and server unavailability).
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var te *errs.Error
	if !errors.As(err, &te) {
		return false
	}

	if te.Kind == errs.KindNetwork {
		return true
	}

	return te.Kind == errs.KindBackendRejected && retryableStatus(te.Status)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		// 509 Bandwidth Limit Exceeded (SharePoint).
		const statusBandwidthExceeded = 509
		return code == statusBandwidthExceeded
	}
}

// DecodeJSON decodes resp.Body into out, reporting a malformed body as
// BackendRejected under op. A nil out skips decoding.
func DecodeJSON(resp *http.Response, op string, out any) error {
	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errs.Error{
			Kind:    errs.KindBackendRejected,
			Op:      op,
			Status:  resp.StatusCode,
			Message: "malformed response body",
			Err:     err,
		}
	}

	return nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxMessageLen {
		return s[:maxMessageLen] + "..."
	}

	return s
}
