package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKindSentinel(t *testing.T) {
	tests := []struct {
		kind     Kind
		sentinel error
	}{
		{KindAuthExpired, ErrAuthExpired},
		{KindAuthRefreshFailed, ErrAuthRefreshFailed},
		{KindNetwork, ErrNetwork},
		{KindBackendRejected, ErrBackendRejected},
		{KindIntegrityMismatch, ErrIntegrityMismatch},
		{KindQuotaExceeded, ErrQuotaExceeded},
		{KindPrecondition, ErrPrecondition},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("outer: %w", New(tt.kind, "op", "msg"))
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	err := Wrap(KindNetwork, "upload part 2", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrAuthExpired)
}

func TestError_MessageKeepsBackendDiagnostics(t *testing.T) {
	err := Rejected(403, "AccessDenied", "bucket policy forbids PutObject")

	msg := err.Error()
	assert.Contains(t, msg, "backend_rejected")
	assert.Contains(t, msg, "HTTP 403")
	assert.Contains(t, msg, "[AccessDenied]")
	assert.Contains(t, msg, "bucket policy forbids PutObject")
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWithOp(t *testing.T) {
	base := Rejected(400, "BadDigest", "checksum")
	annotated := WithOp(base, "commit")

	var te *Error
	assert.True(t, errors.As(annotated, &te))
	assert.Equal(t, "commit", te.Op)
	assert.Empty(t, base.Op, "original must not be mutated")

	plain := errors.New("plain")
	assert.Equal(t, plain, WithOp(plain, "commit"))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(New(KindNetwork, "", "")))
	assert.True(t, IsFatal(New(KindQuotaExceeded, "", "")))
	assert.True(t, IsFatal(New(KindAuthRefreshFailed, "", "")))
}
