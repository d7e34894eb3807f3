package quickxorhash

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumOf(p []byte) string {
	h := New()
	h.Write(p)

	return Encode(h.Sum(nil))
}

// Reference digests as reported by OneDrive for the same content.
func TestKnownVectors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"empty", nil, "AAAAAAAAAAAAAAAAAAAAAAAAAAA="},
		{"hello", []byte("hello"), "aCgDG9jwBgAAAAAABQAAAAAAAAA="},
		{"hello world", []byte("hello world"), "aCgDG9jwBhDc4Q1yawMZAAAAAAA="},
		{"1000 zero bytes", make([]byte, 1000), "AAAAAAAAAAAAAAAA6AMAAAAAAAA="},
		{"1000 0xFF bytes", bytes.Repeat([]byte{0xFF}, 1000), "Yxvb2MY2trGNbWxj89jYOc5xjnM="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sumOf(tt.input))
		})
	}
}

func TestSplitWritesMatchOneShot(t *testing.T) {
	input := make([]byte, 1024)
	for i := range input {
		input[i] = byte(i)
	}

	require.Equal(t, "h7xr2dbCayZCQYR9KKhlwDuT4UI=", sumOf(input))

	h := New()
	rest := input

	for _, n := range []int{1, 7, 64, 13, 128, 161} {
		h.Write(rest[:n])
		rest = rest[n:]
	}

	h.Write(rest)
	assert.Equal(t, "h7xr2dbCayZCQYR9KKhlwDuT4UI=", Encode(h.Sum(nil)))

	h.Reset()
	for _, b := range input {
		h.Write([]byte{b})
	}

	assert.Equal(t, "h7xr2dbCayZCQYR9KKhlwDuT4UI=", Encode(h.Sum(nil)), "byte at a time")
}

func TestSumKeepsStateAndAppends(t *testing.T) {
	h := New()
	h.Write([]byte("hello"))

	first := h.Sum(nil)
	assert.Equal(t, first, h.Sum(nil))

	out := h.Sum([]byte("PREFIX"))
	assert.Equal(t, []byte("PREFIX"), out[:6])
	assert.Len(t, out, 6+Size)

	h.Reset()
	h.Write([]byte("world"))
	assert.Equal(t, sumOf([]byte("world")), Encode(h.Sum(nil)))
	assert.NotEqual(t, first, h.Sum(nil))

	assert.Equal(t, Size, h.Size())
	assert.Equal(t, BlockSize, h.BlockSize())
}
