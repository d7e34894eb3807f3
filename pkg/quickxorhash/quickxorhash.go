// Package quickxorhash implements QuickXorHash, the content hash OneDrive
// reports for every file. Each input byte is XORed into a 160-bit circular
// register at a bit offset that advances by 11 per byte; the digest is the
// register with the little-endian input length XORed into its last 8 bytes.
package quickxorhash

import (
	"encoding/base64"
	"encoding/binary"
	"hash"
)

const (
	// Size is the length, in bytes, of a QuickXorHash digest.
	Size = 20

	// BlockSize is the preferred input block size for the hash, in bytes.
	BlockSize = 64

	shift = 11
	width = Size * 8
)

type digest struct {
	reg    [Size]byte
	offset int // bit offset of the next byte in reg
	length uint64
}

// New returns a new hash.Hash computing QuickXorHash.
func New() hash.Hash {
	return &digest{}
}

// Write XORs p into the register. It never fails.
func (d *digest) Write(p []byte) (int, error) {
	off := d.offset

	for _, b := range p {
		idx, bit := off/8, uint(off%8)
		d.reg[idx] ^= b << bit

		if bit != 0 {
			d.reg[(idx+1)%Size] ^= b >> (8 - bit)
		}

		off += shift
		if off >= width {
			off -= width
		}
	}

	d.offset = off
	d.length += uint64(len(p))

	return len(p), nil
}

// Sum appends the digest to b without changing the hash state.
func (d *digest) Sum(b []byte) []byte {
	out := d.reg

	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], d.length)

	for i, v := range n {
		out[Size-len(n)+i] ^= v
	}

	return append(b, out[:]...)
}

// Reset clears the hash state.
func (d *digest) Reset() {
	*d = digest{}
}

// Size returns Size.
func (d *digest) Size() int {
	return Size
}

// BlockSize returns BlockSize.
func (d *digest) BlockSize() int {
	return BlockSize
}

// Encode returns the digest in the base64 form the Graph API reports.
func Encode(sum []byte) string {
	return base64.StdEncoding.EncodeToString(sum)
}
