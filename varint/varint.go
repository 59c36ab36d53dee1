// Package varint implements the prefix-varint encoding for unsigned 64-bit
// integers used throughout the page store and the Prolly tree node layouts.
//
// The format is bit-compatible with the encoding described here:
// https://github.com/WebAssembly/design/issues/601#issuecomment-196022303
package varint

import "encoding/binary"
import "math/bits"

// MaxLen is the largest number of bytes a single encoded value can occupy.
const MaxLen = 9

// unalignedLoadUint64 reads up to the first 8 bytes of p as a little-endian
// uint64, zero-filling anything beyond len(p).
func unalignedLoadUint64(p []byte) uint64 {
	var array [8]byte
	n := len(p)
	if n > 8 {
		n = 8
	}

	copy(array[:n], p[:n])
	return binary.LittleEndian.Uint64(array[:])
}

// Len returns the number of bytes occupied by an encoded value whose first
// byte is b. A zero byte signals the 9-byte form; otherwise the length is one
// plus the number of trailing zero bits in b.
func Len(b byte) int {
	return 1 + bits.TrailingZeros16(uint16(b)|0x100)
}

// Encode returns the prefix-varint encoding of x.
func Encode(x uint64) []byte {
	return EncodeAppend(x, nil)
}

// EncodeAppend appends the prefix-varint encoding of x to out and returns the
// extended slice.
func EncodeAppend(x uint64, out []byte) []byte {
	significantBits := 64 - bits.LeadingZeros64(x|1)
	length := 1 + (significantBits-1)/7

	v := x
	if significantBits > 56 {
		out = append(out, 0x00)
		length = 8
	} else {
		v = (x << uint(length)) | (1 << uint(length-1))
	}

	for i := 0; i < length; i++ {
		out = append(out, byte(v&0xff))
		v >>= 8
	}

	return out
}

// Decode reads a single prefix-varint value from the front of p, returning the
// decoded value and the number of bytes consumed. p must contain at least one
// byte; callers must ensure p is long enough to hold the frame indicated by
// Len(p[0]) — trailing bytes beyond the frame are ignored.
func Decode(p []byte) (uint64, int) {
	length := Len(p[0])
	if length < MaxLen {
		unused := uint(64 - 8*length)
		word := unalignedLoadUint64(p)
		return (word << unused) >> (unused + uint(length)), length
	}

	return unalignedLoadUint64(p[1:]), MaxLen
}
