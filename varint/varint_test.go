package varint_test

import "math"
import "testing"

import "github.com/stretchr/testify/require"

import "github.com/sirgallo/prollytree/varint"

func TestEncodeSpecificVectors(t *testing.T) {
	cases := []struct {
		decoded uint64
		encoded []byte
	}{
		{0, []byte{0x01}},
		{1, []byte{0x03}},
		{127, []byte{0xFF}},
		{128, []byte{0x02, 0x02}},
		{255, []byte{0xFE, 0x03}},
		{8192, []byte{0x02, 0x80}},
		{16383, []byte{0xFE, 0xFF}},
		{16384, []byte{0x04, 0x00, 0x02}},
		{math.MaxUint64, append([]byte{0x00}, bytesOf(0xFF, 8)...)},
	}

	for _, c := range cases {
		t.Run("", func(t *testing.T) {
			require.Equal(t, c.encoded, varint.Encode(c.decoded))
		})
	}
}

func TestDecodeSpecificVectors(t *testing.T) {
	cases := []struct {
		decoded uint64
		encoded []byte
	}{
		{0, []byte{0x01}},
		{1, []byte{0x03}},
		{127, []byte{0xFF}},
		{128, []byte{0x02, 0x02}},
		{255, []byte{0xFE, 0x03}},
		{8192, []byte{0x02, 0x80}},
		{16383, []byte{0xFE, 0xFF}},
		{16384, []byte{0x04, 0x00, 0x02}},
		{math.MaxUint64, append([]byte{0x00}, bytesOf(0xFF, 8)...)},
	}

	for _, c := range cases {
		t.Run("", func(t *testing.T) {
			got, n := varint.Decode(c.encoded)
			require.Equal(t, c.decoded, got)
			require.Equal(t, len(c.encoded), n)
		})
	}
}

func TestRoundTripBoundaryValues(t *testing.T) {
	values := []uint64{
		0, 1,
		(1 << 7) - 1, 1 << 7,
		(1 << 14) - 1, 1 << 14,
		(1 << 21) - 1, 1 << 21,
		(1 << 28) - 1, 1 << 28,
		(1 << 35) - 1, 1 << 35,
		(1 << 42) - 1, 1 << 42,
		(1 << 49) - 1, 1 << 49,
		(1 << 56) - 1, 1 << 56,
		math.MaxUint64,
	}

	for _, v := range values {
		encoded := varint.Encode(v)
		decoded, n := varint.Decode(encoded)

		require.Equal(t, v, decoded)
		require.Equal(t, len(encoded), n)
	}
}

func TestRoundTripRandomValues(t *testing.T) {
	seed := uint64(0x9E3779B97F4A7C15)

	for i := 0; i < 2000; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		encoded := varint.Encode(seed)
		decoded, n := varint.Decode(encoded)

		require.Equal(t, seed, decoded)
		require.Equal(t, len(encoded), n)
	}
}

func TestLengthMatchesRule(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 16383, 16384, math.MaxUint64} {
		encoded := varint.Encode(v)
		require.Equal(t, len(encoded), varint.Len(encoded[0]))
	}
}

func TestDecodeToleratesTrailingBytes(t *testing.T) {
	encoded := varint.Encode(128)
	withTrailer := append(append([]byte{}, encoded...), 0xAA, 0xBB, 0xCC)

	got, n := varint.Decode(withTrailer)
	require.Equal(t, uint64(128), got)
	require.Equal(t, len(encoded), n)
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}

	return out
}
