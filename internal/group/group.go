// Package group implements scanning of hash-table control bytes in
// fixed-width chunks.
//
// The logical probe-group width is a format constant: it decides how many
// control bytes are duplicated past the nominal end of the control array
// and how far each probe step advances. The chunk width is an
// implementation detail of the scan backend and must not affect output
// bytes. This backend compares eight bytes at a time through bit tricks
// (SWAR, SIMD within a register).
package group

import (
	"encoding/binary"
	"math/bits"
)

const (
	// Width is the logical probe-group width in control bytes.
	Width = 16

	// ChunkWidth is the number of control bytes scanned per step.
	ChunkWidth = 8

	// Empty tags an unoccupied bucket. Occupied buckets store a 7-bit
	// hash fragment with the high bit clear.
	Empty = 0xFF
)

const (
	bitsetLSB = 0x0101010101010101
	bitsetMSB = 0x8080808080808080
)

// Chunk holds ChunkWidth control bytes in little-endian order. A chunk may
// start at any control byte; reads are not aligned to chunk boundaries.
type Chunk uint64

// Load reads the chunk starting at ctrl[at].
func Load(ctrl []byte, at int) Chunk {
	return Chunk(binary.LittleEndian.Uint64(ctrl[at:]))
}

// Bitset marks a set of byte lanes within a chunk. Each marked lane has the
// high bit of its byte set, which keeps whole-chunk computation cheap.
type Bitset uint64

// Any reports whether the set is non-empty.
func (b Bitset) Any() bool {
	return b != 0
}

// First returns the lowest marked lane. Only valid when Any is true.
func (b Bitset) First() int {
	return bits.TrailingZeros64(uint64(b)) >> 3
}

// Remove clears the given lane.
func (b Bitset) Remove(lane int) Bitset {
	return b &^ (Bitset(0x80) << (lane << 3))
}

// MatchByte returns the lanes whose control byte equals v. The SWAR
// comparison can produce false positives when v appears split across two
// adjacent bytes; callers must confirm candidates against entry data, which
// probing does anyway.
func (c Chunk) MatchByte(v byte) Bitset {
	x := uint64(c) ^ (bitsetLSB * uint64(v))
	return Bitset(((x - bitsetLSB) &^ x) & bitsetMSB)
}

// MatchEmpty returns the lanes holding an empty tag. Occupied bytes have
// the high bit clear, so the high bit alone distinguishes the two.
func (c Chunk) MatchEmpty() Bitset {
	return Bitset(uint64(c) & bitsetMSB)
}

// MatchFull returns the lanes holding an occupied bucket.
func (c Chunk) MatchFull() Bitset {
	return Bitset(^uint64(c) & bitsetMSB)
}
