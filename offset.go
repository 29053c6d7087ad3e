package relic

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Storage enumerates the integer types an offset may be stored as. The
// width and signedness are format-control choices; the encoding is always
// little-endian, and the stored bits are always interpreted as a
// two's-complement displacement.
type Storage interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// storageSize returns the encoded width of S in bytes.
func storageSize[S Storage]() int {
	var s S
	switch any(s).(type) {
	case int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32:
		return 4
	default:
		return 8
	}
}

// storageRange returns the displacements representable by S. Unsigned
// storage admits only non-negative displacements.
func storageRange[S Storage]() (lo, hi int64) {
	var s S
	switch any(s).(type) {
	case int8:
		return math.MinInt8, math.MaxInt8
	case int16:
		return math.MinInt16, math.MaxInt16
	case int32:
		return math.MinInt32, math.MaxInt32
	case int64:
		return math.MinInt64, math.MaxInt64
	case uint8:
		return 0, math.MaxUint8
	case uint16:
		return 0, math.MaxUint16
	case uint32:
		return 0, math.MaxUint32
	default:
		// Positions are machine-word ints, so wider displacements cannot
		// arise during construction.
		return 0, math.MaxInt64
	}
}

// OffsetBetween computes the displacement from one buffer position to
// another, as storage type S. It fails with ErrOffsetRange when the
// distance does not fit S.
func OffsetBetween[S Storage](from, to int) (S, error) {
	d := int64(to) - int64(from)
	lo, hi := storageRange[S]()
	if d < lo || d > hi {
		return 0, fmt.Errorf("%w: distance %d from %d to %d", ErrOffsetRange, d, from, to)
	}
	return S(d), nil
}

// EmplaceOffset computes the displacement from fieldPos to target and
// writes it into field, which must hold at least the storage width. This is
// the second-phase write of the place/resolve protocol.
func EmplaceOffset[S Storage](field []byte, fieldPos, target int) error {
	v, err := OffsetBetween[S](fieldPos, target)
	if err != nil {
		return err
	}
	putStorage(field, v)
	return nil
}

// OffsetTarget reads the offset stored at buf[at] and returns the position
// it addresses.
//
// This is the fast path: it assumes the offset was already proven in
// bounds, either by validation or because the buffer came from a trusted
// serializer. Verifiers must use Validator.CheckPointer instead, which
// performs the same arithmetic at full width before bounds are confirmed.
func OffsetTarget[S Storage](buf []byte, at int) int {
	return at + int(offsetValue[S](buf[at:]))
}

// offsetValue decodes the stored displacement at full width. Signed
// storage sign-extends; unsigned 64-bit values above MaxInt64 deliberately
// wrap, leaving out-of-range targets for bounds checks to reject.
func offsetValue[S Storage](b []byte) int64 {
	return int64(loadStorage[S](b))
}

func putStorage[S Storage](b []byte, v S) {
	switch storageSize[S]() {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

func loadStorage[S Storage](b []byte) S {
	// Route through the same-width signed type so that sign extension is
	// correct for signed S; for unsigned S the conversion keeps the bits.
	switch storageSize[S]() {
	case 1:
		return S(int8(b[0]))
	case 2:
		return S(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return S(int32(binary.LittleEndian.Uint32(b)))
	default:
		return S(int64(binary.LittleEndian.Uint64(b)))
	}
}
