package relic

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Resolver carries the first-phase result of serializing a value: the
// output positions of any out-of-line data the second-phase write needs to
// reference. Formats without out-of-line data return the zero Resolver.
type Resolver struct {
	// Pos is the output position of the value's out-of-line data.
	Pos int
}

// Format describes the archived representation of values of type T.
//
// Serialization is two-phase and the phases are never fused: Serialize
// writes any out-of-line data and returns a Resolver; Resolve writes the
// fixed-size representation into out, where at is the final buffer
// position out will occupy. Out-of-line positions are not known until
// resolution of earlier data completes, which is why the split exists.
//
// Load and Equal are fast-path reads and assume a validated or trusted
// buffer. Verify is the checked counterpart used by the validation engine.
//
// Mutable and Store form the in-place mutation capability: only formats
// whose representation carries no out-of-line metadata may be overwritten
// after construction, because a stored offset or length cannot be changed
// without invalidating the bytes it describes.
type Format[T any] interface {
	// Size returns the fixed width of the archived representation.
	Size() int

	// Align returns the required alignment of the archived representation.
	Align() int

	// Hash returns the 64-bit hash of a value. It must depend only on the
	// value so that hashes agree across processes.
	Hash(v T) uint64

	// Serialize writes any out-of-line data for v and returns a Resolver.
	Serialize(s *Serializer, v T) (Resolver, error)

	// Resolve writes the representation of v into out[:Size()], where at
	// is the final buffer position of out[0].
	Resolve(v T, r Resolver, out []byte, at int) error

	// Load reads the value at buf[at]. Trusted input only.
	Load(buf []byte, at int) T

	// Equal reports whether the archived value at buf[at] equals v,
	// without allocating. Trusted input only.
	Equal(buf []byte, at int, v T) bool

	// Verify checks the representation at position at, claiming any
	// out-of-line bytes it references.
	Verify(c *Validator, at int) error

	// Mutable reports whether Store is supported.
	Mutable() bool

	// Store overwrites the archived value at buf[at] in place, or returns
	// ErrImmutableValue when the format carries out-of-line data.
	Store(buf []byte, at int, v T) error
}

// Uint64Format archives uint64 values as 8 little-endian bytes.
type Uint64Format struct{}

func (Uint64Format) Size() int  { return 8 }
func (Uint64Format) Align() int { return 8 }

func (Uint64Format) Hash(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}

func (Uint64Format) Serialize(_ *Serializer, _ uint64) (Resolver, error) {
	return Resolver{}, nil
}

func (Uint64Format) Resolve(v uint64, _ Resolver, out []byte, _ int) error {
	binary.LittleEndian.PutUint64(out, v)
	return nil
}

func (Uint64Format) Load(buf []byte, at int) uint64 {
	return binary.LittleEndian.Uint64(buf[at:])
}

func (f Uint64Format) Equal(buf []byte, at int, v uint64) bool {
	return f.Load(buf, at) == v
}

func (Uint64Format) Verify(_ *Validator, _ int) error { return nil }

func (Uint64Format) Mutable() bool { return true }

func (Uint64Format) Store(buf []byte, at int, v uint64) error {
	binary.LittleEndian.PutUint64(buf[at:], v)
	return nil
}

// Int64Format archives int64 values as 8 little-endian two's-complement
// bytes.
type Int64Format struct{}

func (Int64Format) Size() int  { return 8 }
func (Int64Format) Align() int { return 8 }

func (Int64Format) Hash(v int64) uint64 {
	return Uint64Format{}.Hash(uint64(v))
}

func (Int64Format) Serialize(_ *Serializer, _ int64) (Resolver, error) {
	return Resolver{}, nil
}

func (Int64Format) Resolve(v int64, _ Resolver, out []byte, _ int) error {
	binary.LittleEndian.PutUint64(out, uint64(v))
	return nil
}

func (Int64Format) Load(buf []byte, at int) int64 {
	return int64(binary.LittleEndian.Uint64(buf[at:]))
}

func (f Int64Format) Equal(buf []byte, at int, v int64) bool {
	return f.Load(buf, at) == v
}

func (Int64Format) Verify(_ *Validator, _ int) error { return nil }

func (Int64Format) Mutable() bool { return true }

func (Int64Format) Store(buf []byte, at int, v int64) error {
	binary.LittleEndian.PutUint64(buf[at:], uint64(v))
	return nil
}

// Uint32Format archives uint32 values as 4 little-endian bytes.
type Uint32Format struct{}

func (Uint32Format) Size() int  { return 4 }
func (Uint32Format) Align() int { return 4 }

func (Uint32Format) Hash(v uint32) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return xxhash.Sum64(b[:])
}

func (Uint32Format) Serialize(_ *Serializer, _ uint32) (Resolver, error) {
	return Resolver{}, nil
}

func (Uint32Format) Resolve(v uint32, _ Resolver, out []byte, _ int) error {
	binary.LittleEndian.PutUint32(out, v)
	return nil
}

func (Uint32Format) Load(buf []byte, at int) uint32 {
	return binary.LittleEndian.Uint32(buf[at:])
}

func (f Uint32Format) Equal(buf []byte, at int, v uint32) bool {
	return f.Load(buf, at) == v
}

func (Uint32Format) Verify(_ *Validator, _ int) error { return nil }

func (Uint32Format) Mutable() bool { return true }

func (Uint32Format) Store(buf []byte, at int, v uint32) error {
	binary.LittleEndian.PutUint32(buf[at:], v)
	return nil
}

// StringFormat archives strings as an int32 offset to out-of-line bytes
// followed by a uint32 length. The offset is relative to the field's own
// position.
type StringFormat struct{}

func (StringFormat) Size() int  { return 8 }
func (StringFormat) Align() int { return 4 }

func (StringFormat) Hash(v string) uint64 {
	return xxhash.Sum64String(v)
}

// Serialize writes the string bytes at the current output position.
func (StringFormat) Serialize(s *Serializer, v string) (Resolver, error) {
	at := s.Pos()
	if _, err := s.Write([]byte(v)); err != nil {
		return Resolver{}, err
	}
	return Resolver{Pos: at}, nil
}

func (StringFormat) Resolve(v string, r Resolver, out []byte, at int) error {
	if uint64(len(v)) > math.MaxUint32 {
		return fmt.Errorf("%w: string length %d", ErrLayoutOverflow, len(v))
	}
	if err := EmplaceOffset[int32](out[0:4], at, r.Pos); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(v)))
	return nil
}

// Load returns the archived string. The result aliases the buffer and must
// be treated as immutable.
func (StringFormat) Load(buf []byte, at int) string {
	target := OffsetTarget[int32](buf, at)
	n := int(binary.LittleEndian.Uint32(buf[at+4:]))
	if n == 0 {
		return ""
	}
	return unsafe.String(&buf[target], n)
}

func (StringFormat) Equal(buf []byte, at int, v string) bool {
	n := int(binary.LittleEndian.Uint32(buf[at+4:]))
	if n != len(v) {
		return false
	}
	target := OffsetTarget[int32](buf, at)
	return string(buf[target:target+n]) == v
}

// Verify bounds-checks the offset and claims the out-of-line bytes as a
// subtree so no sibling can claim them again.
func (StringFormat) Verify(c *Validator, at int) error {
	off := offsetValue[int32](c.buf[at:])
	n := int(binary.LittleEndian.Uint32(c.buf[at+4:]))
	target, err := c.CheckPointer(at, off)
	if err != nil {
		return err
	}
	if err := c.CheckLayout(target, n, 1); err != nil {
		return err
	}
	tok, err := c.PushPrefixSubtree(target, target+n)
	if err != nil {
		return err
	}
	return c.PopPrefixRange(tok)
}

func (StringFormat) Mutable() bool { return false }

func (StringFormat) Store(_ []byte, _ int, _ string) error {
	return ErrImmutableValue
}
