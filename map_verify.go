package relic

import (
	"encoding/binary"
	"fmt"

	"github.com/rkyv/relic/internal/group"
	"github.com/rkyv/relic/internal/sizing"
)

// VerifyMap checks the table whose header the caller has already claimed at
// position at. It proves the header fields are coherent, claims the table
// block as a subtree, walks the control bytes verifying every occupied
// entry, and checks the wraparound duplication byte for byte.
func VerifyMap[K, V any](c *Validator, at int, kf Format[K], vf Format[V]) error {
	buf := c.Bytes()
	count := int(binary.LittleEndian.Uint32(buf[at+4:]))
	capacity := int(binary.LittleEndian.Uint32(buf[at+8:]))
	if capacity == 0 {
		if count != 0 {
			return fmt.Errorf("%w: len %d, cap 0", ErrInvalidLength, count)
		}
		return nil
	}
	if count >= capacity {
		return fmt.Errorf("%w: len %d, cap %d", ErrInvalidLength, count, capacity)
	}

	pivot, err := c.CheckPointer(at, offsetValue[int32](buf[at:]))
	if err != nil {
		return err
	}
	lay := layoutEntry(kf, vf)
	entriesSize, ok := sizing.MulInt(capacity, lay.size)
	if !ok {
		return fmt.Errorf("%w: %d buckets of %d bytes", ErrLayoutOverflow, capacity, lay.size)
	}
	controlCount, ok := sizing.AddInt(capacity, group.Width-1)
	if !ok {
		return fmt.Errorf("%w: %d buckets", ErrLayoutOverflow, capacity)
	}
	blockSize, ok := sizing.AddInt(entriesSize, controlCount)
	if !ok {
		return fmt.Errorf("%w: %d buckets", ErrLayoutOverflow, capacity)
	}
	blockStart := pivot - entriesSize
	if err := c.CheckLayout(blockStart, blockSize, lay.align); err != nil {
		return err
	}

	tok, err := c.PushPrefixSubtree(blockStart, blockStart+blockSize)
	if err != nil {
		return err
	}
	verr := verifyTable[K, V](c, pivot, count, capacity, controlCount, lay, kf, vf)
	if perr := c.PopPrefixRange(tok); verr == nil {
		verr = perr
	}
	return verr
}

func verifyTable[K, V any](
	c *Validator,
	pivot, count, capacity, controlCount int,
	lay entryLayout,
	kf Format[K],
	vf Format[V],
) error {
	buf := c.Bytes()
	ctrl := buf[pivot : pivot+controlCount]

	occupied := 0
	for base := 0; base < capacity; base += group.ChunkWidth {
		for set := group.Load(ctrl, base).MatchFull(); set.Any(); set = set.Remove(set.First()) {
			bucket := base + set.First()
			if bucket >= capacity {
				break
			}
			occupied++
			at := pivot - (bucket+1)*lay.size
			if err := kf.Verify(c, at); err != nil {
				return fmt.Errorf("bucket %d key: %w", bucket, err)
			}
			if err := vf.Verify(c, at+lay.valOff); err != nil {
				return fmt.Errorf("bucket %d value: %w", bucket, err)
			}
		}
	}
	if occupied != count {
		return fmt.Errorf("%w: len %d, %d occupied buckets", ErrLengthMismatch, count, occupied)
	}

	wrapEnd := min(2*capacity, controlCount)
	for i := capacity; i < wrapEnd; i++ {
		if ctrl[i] != ctrl[i-capacity] {
			return fmt.Errorf("%w: index %d is %#02x, base %d is %#02x",
				ErrUnwrappedControlByte, i, ctrl[i], i-capacity, ctrl[i-capacity])
		}
	}
	return nil
}

// ValidateMap proves that buf holds a well-formed table rooted at position
// at. It never panics on corrupt input; every failure is one of the typed
// validation errors.
func ValidateMap[K, V any](buf []byte, at int, kf Format[K], vf Format[V], opts ...ValidatorOption) error {
	c := NewValidator(buf, opts...)
	if err := c.CheckLayout(at, mapHeaderSize, mapHeaderAlign); err != nil {
		return err
	}
	tok, err := c.PushPrefixSubtree(at, at+mapHeaderSize)
	if err != nil {
		return err
	}
	verr := VerifyMap(c, at, kf, vf)
	if perr := c.PopPrefixRange(tok); verr == nil {
		verr = perr
	}
	if verr != nil {
		return verr
	}
	return c.Finish()
}

// OpenMap validates buf and returns a view of the table at position at.
// This is the entry point for untrusted bytes; UncheckedMap skips the
// validation for buffers this process just built.
func OpenMap[K, V any](buf []byte, at int, kf Format[K], vf Format[V], opts ...ValidatorOption) (Map[K, V], error) {
	if err := ValidateMap(buf, at, kf, vf, opts...); err != nil {
		return Map[K, V]{}, err
	}
	return UncheckedMap(buf, at, kf, vf), nil
}
