package relic

import "errors"

// Arithmetic and layout errors. These are fatal to the operation in
// progress and are never retried internally.
var (
	// ErrAddressOverflow is returned when position arithmetic would
	// overflow a machine-word signed integer.
	ErrAddressOverflow = errors.New("relic: address computation overflows")

	// ErrOffsetRange is returned when a displacement does not fit the
	// chosen offset storage width.
	ErrOffsetRange = errors.New("relic: offset exceeds storage range")

	// ErrLayoutOverflow is returned when a size or alignment computation
	// overflows.
	ErrLayoutOverflow = errors.New("relic: layout size overflows")

	// ErrIteratorLengthMismatch is returned when an iterator produces a
	// different number of items than its declared length. This indicates
	// a caller bug.
	ErrIteratorLengthMismatch = errors.New("relic: iterator length mismatch")

	// ErrInvalidLoadFactor is returned when a load factor is not a ratio
	// in (0, 1].
	ErrInvalidLoadFactor = errors.New("relic: invalid load factor")
)

// Buffer-shape errors reported by the validation engine. Each names the
// exact invariant that failed; none is ever coerced to a best-effort value.
var (
	// ErrOutOfBounds is returned when a pointer target lands outside the
	// buffer.
	ErrOutOfBounds = errors.New("relic: pointer out of bounds")

	// ErrUnaligned is returned when a position does not satisfy the
	// required alignment.
	ErrUnaligned = errors.New("relic: unaligned position")

	// ErrSubtreeOverrun is returned when a byte extent escapes the current
	// subtree range.
	ErrSubtreeOverrun = errors.New("relic: extent overruns subtree range")

	// ErrMaxDepthExceeded is returned when validation descends deeper than
	// the configured maximum subtree depth.
	ErrMaxDepthExceeded = errors.New("relic: exceeded maximum subtree depth")

	// ErrRangePoppedOutOfOrder is returned when subtree ranges are not
	// popped in exact reverse order of their pushes.
	ErrRangePoppedOutOfOrder = errors.New("relic: subtree range popped out of order")

	// ErrUnpoppedSubtreeRanges is returned by Finish when subtree ranges
	// remain pushed.
	ErrUnpoppedSubtreeRanges = errors.New("relic: unpopped subtree ranges")

	// ErrInvalidLength is returned when a table header claims len >= cap.
	ErrInvalidLength = errors.New("relic: length not below capacity")

	// ErrLengthMismatch is returned when the number of occupied buckets
	// found by scanning differs from the header length.
	ErrLengthMismatch = errors.New("relic: length does not match occupied buckets")

	// ErrUnwrappedControlByte is returned when a wraparound control byte
	// does not duplicate its base byte.
	ErrUnwrappedControlByte = errors.New("relic: unwrapped control byte")

	// ErrTypeMismatch is returned when the same buffer position is claimed
	// under two different type tags.
	ErrTypeMismatch = errors.New("relic: shared claim type mismatch")
)

// Access and container errors.
var (
	// ErrKeyNotFound is returned by Update when no entry matches the key.
	ErrKeyNotFound = errors.New("relic: key not found")

	// ErrImmutableValue is returned when storing in place through a format
	// that carries out-of-line data.
	ErrImmutableValue = errors.New("relic: value is immutable in place")

	// ErrScratchOutOfOrder is returned when scratch frames are released in
	// a different order than they were acquired.
	ErrScratchOutOfOrder = errors.New("relic: scratch released out of order")

	// ErrBadMagic is returned when container data does not start with the
	// expected magic bytes.
	ErrBadMagic = errors.New("relic: bad container magic")

	// ErrUnknownCompression is returned when a container declares a
	// compression tag this build does not understand.
	ErrUnknownCompression = errors.New("relic: unknown compression")

	// ErrTooLarge is returned when container payload exceeds the
	// configured size limit.
	ErrTooLarge = errors.New("relic: payload exceeds size limit")

	// ErrCorruptContainer is returned when container payload does not
	// match its declared size.
	ErrCorruptContainer = errors.New("relic: corrupt container payload")
)
