package relic

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/rkyv/relic/internal/sizing"
)

const defaultMaxSubtreeDepth = 1024

// Validator proves that a byte buffer is a well-formed archive before any
// zero-copy view is handed out. It tracks a shrinking prefix range: data is
// archived with children before parents, so claiming a subtree lowers the
// ceiling under which the subtree's own children must live. The ceiling
// model makes pointer cycles unrepresentable, since a child can never
// reference bytes at or above its parent.
//
// A Validator is single-use and not safe for concurrent use. Independent
// buffers may be validated concurrently with independent Validators.
type Validator struct {
	buf      []byte
	end      int
	depth    int
	maxDepth int
	claims   map[int]string
	logger   *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithMaxSubtreeDepth bounds how deep subtree ranges may nest. The default
// is 1024.
func WithMaxSubtreeDepth(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.maxDepth = n
		}
	}
}

// WithValidatorLogger sets the logger for validation diagnostics. Logging
// is discarded by default.
func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator creates a Validator over buf. The buffer must not be
// mutated while validation is in progress.
func NewValidator(buf []byte, opts ...ValidatorOption) *Validator {
	v := &Validator{
		buf:      buf,
		end:      len(buf),
		maxDepth: defaultMaxSubtreeDepth,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Validator) log() *slog.Logger {
	if v.logger != nil {
		return v.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Bytes returns the buffer under validation.
func (v *Validator) Bytes() []byte {
	return v.buf
}

// Range is the token returned by PushPrefixSubtree. It restores the
// enclosing range when passed to PopPrefixRange.
type Range struct {
	end   int
	depth int
}

// CheckPointer computes base + off at full width and proves the target
// lands inside the buffer. This is the checked counterpart of
// OffsetTarget: the arithmetic happens before bounds are known, so it
// must not be narrowed or assumed in range. Confinement to the current
// subtree range is CheckLayout's job, so an escape into a sibling's bytes
// reports as an overrun, not as out of bounds.
func (v *Validator) CheckPointer(base int, off int64) (int, error) {
	if off > 0 && int64(base) > math.MaxInt64-off {
		return 0, fmt.Errorf("%w: base %d offset %d", ErrAddressOverflow, base, off)
	}
	target := int64(base) + off
	if target < 0 || target > int64(len(v.buf)) {
		return 0, fmt.Errorf("%w: target %d outside [0, %d]", ErrOutOfBounds, target, len(v.buf))
	}
	return int(target), nil
}

// CheckLayout proves that size bytes at position at satisfy the alignment
// and fit inside the current subtree range. align must be a positive power
// of two. An extent reaching past the range's end is an overrun even when
// the position alone is past it, so every ceiling escape reports uniformly.
func (v *Validator) CheckLayout(at, size, align int) error {
	if at < 0 {
		return fmt.Errorf("%w: position %d", ErrOutOfBounds, at)
	}
	if at&(align-1) != 0 {
		return fmt.Errorf("%w: position %d requires alignment %d", ErrUnaligned, at, align)
	}
	end, ok := sizing.AddInt(at, size)
	if !ok {
		return fmt.Errorf("%w: position %d size %d", ErrAddressOverflow, at, size)
	}
	if end > v.end {
		return fmt.Errorf("%w: extent [%d, %d) exceeds end %d", ErrSubtreeOverrun, at, end, v.end)
	}
	return nil
}

// PushPrefixSubtree claims the extent [root, end) as the node being
// validated and narrows the range so its children must live before root.
// The returned token must be passed to PopPrefixRange on every path,
// including errors.
func (v *Validator) PushPrefixSubtree(root, end int) (Range, error) {
	if v.depth >= v.maxDepth {
		return Range{}, fmt.Errorf("%w: depth %d", ErrMaxDepthExceeded, v.maxDepth)
	}
	if root < 0 || end < root || end > v.end {
		return Range{}, fmt.Errorf("%w: extent [%d, %d) exceeds end %d", ErrSubtreeOverrun, root, end, v.end)
	}
	tok := Range{end: v.end, depth: v.depth + 1}
	v.end = root
	v.depth++
	return tok, nil
}

// PopPrefixRange restores the range claimed before the matching push.
// Tokens must be popped in exact reverse order of their pushes.
func (v *Validator) PopPrefixRange(tok Range) error {
	if tok.depth != v.depth {
		return fmt.Errorf("%w: token depth %d, current depth %d", ErrRangePoppedOutOfOrder, tok.depth, v.depth)
	}
	v.end = tok.end
	v.depth--
	return nil
}

// Finish reports whether validation ended with a balanced range stack.
func (v *Validator) Finish() error {
	if v.depth != 0 {
		return fmt.Errorf("%w: %d remaining", ErrUnpoppedSubtreeRanges, v.depth)
	}
	v.log().Debug("validation finished", "bytes", len(v.buf), "claims", len(v.claims))
	return nil
}

// Register records that the value at position at with the given type tag
// has been validated. It returns true when the position was already
// registered under the same tag, letting shared references skip
// re-validation. A position claimed under two different tags is corrupt.
func (v *Validator) Register(at int, tag string) (bool, error) {
	if v.claims == nil {
		v.claims = make(map[int]string)
	}
	if prev, ok := v.claims[at]; ok {
		if prev != tag {
			return false, fmt.Errorf("%w: position %d claimed as %q and %q", ErrTypeMismatch, at, prev, tag)
		}
		return true, nil
	}
	v.claims[at] = tag
	return false, nil
}
