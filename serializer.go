package relic

// Serializer accumulates archive output. Writes are append-only; positions
// returned by Pos, Align, and Reserve are final, which is what lets the
// second phase of the place/resolve protocol emplace offsets against them.
//
// A Serializer also owns a scratch arena for temporary construction blocks
// (such as a hash table's bucket storage before it is emitted). Scratch
// frames follow stack discipline: they must be released in exact reverse
// order of acquisition, on every path including errors.
type Serializer struct {
	buf     []byte
	scratch scratchArena
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithBufferCapacity preallocates the output buffer.
func WithBufferCapacity(n int) SerializerOption {
	return func(s *Serializer) {
		if n > 0 && cap(s.buf) < n {
			s.buf = make([]byte, len(s.buf), n)
		}
	}
}

// NewSerializer creates an empty Serializer.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pos returns the current output position.
func (s *Serializer) Pos() int {
	return len(s.buf)
}

// Write appends p to the output. It implements io.Writer and never fails.
func (s *Serializer) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Align pads the output with zero bytes until the position is a multiple
// of align, and returns the new position. align must be a positive power
// of two.
func (s *Serializer) Align(align int) int {
	for len(s.buf)&(align-1) != 0 {
		s.buf = append(s.buf, 0)
	}
	return len(s.buf)
}

// Reserve appends n zero bytes and returns the position of the first.
// The caller fills the reservation later through slice access.
func (s *Serializer) Reserve(n int) int {
	at := len(s.buf)
	s.buf = append(s.buf, make([]byte, n)...)
	return at
}

// Bytes returns the output accumulated so far. The slice aliases the
// serializer's buffer and is invalidated by further writes.
func (s *Serializer) Bytes() []byte {
	return s.buf
}

// slice exposes a reserved region for second-phase writes.
func (s *Serializer) slice(at, n int) []byte {
	return s.buf[at : at+n]
}

// AcquireScratch returns a zeroed block of n bytes from the scratch arena
// along with the frame token needed to release it. The block is only valid
// until the next acquisition.
func (s *Serializer) AcquireScratch(n int) ([]byte, ScratchFrame) {
	return s.scratch.acquire(n)
}

// ReleaseScratch returns a frame to the arena. Frames must be released in
// exact reverse order of acquisition; ErrScratchOutOfOrder otherwise.
func (s *Serializer) ReleaseScratch(f ScratchFrame) error {
	return s.scratch.release(f)
}

// ScratchFrame identifies an acquired scratch block.
type ScratchFrame struct {
	index int
}

// scratchArena hands out temporary blocks from one growing allocation.
// Stack discipline keeps the arena reusable across serializations: an
// unreleased or misordered frame would corrupt later acquisitions, so
// release is enforced rather than assumed.
type scratchArena struct {
	buf    []byte
	frames []int
}

func (a *scratchArena) acquire(n int) ([]byte, ScratchFrame) {
	off := len(a.buf)
	a.buf = append(a.buf, make([]byte, n)...)
	a.frames = append(a.frames, off)
	return a.buf[off : off+n], ScratchFrame{index: len(a.frames) - 1}
}

func (a *scratchArena) release(f ScratchFrame) error {
	if f.index != len(a.frames)-1 {
		return ErrScratchOutOfOrder
	}
	a.buf = a.buf[:a.frames[f.index]]
	a.frames = a.frames[:f.index]
	return nil
}
