package relic

import (
	"encoding/binary"
	"fmt"
	"iter"
	"maps"

	"github.com/rkyv/relic/internal/group"
	"github.com/rkyv/relic/internal/sizing"
)

// LoadFactor bounds the ratio of occupied to total buckets as a fraction.
type LoadFactor struct {
	Num int
	Den int
}

// DefaultLoadFactor fills tables to at most 7/8.
var DefaultLoadFactor = LoadFactor{Num: 7, Den: 8}

func (lf LoadFactor) validate() error {
	if lf.Num <= 0 || lf.Den <= 0 || lf.Num > lf.Den {
		return fmt.Errorf("%w: %d/%d", ErrInvalidLoadFactor, lf.Num, lf.Den)
	}
	return nil
}

type buildConfig struct {
	loadFactor LoadFactor
}

// BuildOption configures table construction.
type BuildOption func(*buildConfig)

// WithLoadFactor overrides DefaultLoadFactor.
func WithLoadFactor(lf LoadFactor) BuildOption {
	return func(c *buildConfig) {
		c.loadFactor = lf
	}
}

// MapResolver carries the positions SerializeMapFromIter produced, for the
// second-phase header write.
type MapResolver struct {
	Pivot int
	Len   int
	Cap   int
}

// capacityFor returns the bucket count for n entries: the minimum count
// satisfying the load factor, and always at least n+1 so an empty bucket
// terminates every probe.
func capacityFor(n int, lf LoadFactor) (int, error) {
	if err := lf.validate(); err != nil {
		return 0, err
	}
	scaled, ok := sizing.MulInt(n, lf.Den)
	if !ok {
		return 0, fmt.Errorf("%w: %d entries", ErrLayoutOverflow, n)
	}
	scaled, ok = sizing.AddInt(scaled, lf.Num-1)
	if !ok {
		return 0, fmt.Errorf("%w: %d entries", ErrLayoutOverflow, n)
	}
	capacity := scaled / lf.Num
	if capacity < n+1 {
		capacity = n + 1
	}
	return capacity, nil
}

type pendingEntry[K, V any] struct {
	key  K
	val  V
	kr   Resolver
	vr   Resolver
	hash uint64
}

// SerializeMapFromIter archives n entries as a hash table and returns the
// resolver for the header write. Entry fields are serialized first, because
// bucket addresses are unknown until the capacity is fixed; the table block
// itself is assembled in scratch space and emitted in one write.
//
// The iterator must yield exactly n entries; ErrIteratorLengthMismatch
// reports a caller bug otherwise. Keys must be unique.
func SerializeMapFromIter[K, V any](
	s *Serializer,
	n int,
	items iter.Seq2[K, V],
	kf Format[K],
	vf Format[V],
	opts ...BuildOption,
) (_ MapResolver, err error) {
	cfg := buildConfig{loadFactor: DefaultLoadFactor}
	for _, opt := range opts {
		opt(&cfg)
	}

	pending := make([]pendingEntry[K, V], 0, n)
	for k, v := range items {
		if len(pending) == n {
			return MapResolver{}, fmt.Errorf("%w: declared %d, got more", ErrIteratorLengthMismatch, n)
		}
		kr, err := kf.Serialize(s, k)
		if err != nil {
			return MapResolver{}, err
		}
		vr, err := vf.Serialize(s, v)
		if err != nil {
			return MapResolver{}, err
		}
		pending = append(pending, pendingEntry[K, V]{key: k, val: v, kr: kr, vr: vr, hash: kf.Hash(k)})
	}
	if len(pending) != n {
		return MapResolver{}, fmt.Errorf("%w: declared %d, got %d", ErrIteratorLengthMismatch, n, len(pending))
	}
	if n == 0 {
		return MapResolver{Pivot: s.Pos()}, nil
	}

	capacity, err := capacityFor(n, cfg.loadFactor)
	if err != nil {
		return MapResolver{}, err
	}
	lay := layoutEntry(kf, vf)
	entriesSize, ok := sizing.MulInt(capacity, lay.size)
	if !ok {
		return MapResolver{}, fmt.Errorf("%w: %d buckets of %d bytes", ErrLayoutOverflow, capacity, lay.size)
	}
	controlCount := capacity + group.Width - 1
	blockSize, ok := sizing.AddInt(entriesSize, controlCount)
	if !ok {
		return MapResolver{}, fmt.Errorf("%w: %d buckets", ErrLayoutOverflow, capacity)
	}

	blockStart := s.Align(lay.align)
	pivot := blockStart + entriesSize

	scratch, frame := s.AcquireScratch(blockSize)
	defer func() {
		if rerr := s.ReleaseScratch(frame); rerr != nil && err == nil {
			err = rerr
		}
	}()

	ctrl := scratch[entriesSize:]
	for i := range ctrl {
		ctrl[i] = group.Empty
	}

	for _, p := range pending {
		bucket := findEmptyBucket(ctrl, capacity, p.hash)
		tag := controlTag(p.hash)
		ctrl[bucket] = tag
		if bucket < group.Width-1 {
			ctrl[bucket+capacity] = tag
		}

		off := entriesSize - (bucket+1)*lay.size
		at := blockStart + off
		if err := kf.Resolve(p.key, p.kr, scratch[off:off+kf.Size()], at); err != nil {
			return MapResolver{}, err
		}
		voff := off + lay.valOff
		if err := vf.Resolve(p.val, p.vr, scratch[voff:voff+vf.Size()], at+lay.valOff); err != nil {
			return MapResolver{}, err
		}
	}

	if _, err := s.Write(scratch); err != nil {
		return MapResolver{}, err
	}
	return MapResolver{Pivot: pivot, Len: n, Cap: capacity}, nil
}

// findEmptyBucket walks the probe sequence for hash and returns the first
// empty bucket in scan order. Capacity always exceeds the entry count, and
// one probe cycle covers every bucket, so a slot always exists.
func findEmptyBucket(ctrl []byte, capacity int, hash uint64) int {
	seq := newProbeSeq(hash, capacity)
	for range seq.cycle() {
		pos := seq.start()
		for half := 0; half < group.Width/group.ChunkWidth; half++ {
			base := pos + half*group.ChunkWidth
			for set := group.Load(ctrl, base).MatchEmpty(); set.Any(); set = set.Remove(set.First()) {
				idx := base + set.First()
				if idx >= capacity {
					idx -= capacity
					if idx >= capacity {
						continue
					}
				}
				return idx
			}
		}
		seq.next()
	}
	panic("relic: no empty bucket in a full probe cycle")
}

// ResolveMap writes the table header into out[:12], where at is the final
// buffer position of out[0].
func ResolveMap(r MapResolver, out []byte, at int) error {
	if err := EmplaceOffset[int32](out[0:4], at, r.Pivot); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(out[4:8], uint32(r.Len))
	binary.LittleEndian.PutUint32(out[8:12], uint32(r.Cap))
	return nil
}

// ArchiveMap serializes entries into a fresh buffer and returns the buffer
// together with the header position.
func ArchiveMap[K comparable, V any](
	entries map[K]V,
	kf Format[K],
	vf Format[V],
	opts ...BuildOption,
) ([]byte, int, error) {
	s := NewSerializer()
	r, err := SerializeMapFromIter(s, len(entries), maps.All(entries), kf, vf, opts...)
	if err != nil {
		return nil, 0, err
	}
	at := s.Align(mapHeaderAlign)
	s.Reserve(mapHeaderSize)
	if err := ResolveMap(r, s.slice(at, mapHeaderSize), at); err != nil {
		return nil, 0, err
	}
	return s.Bytes(), at, nil
}
