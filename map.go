package relic

import (
	"encoding/binary"
	"iter"
	"math/bits"

	"github.com/rkyv/relic/internal/group"
)

// Table header layout: int32 offset to the pivot, uint32 length, uint32
// capacity.
const (
	mapHeaderSize  = 12
	mapHeaderAlign = 4
)

// entryLayout describes one bucket entry: the key at offset 0, the value at
// valOff, padded so consecutive entries stay aligned.
type entryLayout struct {
	size   int
	align  int
	valOff int
}

func layoutEntry[K, V any](kf Format[K], vf Format[V]) entryLayout {
	align := kf.Align()
	if vf.Align() > align {
		align = vf.Align()
	}
	valOff := alignUp(kf.Size(), vf.Align())
	return entryLayout{
		size:   alignUp(valOff+vf.Size(), align),
		align:  align,
		valOff: valOff,
	}
}

// alignUp is for format-derived sizes only; attacker-controlled counts go
// through internal/sizing instead.
func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// controlTag returns the control byte for an occupied bucket: the top 7
// bits of the hash, high bit clear.
func controlTag(hash uint64) byte {
	return byte(hash >> 57)
}

// Map is a read-only view of an archived hash table inside buf, rooted at
// the header position at. Buckets grow backward from the pivot and control
// bytes grow forward, so the whole table occupies one contiguous block that
// ends where the control bytes end.
//
// The zero Map is empty. Map values are cheap to copy and safe for
// concurrent readers as long as nothing mutates the buffer.
type Map[K, V any] struct {
	buf      []byte
	at       int
	kf       Format[K]
	vf       Format[V]
	lay      entryLayout
	count    int
	capacity int
	pivot    int
}

// UncheckedMap returns a view of the table at buf[at] without validating
// anything. The name is deliberate: calling it on bytes that have not been
// validated (or did not come from a trusted serializer) gives undefined
// behavior, including out-of-range panics on reads. Use OpenMap for
// untrusted input.
func UncheckedMap[K, V any](buf []byte, at int, kf Format[K], vf Format[V]) Map[K, V] {
	m := Map[K, V]{
		buf:      buf,
		at:       at,
		kf:       kf,
		vf:       vf,
		lay:      layoutEntry(kf, vf),
		count:    int(binary.LittleEndian.Uint32(buf[at+4:])),
		capacity: int(binary.LittleEndian.Uint32(buf[at+8:])),
	}
	if m.capacity > 0 {
		m.pivot = OffsetTarget[int32](buf, at)
	}
	return m
}

// Len returns the number of entries.
func (m Map[K, V]) Len() int { return m.count }

// Capacity returns the bucket count.
func (m Map[K, V]) Capacity() int { return m.capacity }

// IsEmpty reports whether the table has no entries.
func (m Map[K, V]) IsEmpty() bool { return m.count == 0 }

// RootPos returns the header position within the buffer.
func (m Map[K, V]) RootPos() int { return m.at }

// Bytes returns the underlying buffer.
func (m Map[K, V]) Bytes() []byte { return m.buf }

func (m Map[K, V]) entryPos(bucket int) int {
	return m.pivot - (bucket+1)*m.lay.size
}

func (m Map[K, V]) valuePos(bucket int) int {
	return m.entryPos(bucket) + m.lay.valOff
}

// Get returns the value archived under key.
func (m Map[K, V]) Get(key K) (V, bool) {
	if m.capacity == 0 {
		var zero V
		return zero, false
	}
	bucket, ok := m.lookup(m.kf.Hash(key), func(keyAt int) bool {
		return m.kf.Equal(m.buf, keyAt, key)
	})
	if !ok {
		var zero V
		return zero, false
	}
	return m.vf.Load(m.buf, m.valuePos(bucket)), true
}

// GetWith probes with a precomputed hash and returns the first entry whose
// archived key satisfies pred.
func (m Map[K, V]) GetWith(hash uint64, pred func(K) bool) (K, V, bool) {
	bucket, ok := m.lookup(hash, func(keyAt int) bool {
		return pred(m.kf.Load(m.buf, keyAt))
	})
	if !ok {
		var zk K
		var zv V
		return zk, zv, false
	}
	return m.kf.Load(m.buf, m.entryPos(bucket)), m.vf.Load(m.buf, m.valuePos(bucket)), true
}

// Update overwrites the value archived under key in place. It fails with
// ErrKeyNotFound when the key is absent and ErrImmutableValue when the
// value format carries out-of-line data.
func (m Map[K, V]) Update(key K, value V) error {
	if m.capacity == 0 {
		return ErrKeyNotFound
	}
	if !m.vf.Mutable() {
		return ErrImmutableValue
	}
	bucket, ok := m.lookup(m.kf.Hash(key), func(keyAt int) bool {
		return m.kf.Equal(m.buf, keyAt, key)
	})
	if !ok {
		return ErrKeyNotFound
	}
	return m.vf.Store(m.buf, m.valuePos(bucket), value)
}

// All yields every entry in storage order, which is bucket order, not
// insertion or hash order.
func (m Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		if m.capacity == 0 {
			return
		}
		ctrl := m.buf[m.pivot:]
		for base := 0; base < m.capacity; base += group.ChunkWidth {
			for set := group.Load(ctrl, base).MatchFull(); set.Any(); set = set.Remove(set.First()) {
				bucket := base + set.First()
				if bucket >= m.capacity {
					break
				}
				at := m.entryPos(bucket)
				if !yield(m.kf.Load(m.buf, at), m.vf.Load(m.buf, at+m.lay.valOff)) {
					return
				}
			}
		}
	}
}

// lookup walks the probe sequence for hash and returns the first occupied
// bucket whose key position satisfies match. It returns false as soon as a
// scanned chunk contains an empty tag, or after one full probe cycle.
func (m Map[K, V]) lookup(hash uint64, match func(keyAt int) bool) (int, bool) {
	if m.capacity == 0 {
		return 0, false
	}
	tag := controlTag(hash)
	ctrl := m.buf[m.pivot:]
	seq := newProbeSeq(hash, m.capacity)
	for range seq.cycle() {
		pos := seq.start()
		for half := 0; half < group.Width/group.ChunkWidth; half++ {
			base := pos + half*group.ChunkWidth
			chunk := group.Load(ctrl, base)
			for set := chunk.MatchByte(tag); set.Any(); set = set.Remove(set.First()) {
				bucket, ok := m.bucketAt(base + set.First())
				if !ok {
					continue
				}
				if match(m.entryPos(bucket)) {
					return bucket, true
				}
			}
			if chunk.MatchEmpty().Any() {
				return 0, false
			}
		}
		seq.next()
	}
	return 0, false
}

// bucketAt translates a control-byte index into a bucket index. Indices in
// the duplicated range map back to their base bucket; trailing filler bytes
// past the duplicated range carry no bucket.
func (m Map[K, V]) bucketAt(idx int) (int, bool) {
	if idx >= m.capacity {
		idx -= m.capacity
		if idx >= m.capacity {
			return 0, false
		}
	}
	return idx, true
}

// probeSeq generates the triangular probe sequence shared by lookup,
// insertion, and verification. Raw positions advance by a stride that grows
// by the group width each step and wrap with pos & mask, where mask is
// next_power_of_two(capacity) − 1; mask can exceed the bucket count, so a
// raw position at or beyond capacity folds back by capacity before use.
// The duplicated control bytes make the folded group read byte-identical
// to the mirror window the raw position named, and folding keeps every
// group load inside the control array. One full cycle is mask/width + 1
// groups; the windows of a full cycle cover every bucket.
type probeSeq struct {
	mask     int
	capacity int
	pos      int
	stride   int
}

func newProbeSeq(hash uint64, capacity int) probeSeq {
	mask := nextPow2(capacity) - 1
	return probeSeq{
		mask:     mask,
		capacity: capacity,
		pos:      int(hash) & mask,
	}
}

// start returns the group position for the current step, folded into
// [0, capacity).
func (s *probeSeq) start() int {
	if s.pos >= s.capacity {
		// pos <= mask <= 2*capacity − 2, so one fold suffices.
		return s.pos - s.capacity
	}
	return s.pos
}

func (s *probeSeq) next() {
	s.stride += group.Width
	s.pos = (s.pos + s.stride) & s.mask
}

// cycle returns the number of groups in one full probe cycle.
func (s *probeSeq) cycle() int {
	return s.mask/group.Width + 1
}
