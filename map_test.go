package relic

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildStringMap archives entries and returns the view, failing the test on
// any construction error.
func buildStringMap(tb testing.TB, entries map[string]uint64, opts ...BuildOption) Map[string, uint64] {
	tb.Helper()
	buf, at, err := ArchiveMap(entries, StringFormat{}, Uint64Format{}, opts...)
	require.NoError(tb, err)
	return UncheckedMap(buf, at, StringFormat{}, Uint64Format{})
}

func stringEntries(n int) map[string]uint64 {
	entries := make(map[string]uint64, n)
	for i := range n {
		entries[fmt.Sprintf("key-%04d", i)] = uint64(i * 7)
	}
	return entries
}

func TestMapRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 2, 3, 5, 8, 15, 16, 17, 31, 32, 33, 64, 100, 257} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()

			entries := stringEntries(n)
			m := buildStringMap(t, entries)

			assert.Equal(t, n, m.Len())
			assert.Equal(t, n == 0, m.IsEmpty())
			if n > 0 {
				assert.Greater(t, m.Capacity(), m.Len())
			}

			for k, want := range entries {
				got, ok := m.Get(k)
				require.True(t, ok, "key %q", k)
				assert.Equal(t, want, got, "key %q", k)
			}
			for i := range 20 {
				_, ok := m.Get(fmt.Sprintf("absent-%04d", i))
				assert.False(t, ok)
			}
		})
	}
}

func TestMapScenario(t *testing.T) {
	t.Parallel()

	entries := map[string]uint64{"foo": 10, "bar": 20, "baz": 40, "bat": 80}
	m := buildStringMap(t, entries, WithLoadFactor(LoadFactor{Num: 7, Den: 8}))

	assert.Equal(t, 4, m.Len())
	assert.GreaterOrEqual(t, m.Capacity(), 5)

	v, ok := m.Get("bar")
	require.True(t, ok)
	assert.Equal(t, uint64(20), v)

	_, ok = m.Get("qux")
	assert.False(t, ok)

	require.NoError(t, ValidateMap(m.Bytes(), m.RootPos(), StringFormat{}, Uint64Format{}))
}

func TestMapIterationYieldsEveryEntryOnce(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 7, 16, 33, 48, 96} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()

			entries := stringEntries(n)
			m := buildStringMap(t, entries)

			seen := make(map[string]uint64, n)
			for k, v := range m.All() {
				_, dup := seen[k]
				require.False(t, dup, "key %q yielded twice", k)
				seen[k] = v
			}
			assert.Equal(t, entries, seen)
		})
	}
}

func TestMapIterationStops(t *testing.T) {
	t.Parallel()

	m := buildStringMap(t, stringEntries(20))
	count := 0
	for range m.All() {
		count++
		if count == 5 {
			break
		}
	}
	assert.Equal(t, 5, count)
}

func TestMapGetWith(t *testing.T) {
	t.Parallel()

	m := buildStringMap(t, map[string]uint64{"alpha": 1, "beta": 2, "gamma": 3})

	kf := StringFormat{}
	k, v, ok := m.GetWith(kf.Hash("beta"), func(k string) bool { return k == "beta" })
	require.True(t, ok)
	assert.Equal(t, "beta", k)
	assert.Equal(t, uint64(2), v)

	// The predicate decides, not the hash alone.
	_, _, ok = m.GetWith(kf.Hash("beta"), func(string) bool { return false })
	assert.False(t, ok)

	_, _, ok = m.GetWith(kf.Hash("delta"), func(k string) bool { return k == "delta" })
	assert.False(t, ok)
}

func TestMapUpdate(t *testing.T) {
	t.Parallel()

	m := buildStringMap(t, map[string]uint64{"foo": 10, "bar": 20})

	require.NoError(t, m.Update("bar", 99))
	v, ok := m.Get("bar")
	require.True(t, ok)
	assert.Equal(t, uint64(99), v)

	v, ok = m.Get("foo")
	require.True(t, ok)
	assert.Equal(t, uint64(10), v, "other entries untouched")

	require.ErrorIs(t, m.Update("qux", 1), ErrKeyNotFound)
}

func TestZeroMap(t *testing.T) {
	t.Parallel()

	// The zero Map behaves as an empty table: no accessor may touch the
	// formats or the buffer.
	var m Map[string, uint64]

	assert.Equal(t, 0, m.Len())
	assert.True(t, m.IsEmpty())

	_, ok := m.Get("anything")
	assert.False(t, ok)

	_, _, ok = m.GetWith(0, func(string) bool { return true })
	assert.False(t, ok)

	require.ErrorIs(t, m.Update("anything", 1), ErrKeyNotFound)

	for range m.All() {
		t.Fatal("zero map yielded an entry")
	}
}

func TestMapUpdateImmutableValue(t *testing.T) {
	t.Parallel()

	buf, at, err := ArchiveMap(map[string]string{"a": "x"}, StringFormat{}, StringFormat{})
	require.NoError(t, err)
	m := UncheckedMap(buf, at, StringFormat{}, StringFormat{})

	require.ErrorIs(t, m.Update("a", "y"), ErrImmutableValue)

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

// collidingUint64Format hashes every value identically, forcing worst-case
// probe chains.
type collidingUint64Format struct {
	Uint64Format
}

func (collidingUint64Format) Hash(uint64) uint64 { return 0x5A5A5A5A5A5A5A5A }

func TestMapAllEqualHashes(t *testing.T) {
	t.Parallel()

	kf := collidingUint64Format{}
	for _, n := range []int{1, 2, 7, 13, 16, 17, 30, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()

			entries := make(map[uint64]uint64, n)
			for i := range n {
				entries[uint64(i)] = uint64(i) * 3
			}

			buf, at, err := ArchiveMap(entries, kf, Uint64Format{})
			require.NoError(t, err)
			m := UncheckedMap(buf, at, kf, Uint64Format{})

			for k, want := range entries {
				got, ok := m.Get(k)
				require.True(t, ok, "key %d", k)
				assert.Equal(t, want, got)
			}
			for i := n; i < n+20; i++ {
				_, ok := m.Get(uint64(i))
				assert.False(t, ok, "absent key %d", i)
			}
		})
	}
}

func TestMapUint64Keys(t *testing.T) {
	t.Parallel()

	entries := make(map[uint64]uint64, 200)
	for i := range 200 {
		entries[uint64(i)*2654435761] = uint64(i)
	}

	buf, at, err := ArchiveMap(entries, Uint64Format{}, Uint64Format{})
	require.NoError(t, err)
	m := UncheckedMap(buf, at, Uint64Format{}, Uint64Format{})

	for k, want := range entries {
		got, ok := m.Get(k)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestSerializeMapFromIterLengthMismatch(t *testing.T) {
	t.Parallel()

	pairs := func(n int) func(yield func(uint64, uint64) bool) {
		return func(yield func(uint64, uint64) bool) {
			for i := range n {
				if !yield(uint64(i), uint64(i)) {
					return
				}
			}
		}
	}

	s := NewSerializer()
	_, err := SerializeMapFromIter(s, 3, pairs(2), Uint64Format{}, Uint64Format{})
	require.ErrorIs(t, err, ErrIteratorLengthMismatch)

	s = NewSerializer()
	_, err = SerializeMapFromIter(s, 3, pairs(4), Uint64Format{}, Uint64Format{})
	require.ErrorIs(t, err, ErrIteratorLengthMismatch)

	s = NewSerializer()
	_, err = SerializeMapFromIter(s, 3, pairs(3), Uint64Format{}, Uint64Format{})
	require.NoError(t, err)
}

func TestInvalidLoadFactor(t *testing.T) {
	t.Parallel()

	for _, lf := range []LoadFactor{
		{Num: 0, Den: 8},
		{Num: 8, Den: 0},
		{Num: 9, Den: 8},
		{Num: -1, Den: 8},
	} {
		_, _, err := ArchiveMap(map[uint64]uint64{1: 1}, Uint64Format{}, Uint64Format{},
			WithLoadFactor(lf))
		require.ErrorIs(t, err, ErrInvalidLoadFactor, "load factor %d/%d", lf.Num, lf.Den)
	}
}

func TestCapacityFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    int
		lf   LoadFactor
		want int
	}{
		{1, DefaultLoadFactor, 2},
		{4, DefaultLoadFactor, 5},
		{7, DefaultLoadFactor, 8},
		{17, DefaultLoadFactor, 20},
		{100, DefaultLoadFactor, 115},
		{10, LoadFactor{Num: 1, Den: 2}, 20},
		{10, LoadFactor{Num: 1, Den: 1}, 11},
	}
	for _, tc := range cases {
		got, err := capacityFor(tc.n, tc.lf)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "capacityFor(%d, %d/%d)", tc.n, tc.lf.Num, tc.lf.Den)
		assert.Greater(t, got, tc.n, "an empty bucket must always exist")
	}
}

func TestProbeSeqStaysInRange(t *testing.T) {
	t.Parallel()

	for capacity := 1; capacity <= 70; capacity++ {
		for h := range uint64(128) {
			seq := newProbeSeq(h*2654435761, capacity)
			starts := make([]int, 0, seq.cycle())
			for range seq.cycle() {
				pos := seq.start()
				require.GreaterOrEqual(t, pos, 0)
				require.Less(t, pos, capacity, "cap %d hash %d", capacity, h)
				starts = append(starts, pos)
				seq.next()
			}

			// One full cycle must put every bucket inside some scanned
			// window, counting the duplicated control range.
			covered := make([]bool, capacity)
			for _, pos := range starts {
				for lane := range 16 {
					idx := pos + lane
					if idx >= capacity {
						idx -= capacity
						if idx >= capacity {
							continue
						}
					}
					covered[idx] = true
				}
			}
			require.False(t, slices.Contains(covered, false),
				"cap %d hash %d starts %v", capacity, h, starts)
		}
	}
}

func TestControlBytesLayout(t *testing.T) {
	t.Parallel()

	m := buildStringMap(t, stringEntries(20))
	capacity := m.Capacity()
	ctrl := m.buf[m.pivot : m.pivot+capacity+15]

	occupied := 0
	for i := range capacity {
		if ctrl[i] != 0xFF {
			assert.Zero(t, ctrl[i]&0x80, "occupied control byte has high bit clear")
			occupied++
		}
	}
	assert.Equal(t, m.Len(), occupied)

	wrapEnd := min(2*capacity, capacity+15)
	for i := capacity; i < wrapEnd; i++ {
		assert.Equal(t, ctrl[i-capacity], ctrl[i], "wraparound byte %d", i)
	}
}
