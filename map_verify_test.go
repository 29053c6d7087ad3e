package relic

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bucketOf locates the bucket holding key, for targeted corruption.
func bucketOf(tb testing.TB, m Map[string, uint64], key string) int {
	tb.Helper()
	bucket, ok := m.lookup(m.kf.Hash(key), func(keyAt int) bool {
		return m.kf.Equal(m.buf, keyAt, key)
	})
	require.True(tb, ok, "key %q not found", key)
	return bucket
}

func TestValidateBuiltBuffers(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 4, 15, 16, 17, 40, 128} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()

			entries := stringEntries(n)
			m := buildStringMap(t, entries)

			opened, err := OpenMap(m.Bytes(), m.RootPos(), StringFormat{}, Uint64Format{})
			require.NoError(t, err)

			assert.Equal(t, m.Len(), opened.Len())
			for k, want := range entries {
				got, ok := opened.Get(k)
				require.True(t, ok)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestValidateRejectsLengthAtCapacity(t *testing.T) {
	t.Parallel()

	m := buildStringMap(t, stringEntries(4))
	buf := m.Bytes()

	binary.LittleEndian.PutUint32(buf[m.RootPos()+4:], uint32(m.Capacity()))
	err := ValidateMap(buf, m.RootPos(), StringFormat{}, Uint64Format{})
	require.ErrorIs(t, err, ErrInvalidLength)

	// Zero capacity with nonzero length is equally malformed.
	binary.LittleEndian.PutUint32(buf[m.RootPos()+4:], 1)
	binary.LittleEndian.PutUint32(buf[m.RootPos()+8:], 0)
	err = ValidateMap(buf, m.RootPos(), StringFormat{}, Uint64Format{})
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestValidateRejectsPointerOutsideBuffer(t *testing.T) {
	t.Parallel()

	t.Run("header pivot", func(t *testing.T) {
		t.Parallel()

		m := buildStringMap(t, stringEntries(4))
		buf := m.Bytes()

		binary.LittleEndian.PutUint32(buf[m.RootPos():], uint32(1<<28))
		err := ValidateMap(buf, m.RootPos(), StringFormat{}, Uint64Format{})
		require.ErrorIs(t, err, ErrOutOfBounds)
	})

	t.Run("string data", func(t *testing.T) {
		t.Parallel()

		m := buildStringMap(t, stringEntries(4))
		buf := m.Bytes()

		keyAt := m.entryPos(bucketOf(t, m, "key-0002"))
		binary.LittleEndian.PutUint32(buf[keyAt:], uint32(1<<28))
		err := ValidateMap(buf, m.RootPos(), StringFormat{}, Uint64Format{})
		require.ErrorIs(t, err, ErrOutOfBounds)
	})

	t.Run("string data escaping into the table block", func(t *testing.T) {
		t.Parallel()

		m := buildStringMap(t, stringEntries(4))
		buf := m.Bytes()

		// Point a key's bytes at the start of the table block. The target
		// is inside the buffer, so the pointer itself checks out, but the
		// string's extent crosses into bytes the block may not reference.
		keyAt := m.entryPos(bucketOf(t, m, "key-0002"))
		blockStart := m.pivot - m.Capacity()*m.lay.size
		binary.LittleEndian.PutUint32(buf[keyAt:], uint32(int32(blockStart-keyAt)))
		err := ValidateMap(buf, m.RootPos(), StringFormat{}, Uint64Format{})
		require.ErrorIs(t, err, ErrSubtreeOverrun)
	})
}

func TestValidateRejectsBrokenWraparound(t *testing.T) {
	t.Parallel()

	m := buildStringMap(t, stringEntries(20))
	buf := m.Bytes()

	// The first duplicated byte must equal the byte for bucket 0.
	buf[m.pivot+m.Capacity()] ^= 0x01
	err := ValidateMap(buf, m.RootPos(), StringFormat{}, Uint64Format{})
	require.ErrorIs(t, err, ErrUnwrappedControlByte)
}

func TestValidateRejectsClearedControlByte(t *testing.T) {
	t.Parallel()

	entries := map[string]uint64{"foo": 10, "bar": 20, "baz": 40, "bat": 80}
	m := buildStringMap(t, entries, WithLoadFactor(LoadFactor{Num: 7, Den: 8}))
	buf := m.Bytes()

	// Erase baz's control byte, keeping the wraparound duplication intact
	// so the only detectable damage is the entry count.
	bucket := bucketOf(t, m, "baz")
	buf[m.pivot+bucket] = 0xFF
	if bucket < 15 {
		buf[m.pivot+bucket+m.Capacity()] = 0xFF
	}

	_, ok := m.Get("baz")
	assert.False(t, ok, "erased entry is unreachable")

	err := ValidateMap(buf, m.RootPos(), StringFormat{}, Uint64Format{})
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestValidateRejectsUnalignedRoot(t *testing.T) {
	t.Parallel()

	m := buildStringMap(t, stringEntries(2))
	grown := append([]byte{0, 0}, m.Bytes()...)

	err := ValidateMap(grown, m.RootPos()+2, StringFormat{}, Uint64Format{})
	require.ErrorIs(t, err, ErrUnaligned)
}

func TestValidateRejectsTruncatedBuffer(t *testing.T) {
	t.Parallel()

	m := buildStringMap(t, stringEntries(4))
	buf := m.Bytes()

	err := ValidateMap(buf[:m.RootPos()+4], m.RootPos(), StringFormat{}, Uint64Format{})
	require.ErrorIs(t, err, ErrSubtreeOverrun)
}

func TestValidatedViewMatchesUncheckedView(t *testing.T) {
	t.Parallel()

	entries := stringEntries(25)
	m := buildStringMap(t, entries)

	opened, err := OpenMap(m.Bytes(), m.RootPos(), StringFormat{}, Uint64Format{})
	require.NoError(t, err)

	unchecked := make(map[string]uint64, len(entries))
	for k, v := range m.All() {
		unchecked[k] = v
	}
	validated := make(map[string]uint64, len(entries))
	for k, v := range opened.All() {
		validated[k] = v
	}
	assert.Equal(t, unchecked, validated)
}

func TestValidateEmptyMap(t *testing.T) {
	t.Parallel()

	buf, at, err := ArchiveMap(map[string]uint64{}, StringFormat{}, Uint64Format{})
	require.NoError(t, err)

	m, err := OpenMap(buf, at, StringFormat{}, Uint64Format{})
	require.NoError(t, err)
	assert.True(t, m.IsEmpty())
	assert.Equal(t, 0, m.Capacity())

	_, ok := m.Get("anything")
	assert.False(t, ok)
}
