package quark

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndReopensMap(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "orders", Opt{})
	require.NoError(t, err)
	require.NotNil(t, m)

	again, err := Open(acid, "orders", Opt{})
	require.NoError(t, err)
	require.Equal(t, m.hdr.off, again.hdr.off)
}

func TestInsertGetRoundTrip(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 1, TargetIPP: 4})
	require.NoError(t, err)

	ok, err := m.Insert([]byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := m.Get([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), val)

	_, found, err = m.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertDuplicateRejected(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 7})
	require.NoError(t, err)

	ok, err := m.Insert([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Insert([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok)

	val, found, err := m.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), val)
}

func TestInsertManyKeysAllRetrievable(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 42, TargetIPP: 4})
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("val-%04d", i))
		ok, err := m.Insert(key, val)
		require.NoErrorf(t, err, "insert %d", i)
		require.Truef(t, ok, "insert %d reported duplicate", i)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("val-%04d", i))
		got, found, err := m.Get(key)
		require.NoErrorf(t, err, "get %d", i)
		require.Truef(t, found, "key %d not found", i)
		require.Equalf(t, want, got, "value mismatch for key %d", i)
	}
}

func TestUpdateOverwritesValue(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 3})
	require.NoError(t, err)

	_, err = m.Insert([]byte("k"), []byte("short"))
	require.NoError(t, err)

	ok, err := m.Update([]byte("k"), []byte("equal"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Update([]byte("missing"), []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.Update([]byte("k"), []byte("a much longer replacement value"))
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := m.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a much longer replacement value"), val)
}

func TestCompressedValuesRoundTrip(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 5, Compress: true})
	require.NoError(t, err)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	ok, err := m.Insert([]byte("k"), payload)
	require.NoError(t, err)
	require.True(t, ok)

	got, found, err := m.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload, got)
}

func TestScanAscendingFromStart(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 9})
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := m.Insert([]byte(k), []byte(k+k))
		require.NoError(t, err)
	}

	var got []string
	count, eof, err := m.Scan(ScanOpts{KeyStart: []byte("b"), WithStart: true, IncStart: true}, func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	require.True(t, eof)
	require.Equal(t, uint64(len(got)), count)
	require.Equal(t, []string{"b", "c", "d"}, got)
}

// insertSorted inserts n keys small enough (and with a low target_ipp) to
// force the skip list to split into many level-0 partitions, so a scan
// spanning the whole map exercises the cross-partition hop in seekFwd/
// seekRev rather than staying within a single partition.
func insertSorted(t *testing.T, m *Map, n int) []string {
	t.Helper()
	var keys []string
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%04d", i)
		keys = append(keys, k)
		ok, err := m.Insert([]byte(k), []byte("v"+k))
		require.NoErrorf(t, err, "insert %d", i)
		require.Truef(t, ok, "insert %d reported duplicate", i)
	}
	return keys
}

func TestScanSpansMultiplePartitionsAscending(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 11, TargetIPP: 2})
	require.NoError(t, err)
	keys := insertSorted(t, m, 200)

	var got []string
	count, eof, err := m.Scan(ScanOpts{}, func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	require.True(t, eof)
	require.Equal(t, uint64(len(keys)), count)
	require.Equal(t, keys, got)
}

func TestScanSpansMultiplePartitionsDescending(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 12, TargetIPP: 2})
	require.NoError(t, err)
	keys := insertSorted(t, m, 200)

	want := make([]string, len(keys))
	for i, k := range keys {
		want[len(keys)-1-i] = k
	}

	var got []string
	count, eof, err := m.Scan(ScanOpts{Descending: true}, func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	require.True(t, eof)
	require.Equal(t, uint64(len(keys)), count)
	require.Equal(t, want, got)
}

func TestScanKeyEndBounds(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 13, TargetIPP: 2})
	require.NoError(t, err)
	keys := insertSorted(t, m, 60)

	var got []string
	_, eof, err := m.Scan(ScanOpts{
		KeyStart: []byte("k0010"), WithStart: true, IncStart: true,
		KeyEnd: []byte("k0020"), WithEnd: true, IncEnd: false,
	}, func(key, value []byte) bool {
		got = append(got, string(key))
		return true
	})
	require.NoError(t, err)
	require.True(t, eof)
	require.Equal(t, keys[10:20], got)
}

func TestScanLimitStopsEarlyAndIsRestartable(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 14, TargetIPP: 2})
	require.NoError(t, err)
	keys := insertSorted(t, m, 60)

	var first []string
	count, eof, err := m.Scan(ScanOpts{Limit: 10}, func(key, value []byte) bool {
		first = append(first, string(key))
		return true
	})
	require.NoError(t, err)
	require.True(t, eof)
	require.Equal(t, uint64(10), count)
	require.Equal(t, keys[:10], first)

	var rest []string
	_, eof, err = m.Scan(ScanOpts{
		KeyStart: []byte(first[len(first)-1]), WithStart: true, IncStart: false,
	}, func(key, value []byte) bool {
		rest = append(rest, string(key))
		return true
	})
	require.NoError(t, err)
	require.True(t, eof)
	require.Equal(t, keys[10:], rest)
}

func TestScanVisitorStopEarlyReportsNotEOF(t *testing.T) {
	acid := NewMemAcid("t")
	m, err := Open(acid, "m", Opt{DtrmSeed: 15})
	require.NoError(t, err)
	insertSorted(t, m, 5)

	n := 0
	count, eof, err := m.Scan(ScanOpts{}, func(key, value []byte) bool {
		n++
		return n < 2
	})
	require.NoError(t, err)
	require.False(t, eof)
	require.Equal(t, uint64(1), count)
}
