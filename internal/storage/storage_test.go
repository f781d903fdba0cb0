package storage

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(key, value string, seq uint64) Version {
	return Version{Key: []byte(key), Value: []byte(value), Seq: seq}
}

func del(key string, seq uint64) Version {
	return Version{Key: []byte(key), Tombstone: true, Seq: seq}
}

func collect(t *testing.T, it Iterator) []string {
	t.Helper()
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key())+"="+string(it.Value()))
	}
	require.NoError(t, it.Error())
	return out
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	k := []byte("key1")
	if _, err := s.WriteBatch([]Version{put("key1", "val1", 1)}); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}

	v, ok := s.Read(k, MaxSeq)
	if !ok {
		t.Fatalf("Read: key not found")
	}
	if !bytes.Equal(v.Value, []byte("val1")) {
		t.Errorf("Want val1, got %s", v.Value)
	}

	if _, ok := s.Read(k, 0); ok {
		t.Errorf("Read at seq 0 should see nothing")
	}

	s.WriteBatch([]Version{put("key2", "val2", 2)})

	got := collect(t, s.Scan([]byte("key1"), []byte("key3"), MaxSeq))
	if len(got) != 2 {
		t.Errorf("Scan expected 2 keys, got %d: %v", len(got), got)
	}
}

func TestVersionOrdering(t *testing.T) {
	older := put("userKey", "", 50)
	newer := put("userKey", "", 100)

	if !lessVersion(newer, older) {
		t.Errorf("Expected newer sequence to sort BEFORE older sequence")
	}
	if !lessVersion(put("a", "", 1), put("b", "", 100)) {
		t.Errorf("Expected key order to dominate sequence order")
	}
	// the seek pivot for seq 75 lands between the two versions
	assert.True(t, lessVersion(newer, seekKey([]byte("userKey"), 75)))
	assert.True(t, lessVersion(seekKey([]byte("userKey"), 75), older))
}

func TestReadVisibility(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.WriteBatch([]Version{put("a", "v1", 1), put("b", "b1", 1)})
	require.NoError(t, err)
	_, err = s.WriteBatch([]Version{put("a", "v3", 3)})
	require.NoError(t, err)
	_, err = s.WriteBatch([]Version{del("a", 5)})
	require.NoError(t, err)

	cases := []struct {
		seq       uint64
		want      string
		tombstone bool
	}{
		{1, "v1", false},
		{2, "v1", false},
		{3, "v3", false},
		{4, "v3", false},
		{5, "", true},
		{MaxSeq, "", true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("seq=%d", c.seq), func(t *testing.T) {
			v, ok := s.Read([]byte("a"), c.seq)
			require.True(t, ok)
			assert.Equal(t, c.tombstone, v.Tombstone)
			if !c.tombstone {
				assert.Equal(t, c.want, string(v.Value))
			}
		})
	}

	_, ok := s.Read([]byte("zzz"), MaxSeq)
	assert.False(t, ok)
	// a key that sorts after every stored key must not match its neighbor
	_, ok = s.Read([]byte("aa"), MaxSeq)
	assert.False(t, ok)
}

func TestWriteBatchIdempotent(t *testing.T) {
	s := NewMemoryStore()
	batch := []Version{put("a", "1", 7), put("b", "2", 7)}

	n, err := s.WriteBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.WriteBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, s.Stats().Versions)

	_, err = s.WriteBatch([]Version{put("", "x", 8)})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestScan(t *testing.T) {
	s := NewMemoryStore()
	s.WriteBatch([]Version{put("a", "1", 1), put("b", "1", 1), put("c", "1", 1), put("d", "1", 1)})
	s.WriteBatch([]Version{put("b", "2", 2), del("c", 2)})
	s.WriteBatch([]Version{put("c", "3", 3)})

	assert.Equal(t, []string{"a=1", "b=2", "d=1"}, collect(t, s.Scan(nil, nil, 2)))
	assert.Equal(t, []string{"a=1", "b=1", "c=1", "d=1"}, collect(t, s.Scan(nil, nil, 1)))
	assert.Equal(t, []string{"b=2", "c=3"}, collect(t, s.Scan([]byte("b"), []byte("d"), MaxSeq)))
	assert.Equal(t, []string{"c=3", "d=1"}, collect(t, s.Scan([]byte("bb"), []byte{}, MaxSeq)))
	assert.Empty(t, collect(t, s.Scan([]byte("x"), nil, MaxSeq)))
	assert.Empty(t, collect(t, s.Scan(nil, nil, 0)))
}

func TestScanCrossesRefills(t *testing.T) {
	s := NewMemoryStore()
	var batch []Version
	for i := 0; i < 3*iterBatch+5; i++ {
		key := fmt.Sprintf("k%04d", i)
		batch = append(batch, put(key, "old", 1), put(key, "new", 2))
		if i%7 == 0 {
			batch = append(batch, del(key, 3))
		}
	}
	_, err := s.WriteBatch(batch)
	require.NoError(t, err)

	got := collect(t, s.Scan(nil, nil, 2))
	require.Len(t, got, 3*iterBatch+5)
	for i, kv := range got {
		assert.Equal(t, fmt.Sprintf("k%04d=new", i), kv)
	}

	hidden := 0
	for i := 0; i < 3*iterBatch+5; i++ {
		if i%7 == 0 {
			hidden++
		}
	}
	assert.Len(t, collect(t, s.Scan(nil, nil, MaxSeq)), 3*iterBatch+5-hidden)
}

func TestScanIsolatedFromLaterWrites(t *testing.T) {
	s := NewMemoryStore()
	s.WriteBatch([]Version{put("a", "1", 1), put("b", "1", 1)})

	it := s.Scan(nil, nil, MaxSeq)
	s.WriteBatch([]Version{put("a", "2", 2), put("c", "2", 2)})
	s.Compact(2)

	assert.Equal(t, []string{"a=1", "b=1"}, collect(t, it))
}

func TestCompact(t *testing.T) {
	s := NewMemoryStore()
	s.WriteBatch([]Version{put("a", "1", 1), put("b", "1", 1)})
	s.WriteBatch([]Version{put("a", "3", 3)})
	s.WriteBatch([]Version{put("a", "5", 5)})
	s.WriteBatch([]Version{del("b", 2)})

	removed, err := s.Compact(4)
	require.NoError(t, err)
	// a@1 is shadowed by a@3; b's tombstone and everything under it go.
	assert.Equal(t, 3, removed)

	st := s.Stats()
	assert.Equal(t, 2, st.Versions)
	assert.Equal(t, 1, st.Keys)
	assert.Equal(t, int64(3), st.Reclaimed)
	assert.Equal(t, uint64(4), st.LastSafeSeq)

	// every snapshot at or above the safe point reads what it read before
	v, ok := s.Read([]byte("a"), 4)
	require.True(t, ok)
	assert.Equal(t, "3", string(v.Value))
	v, ok = s.Read([]byte("a"), MaxSeq)
	require.True(t, ok)
	assert.Equal(t, "5", string(v.Value))
	_, ok = s.Read([]byte("b"), 4)
	assert.False(t, ok)

	removed, err = s.Compact(4)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCompactKeepsNewerTombstone(t *testing.T) {
	s := NewMemoryStore()
	s.WriteBatch([]Version{put("a", "1", 1)})
	s.WriteBatch([]Version{del("a", 5)})

	removed, err := s.Compact(3)
	require.NoError(t, err)
	assert.Zero(t, removed)

	v, ok := s.Read([]byte("a"), 3)
	require.True(t, ok)
	assert.Equal(t, "1", string(v.Value))
}

func TestCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")

	s := NewMemoryStore()
	s.WriteBatch([]Version{put("a", "1", 1), put("b", "1", 1), put("c", "1", 1)})
	s.WriteBatch([]Version{put("a", "2", 2), del("b", 2)})
	s.WriteBatch([]Version{put("c", "3", 3)})

	n, err := s.WriteCheckpoint(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	restored := NewMemoryStore()
	seq, err := restored.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, []string{"a=2", "c=1"}, collect(t, restored.Scan(nil, nil, MaxSeq)))

	missing := NewMemoryStore()
	seq, err = missing.LoadCheckpoint(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, seq)
}
