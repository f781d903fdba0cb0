package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, w *WAL) [][]byte {
	t.Helper()
	var out [][]byte
	err := w.Iterate(func(data []byte) error {
		d := make([]byte, len(data))
		copy(d, data)
		out = append(out, d)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWAL(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	entries := [][]byte{
		[]byte("entry1"),
		[]byte("entry2-longer"),
		[]byte("entry3"),
	}

	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	// Reopen and verify
	w2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	defer w2.Close()

	readEntries := readAll(t, w2)
	if len(readEntries) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(readEntries))
	}

	for i, e := range entries {
		if !bytes.Equal(e, readEntries[i]) {
			t.Errorf("Entry %d mismatch. Want %s, got %s", i, e, readEntries[i])
		}
	}
}

func TestWALTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{NoSync: true})
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("first")))
	require.NoError(t, w.Append([]byte("second")))
	require.NoError(t, w.Close())

	// chop the last frame in half, as a crash during write would
	path := filepath.Join(dir, "wal-0000000000000001.log")
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-5))

	w, err = Open(dir, Options{NoSync: true})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("first")}, readAll(t, w))

	// appends land right after the last intact frame
	require.NoError(t, w.Append([]byte("third")))
	assert.Equal(t, [][]byte{[]byte("first"), []byte("third")}, readAll(t, w))
	require.NoError(t, w.Close())
}

func TestWALCorruptionInOlderSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{NoSync: true})
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("old-entry")))
	_, err = w.Rotate()
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("new-entry")))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "wal-0000000000000001.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[5] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	w, err = Open(dir, Options{NoSync: true})
	require.NoError(t, err)
	defer w.Close()

	err = w.Iterate(func([]byte) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestWALSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{NoSync: true, SegmentSize: 64})
	require.NoError(t, err)
	defer w.Close()

	payload := bytes.Repeat([]byte("x"), 40)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Append(payload))
	}
	ids, err := w.segments()
	require.NoError(t, err)
	assert.Len(t, ids, 4)

	next, err := w.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next)
	require.NoError(t, w.Append([]byte("after")))

	removed, err := w.RemoveBefore(next)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Equal(t, [][]byte{[]byte("after")}, readAll(t, w))
}

func TestWALRejectsOversizedEntry(t *testing.T) {
	w, err := Open(t.TempDir(), Options{NoSync: true, MaxEntrySize: 16})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append([]byte("small")))
	err = w.Append(bytes.Repeat([]byte("x"), 17))
	assert.True(t, errors.Is(err, ErrTooLarge), "got %v", err)

	// the log is still usable and holds only the entries that fit
	require.NoError(t, w.Append([]byte("after")))
	assert.Equal(t, [][]byte{[]byte("small"), []byte("after")}, readAll(t, w))
}

func TestRecordMarshal(t *testing.T) {
	r := Record{
		Seq:   42,
		TxnID: 7,
		Ops: []Op{
			{Key: []byte("a"), Value: []byte("1")},
			{Key: []byte("b"), Tombstone: true},
			{Key: []byte("c\r\n"), Value: []byte{}},
		},
	}
	got, err := UnmarshalRecord(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r.Seq, got.Seq)
	assert.Equal(t, r.TxnID, got.TxnID)
	require.Len(t, got.Ops, 3)
	assert.Equal(t, []byte("1"), got.Ops[0].Value)
	assert.True(t, got.Ops[1].Tombstone)
	assert.Equal(t, []byte("c\r\n"), got.Ops[2].Key)

	_, err = UnmarshalRecord(r.Marshal()[:10])
	assert.Error(t, err)
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	fw, err := CreateFile(path)
	require.NoError(t, err)
	require.NoError(t, fw.Write([]byte("one")))
	require.NoError(t, fw.Write([]byte("two")))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file visible before commit")
	require.NoError(t, fw.Commit())

	var got []string
	require.NoError(t, ReadFile(path, func(d []byte) error {
		got = append(got, string(d))
		return nil
	}))
	assert.Equal(t, []string{"one", "two"}, got)
}
