package storage

import (
	"bytes"
	"math"
	"os"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/myuser/uranus/internal/storage/wal"
)

// checkpointMarker tags the header record of a checkpoint file.
const checkpointMarker = math.MaxUint64

// WriteCheckpoint persists, for every key, the newest version at or below seq
// that is not a tombstone. The file appears at path only once it is complete.
// It returns the number of versions written.
func (s *MemoryStore) WriteCheckpoint(path string, seq uint64) (int, error) {
	snap := s.snapshot()

	fw, err := wal.CreateFile(path)
	if err != nil {
		return 0, err
	}
	header := wal.Record{Seq: seq, TxnID: checkpointMarker}
	if err := fw.Write(header.Marshal()); err != nil {
		fw.Abort()
		return 0, err
	}

	n, err := writeVisible(fw, snap, seq)
	if err != nil {
		fw.Abort()
		return 0, err
	}
	if err := fw.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func writeVisible(fw *wal.FileWriter, snap *btree.BTreeG[Version], seq uint64) (int, error) {
	var (
		n       int
		werr    error
		lastKey []byte
	)
	snap.Ascend(func(v Version) bool {
		if v.Seq > seq || (lastKey != nil && bytes.Equal(v.Key, lastKey)) {
			return true
		}
		lastKey = v.Key
		if v.Tombstone {
			return true
		}
		rec := wal.Record{Seq: v.Seq, Ops: []wal.Op{{Key: v.Key, Value: v.Value}}}
		if werr = fw.Write(rec.Marshal()); werr != nil {
			return false
		}
		n++
		return true
	})
	return n, werr
}

// LoadCheckpoint restores the versions stored at path and returns the
// sequence number the checkpoint was taken at. A missing file is not an
// error and yields zero.
func (s *MemoryStore) LoadCheckpoint(path string) (uint64, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}

	var (
		seq    uint64
		header bool
		batch  []Version
	)
	err := wal.ReadFile(path, func(data []byte) error {
		rec, err := wal.UnmarshalRecord(data)
		if err != nil {
			return err
		}
		if !header {
			if rec.TxnID != checkpointMarker {
				return errors.New("checkpoint: missing header")
			}
			seq, header = rec.Seq, true
			return nil
		}
		for _, op := range rec.Ops {
			batch = append(batch, Version{Key: op.Key, Value: op.Value, Tombstone: op.Tombstone, Seq: rec.Seq})
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "load checkpoint %s", path)
	}
	if !header {
		return 0, errors.Errorf("load checkpoint %s: empty file", path)
	}
	if _, err := s.WriteBatch(batch); err != nil {
		return 0, err
	}
	return seq, nil
}
