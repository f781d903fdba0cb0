package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// ErrEmptyKey is returned when a version carries no key.
var ErrEmptyKey = errors.New("storage: empty key")

const btreeDegree = 32

// MemoryStore implements Engine on a copy-on-write B-tree of versions.
type MemoryStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Version]

	compactions int64
	reclaimed   int64
	lastSafeSeq uint64
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree: btree.NewG[Version](btreeDegree, lessVersion),
	}
}

func (s *MemoryStore) Read(key []byte, maxSeq uint64) (Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readLocked(s.tree, key, maxSeq)
}

func readLocked(tree *btree.BTreeG[Version], key []byte, maxSeq uint64) (Version, bool) {
	var found Version
	ok := false
	tree.AscendGreaterOrEqual(seekKey(key, maxSeq), func(v Version) bool {
		if bytes.Equal(v.Key, key) {
			found, ok = v, true
		}
		return false
	})
	return found, ok
}

func (s *MemoryStore) WriteBatch(batch []Version) (int, error) {
	for _, v := range batch {
		if len(v.Key) == 0 {
			return 0, ErrEmptyKey
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, v := range batch {
		if s.tree.Has(v) {
			continue
		}
		s.tree.ReplaceOrInsert(v)
		applied++
	}
	return applied, nil
}

// snapshot returns a lazy copy-on-write clone. The clone can be read without
// holding mu while writers keep mutating the live tree.
func (s *MemoryStore) snapshot() *btree.BTreeG[Version] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Clone()
}

func (s *MemoryStore) Scan(start, end []byte, maxSeq uint64) Iterator {
	return newIterator(s.snapshot(), start, end, maxSeq)
}

// Compact removes versions older than safeSeq that are shadowed by a newer
// version at or below safeSeq. A tombstone that is the newest version at or
// below safeSeq is removed together with everything older. Garbage is found
// on a clone; only the deletes take the write lock.
func (s *MemoryStore) Compact(safeSeq uint64) (int, error) {
	snap := s.snapshot()

	var garbage []Version
	var curKey []byte
	seenVisible := false
	snap.Ascend(func(v Version) bool {
		if curKey == nil || !bytes.Equal(v.Key, curKey) {
			curKey = v.Key
			seenVisible = false
		}
		if v.Seq > safeSeq {
			return true
		}
		if !seenVisible {
			seenVisible = true
			if v.Tombstone {
				garbage = append(garbage, v)
			}
			return true
		}
		garbage = append(garbage, v)
		return true
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range garbage {
		s.tree.Delete(v)
	}
	s.compactions++
	s.reclaimed += int64(len(garbage))
	if safeSeq > s.lastSafeSeq {
		s.lastSafeSeq = safeSeq
	}
	return len(garbage), nil
}

// Stats walks a clone to count live keys, so it is O(n) and meant for
// admin use rather than hot paths.
func (s *MemoryStore) Stats() Stats {
	snap := s.snapshot()

	s.mu.RLock()
	st := Stats{
		Versions:    snap.Len(),
		Compactions: s.compactions,
		Reclaimed:   s.reclaimed,
		LastSafeSeq: s.lastSafeSeq,
	}
	s.mu.RUnlock()

	var lastKey []byte
	snap.Ascend(func(v Version) bool {
		if v.Tombstone {
			st.Tombstones++
		}
		if lastKey == nil || !bytes.Equal(v.Key, lastKey) {
			lastKey = v.Key
			if !v.Tombstone {
				st.Keys++
			}
		}
		return true
	})
	return st
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree.Clear(false)
	return nil
}
