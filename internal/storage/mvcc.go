package storage

import (
	"bytes"
	"math"
)

// Version is one immutable (key, value-or-tombstone, seq) triple.
type Version struct {
	Key       []byte
	Value     []byte
	Tombstone bool
	Seq       uint64
}

// MaxSeq reads the newest committed version of every key.
const MaxSeq = math.MaxUint64

// lessVersion orders versions by key ascending, then by sequence number
// descending, so the newest version of a key comes first and a seek to
// (key, readSeq) lands on the newest version visible at readSeq.
func lessVersion(a, b Version) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Seq > b.Seq
}

// seekKey is the pivot that sorts before every version of key visible at seq.
func seekKey(key []byte, seq uint64) Version {
	return Version{Key: key, Seq: seq}
}
