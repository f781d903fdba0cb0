package txn

import (
	"bytes"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/myuser/uranus/internal/mvcc"
	"github.com/myuser/uranus/internal/storage"
	"github.com/myuser/uranus/internal/storage/wal"
)

type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// intent is a buffered, not yet committed write.
type intent struct {
	key       []byte
	value     []byte
	tombstone bool
}

func (w intent) size() int64 { return int64(len(w.key) + len(w.value)) }

func lessIntent(a, b intent) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// KV is one pair returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Txn is the per-transaction state. Writes stay private to the transaction
// until commit; reads see the snapshot at startSeq overlaid with them.
type Txn struct {
	mu sync.Mutex

	id       uint64
	startSeq uint64
	state    State
	lastUsed time.Time

	writes *btree.BTreeG[intent]
	// key and value bytes held in writes
	size int64
	// read tracking for serializable validation
	reads  map[string]struct{}
	ranges []mvcc.KeyRange
}

func newTxn(id, startSeq uint64, trackReads bool) *Txn {
	t := &Txn{
		id:       id,
		startSeq: startSeq,
		state:    StateActive,
		lastUsed: time.Now(),
		writes:   btree.NewBTreeGOptions(lessIntent, btree.Options{NoLocks: true}),
	}
	if trackReads {
		t.reads = make(map[string]struct{})
	}
	return t
}

func (t *Txn) ID() uint64       { return t.id }
func (t *Txn) StartSeq() uint64 { return t.startSeq }

func (t *Txn) touch() {
	t.lastUsed = time.Now()
}

func (t *Txn) buffer(key, value []byte, tombstone bool) {
	w := intent{key: clone(key), tombstone: tombstone}
	if !tombstone {
		w.value = append([]byte{}, value...)
	}
	if prev, ok := t.writes.Set(w); ok {
		t.size -= prev.size()
	}
	t.size += w.size()
}

// sizeAfter returns the write set size if key were written with value.
func (t *Txn) sizeAfter(key, value []byte) int64 {
	n := t.size + int64(len(key)+len(value))
	if prev, ok := t.writes.Get(intent{key: key}); ok {
		n -= prev.size()
	}
	return n
}

// own returns the transaction's buffered write for key, if any.
func (t *Txn) own(key []byte) (intent, bool) {
	return t.writes.Get(intent{key: key})
}

func (t *Txn) noteRead(key []byte) {
	if t.reads != nil {
		t.reads[string(key)] = struct{}{}
	}
}

func (t *Txn) noteRange(start, end []byte) {
	if t.reads != nil {
		t.ranges = append(t.ranges, mvcc.KeyRange{Start: clone(start), End: clone(end)})
	}
}

func (t *Txn) candidate() mvcc.Candidate {
	c := mvcc.Candidate{
		TxnID:    t.id,
		StartSeq: t.startSeq,
		Writes:   make([][]byte, 0, t.writes.Len()),
		Ranges:   t.ranges,
	}
	t.writes.Scan(func(w intent) bool {
		c.Writes = append(c.Writes, w.key)
		return true
	})
	for k := range t.reads {
		c.Reads = append(c.Reads, []byte(k))
	}
	return c
}

// record builds the log record and storage versions for commit at seq.
func (t *Txn) record(seq uint64) (wal.Record, []storage.Version) {
	rec := wal.Record{Seq: seq, TxnID: t.id, Ops: make([]wal.Op, 0, t.writes.Len())}
	versions := make([]storage.Version, 0, t.writes.Len())
	t.writes.Scan(func(w intent) bool {
		rec.Ops = append(rec.Ops, wal.Op{Key: w.key, Value: w.value, Tombstone: w.tombstone})
		versions = append(versions, storage.Version{Key: w.key, Value: w.value, Tombstone: w.tombstone, Seq: seq})
		return true
	})
	return rec, versions
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
