package mvcc

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// ErrConflict is returned by Check when the candidate lost a race.
var ErrConflict = errors.New("transaction conflict")

// Candidate is what a transaction presents when it asks to commit.
type Candidate struct {
	TxnID    uint64
	StartSeq uint64
	Writes   [][]byte
	Reads    [][]byte
	Ranges   []KeyRange
}

type snapshotRef struct {
	startSeq uint64
	txnID    uint64
}

func lessSnapshot(a, b snapshotRef) bool {
	if a.startSeq != b.startSeq {
		return a.startSeq < b.startSeq
	}
	return a.txnID < b.txnID
}

type committedSet struct {
	seq  uint64
	keys map[string]struct{}
}

// Oracle hands out snapshots, validates commits against write sets committed
// after a candidate's snapshot, and tracks the oldest snapshot still in use.
// Check and RecordCommit must be called from one commit path at a time.
type Oracle struct {
	mu        sync.Mutex
	isolation Isolation
	visible   uint64

	active *btree.BTreeG[snapshotRef]
	starts map[uint64]uint64

	// ascending by seq; pruned once no snapshot predates an entry
	committed []committedSet
}

func NewOracle(isolation Isolation, visible uint64) *Oracle {
	return &Oracle{
		isolation: isolation,
		visible:   visible,
		active:    btree.NewG[snapshotRef](16, lessSnapshot),
		starts:    make(map[uint64]uint64),
	}
}

func (o *Oracle) Isolation() Isolation { return o.isolation }

// Visible is the newest sequence number readers may observe.
func (o *Oracle) Visible() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visible
}

// Register pins a snapshot at the current visible sequence for txnID and
// returns it. Reading visible and pinning happen atomically so SafePoint never
// advances past a snapshot that is about to be handed out.
func (o *Oracle) Register(txnID uint64) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := o.visible
	o.starts[txnID] = start
	o.active.ReplaceOrInsert(snapshotRef{startSeq: start, txnID: txnID})
	return start
}

func (o *Oracle) Unregister(txnID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start, ok := o.starts[txnID]
	if !ok {
		return
	}
	delete(o.starts, txnID)
	o.active.Delete(snapshotRef{startSeq: start, txnID: txnID})
	o.pruneLocked()
}

// Check reports ErrConflict if any write set committed after c.StartSeq
// touches c's writes, or under Serializable its reads or scanned ranges.
func (o *Oracle) Check(c Candidate) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := len(o.committed) - 1; i >= 0; i-- {
		cs := o.committed[i]
		if cs.seq <= c.StartSeq {
			break
		}
		for _, k := range c.Writes {
			if _, ok := cs.keys[string(k)]; ok {
				return errors.Wrapf(ErrConflict, "key %q written at seq %d", k, cs.seq)
			}
		}
		if o.isolation != Serializable {
			continue
		}
		for _, k := range c.Reads {
			if _, ok := cs.keys[string(k)]; ok {
				return errors.Wrapf(ErrConflict, "read key %q changed at seq %d", k, cs.seq)
			}
		}
		if len(c.Ranges) == 0 {
			continue
		}
		for k := range cs.keys {
			for _, r := range c.Ranges {
				if r.Contains([]byte(k)) {
					return errors.Wrapf(ErrConflict, "scanned range changed at seq %d (key %q)", cs.seq, k)
				}
			}
		}
	}
	return nil
}

// RecordCommit remembers the write set committed at seq and makes seq
// visible to new snapshots.
func (o *Oracle) RecordCommit(seq uint64, keys [][]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active.Len() > 0 {
		set := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			set[string(k)] = struct{}{}
		}
		o.committed = append(o.committed, committedSet{seq: seq, keys: set})
	}
	if seq > o.visible {
		o.visible = seq
	}
}

// SafePoint is the oldest sequence any live snapshot reads at, or the visible
// sequence when no transaction is open. Versions shadowed at or below it can
// be reclaimed.
func (o *Oracle) SafePoint() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.safePointLocked()
}

func (o *Oracle) safePointLocked() uint64 {
	if oldest, ok := o.active.Min(); ok {
		return oldest.startSeq
	}
	return o.visible
}

func (o *Oracle) pruneLocked() {
	safe := o.safePointLocked()
	i := 0
	for i < len(o.committed) && o.committed[i].seq <= safe {
		i++
	}
	if i > 0 {
		o.committed = append(o.committed[:0], o.committed[i:]...)
	}
}

// Active returns how many snapshots are registered.
func (o *Oracle) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active.Len()
}

// Tracked returns how many committed write sets are kept for validation.
func (o *Oracle) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.committed)
}
