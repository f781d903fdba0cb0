package txn

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/metrics"
	"github.com/myuser/uranus/internal/mvcc"
	"github.com/myuser/uranus/internal/storage"
	"github.com/myuser/uranus/internal/storage/wal"
)

// Config holds the knobs the manager needs. Zero sizes disable the check.
type Config struct {
	DataDir   string
	Isolation mvcc.Isolation

	MaxKeySize   int
	MaxValueSize int
	// ScanLimit caps the pairs one Scan returns; zero means no cap.
	ScanLimit int
	// MaxWriteBytes caps the key and value bytes one transaction buffers.
	MaxWriteBytes int64

	WALSegmentSize int64
	WALNoSync      bool
	// WALMaxEntrySize caps one commit record; zero means the frame limit.
	WALMaxEntrySize int64

	CompactInterval    time.Duration
	CheckpointInterval time.Duration
}

// Manager runs transactions over the storage engine. Every commit goes
// through one critical section: validate, assign the next sequence number,
// append to the WAL, apply to storage, then publish the sequence.
type Manager struct {
	cfg    Config
	log    *zap.Logger
	store  *storage.MemoryStore
	wal    *wal.WAL
	oracle *mvcc.Oracle

	mu     sync.RWMutex
	txns   map[uint64]*Txn
	nextID atomic.Uint64

	commitMu     sync.Mutex
	checkpointMu sync.Mutex

	closed   atomic.Bool
	failed   chan struct{}
	failOnce sync.Once
	failErr  error
}

// Begin opens a transaction reading at the newest visible sequence. It fails
// once the manager is closed or its log has failed.
func (m *Manager) Begin() (uint64, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}
	id := m.nextID.Add(1)
	t := newTxn(id, 0, m.cfg.Isolation == mvcc.Serializable)
	t.startSeq = m.oracle.Register(id)

	m.mu.Lock()
	// Close snapshots txns after setting closed, so checking here under the
	// lock means Close either sees this txn or Begin sees closed.
	if m.closed.Load() {
		m.mu.Unlock()
		m.oracle.Unregister(id)
		return 0, ErrClosed
	}
	m.txns[id] = t
	m.mu.Unlock()

	metrics.ActiveTxnGauge.Inc()
	m.log.Debug("begin", zap.Uint64("txn", id), zap.Uint64("start_seq", t.startSeq))
	return id, nil
}

// acquire returns the transaction locked, or an error if it cannot be used.
func (m *Manager) acquire(id uint64) (*Txn, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	return m.lookup(id)
}

// lookup returns the active transaction id locked.
func (m *Manager) lookup(id uint64) (*Txn, error) {
	m.mu.RLock()
	t, ok := m.txns[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrInvalidState, "txn %d", id)
	}
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidState, "txn %d is %s", id, t.state)
	}
	t.touch()
	return t, nil
}

func (m *Manager) usable() error {
	select {
	case <-m.failed:
		return ErrStorageIO
	default:
	}
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Manager) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if m.cfg.MaxKeySize > 0 && len(key) > m.cfg.MaxKeySize {
		return errors.Wrapf(ErrKeyTooLarge, "%d > %d bytes", len(key), m.cfg.MaxKeySize)
	}
	return nil
}

// Get returns the value of key as seen by the transaction: its own buffered
// write if any, otherwise the snapshot at its start.
func (m *Manager) Get(id uint64, key []byte) ([]byte, bool, error) {
	if err := m.checkKey(key); err != nil {
		return nil, false, err
	}
	t, err := m.acquire(id)
	if err != nil {
		return nil, false, err
	}
	defer t.mu.Unlock()

	if w, ok := t.own(key); ok {
		if w.tombstone {
			return nil, false, nil
		}
		return clone(w.value), true, nil
	}

	t.noteRead(key)
	v, ok := m.store.Read(key, t.startSeq)
	if !ok || v.Tombstone {
		return nil, false, nil
	}
	return clone(v.Value), true, nil
}

func (m *Manager) Put(id uint64, key, value []byte) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	if m.cfg.MaxValueSize > 0 && len(value) > m.cfg.MaxValueSize {
		return errors.Wrapf(ErrValueTooLarge, "%d > %d bytes", len(value), m.cfg.MaxValueSize)
	}
	t, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	if err := m.checkWriteSet(t, key, value); err != nil {
		return err
	}
	t.buffer(key, value, false)
	return nil
}

func (m *Manager) checkWriteSet(t *Txn, key, value []byte) error {
	if m.cfg.MaxWriteBytes <= 0 {
		return nil
	}
	if n := t.sizeAfter(key, value); n > m.cfg.MaxWriteBytes {
		return errors.Wrapf(ErrTxnTooLarge, "%d > %d bytes", n, m.cfg.MaxWriteBytes)
	}
	return nil
}

func (m *Manager) Delete(id uint64, key []byte) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	t, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	if err := m.checkWriteSet(t, key, nil); err != nil {
		return err
	}
	t.buffer(key, nil, true)
	return nil
}

// Scan returns up to limit pairs in [start, end) in key order, merging the
// transaction's buffered writes over its snapshot. An empty end is unbounded;
// a zero limit means the configured cap.
func (m *Manager) Scan(id uint64, start, end []byte, limit int) ([]KV, error) {
	if m.cfg.MaxKeySize > 0 && (len(start) > m.cfg.MaxKeySize || len(end) > m.cfg.MaxKeySize) {
		return nil, errors.Wrap(ErrKeyTooLarge, "scan bound")
	}
	t, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()

	if limit <= 0 || (m.cfg.ScanLimit > 0 && limit > m.cfg.ScanLimit) {
		limit = m.cfg.ScanLimit
	}
	if len(end) > 0 && bytes.Compare(start, end) >= 0 {
		return nil, nil
	}
	t.noteRange(start, end)

	var own []intent
	t.writes.Ascend(intent{key: start}, func(w intent) bool {
		if len(end) > 0 && bytes.Compare(w.key, end) >= 0 {
			return false
		}
		own = append(own, w)
		return true
	})

	it := m.store.Scan(start, end, t.startSeq)
	defer it.Close()

	var out []KV
	full := func() bool { return limit > 0 && len(out) >= limit }
	emit := func(w intent) {
		if !w.tombstone {
			out = append(out, KV{Key: clone(w.key), Value: clone(w.value)})
		}
	}

	for !full() && it.Next() {
		for len(own) > 0 && bytes.Compare(own[0].key, it.Key()) < 0 && !full() {
			emit(own[0])
			own = own[1:]
		}
		if full() {
			break
		}
		if len(own) > 0 && bytes.Equal(own[0].key, it.Key()) {
			emit(own[0])
			own = own[1:]
			continue
		}
		out = append(out, KV{Key: clone(it.Key()), Value: clone(it.Value())})
	}
	for len(own) > 0 && !full() {
		emit(own[0])
		own = own[1:]
	}
	return out, it.Error()
}

// Commit makes the transaction's writes durable and visible and returns the
// commit sequence number. A read-only transaction returns its start sequence.
func (m *Manager) Commit(id uint64) (uint64, error) {
	t, err := m.acquire(id)
	if err != nil {
		return 0, err
	}
	defer t.mu.Unlock()

	if t.writes.Len() == 0 {
		m.finish(t, StateCommitted)
		metrics.TxnCounter.WithLabelValues(metrics.OutcomeCommitted).Inc()
		return t.startSeq, nil
	}

	begin := time.Now()
	seq, err := m.commitLocked(t)
	if err != nil {
		m.finish(t, StateAborted)
		if errors.Is(err, ErrConflict) {
			metrics.TxnCounter.WithLabelValues(metrics.OutcomeConflict).Inc()
			m.log.Warn("commit conflict", zap.Uint64("txn", id), zap.Error(err))
		}
		return 0, err
	}
	m.finish(t, StateCommitted)

	metrics.CommitDuration.Observe(time.Since(begin).Seconds())
	metrics.TxnCounter.WithLabelValues(metrics.OutcomeCommitted).Inc()
	m.log.Debug("commit",
		zap.Uint64("txn", id),
		zap.Uint64("seq", seq),
		zap.Int("writes", t.writes.Len()))
	return seq, nil
}

func (m *Manager) commitLocked(t *Txn) (uint64, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	// re-check under the lock: a concurrent commit may have failed the log
	if err := m.usable(); err != nil {
		return 0, err
	}
	c := t.candidate()
	if err := m.oracle.Check(c); err != nil {
		return 0, err
	}

	seq := m.oracle.Visible() + 1
	rec, versions := t.record(seq)
	data := rec.Marshal()
	if err := m.wal.Append(data); err != nil {
		if errors.Is(err, wal.ErrTooLarge) {
			// rejected before anything was written, the log is intact
			return 0, errors.Wrap(ErrTxnTooLarge, err.Error())
		}
		m.fail(err)
		return 0, errors.Wrapf(ErrStorageIO, "append commit %d: %v", seq, err)
	}
	metrics.WALAppends.Inc()
	metrics.WALBytes.Add(float64(len(data)))

	if _, err := m.store.WriteBatch(versions); err != nil {
		m.fail(err)
		return 0, errors.Wrapf(ErrStorageIO, "apply commit %d: %v", seq, err)
	}
	m.oracle.RecordCommit(seq, c.Writes)
	return seq, nil
}

// Abort discards the transaction's writes. It succeeds for any active
// transaction, even after a log failure; aborting a transaction that is no
// longer active is an error.
func (m *Manager) Abort(id uint64) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	m.finish(t, StateAborted)
	metrics.TxnCounter.WithLabelValues(metrics.OutcomeAborted).Inc()
	m.log.Debug("abort", zap.Uint64("txn", id))
	return nil
}

// finish moves t to its final state and forgets it. t.mu must be held.
func (m *Manager) finish(t *Txn, state State) {
	t.state = state
	m.mu.Lock()
	delete(m.txns, t.id)
	m.mu.Unlock()
	m.oracle.Unregister(t.id)
	metrics.ActiveTxnGauge.Dec()
}

// AbortIdle aborts transactions untouched for longer than maxIdle and returns
// how many it aborted. Transactions busy in another call are skipped.
func (m *Manager) AbortIdle(maxIdle time.Duration) int {
	m.mu.RLock()
	candidates := make([]*Txn, 0, len(m.txns))
	for _, t := range m.txns {
		candidates = append(candidates, t)
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-maxIdle)
	n := 0
	for _, t := range candidates {
		if !t.mu.TryLock() {
			continue
		}
		if t.state == StateActive && t.lastUsed.Before(cutoff) {
			m.finish(t, StateAborted)
			n++
			metrics.TxnCounter.WithLabelValues(metrics.OutcomeReaped).Inc()
			m.log.Warn("aborted idle transaction",
				zap.Uint64("txn", t.id),
				zap.Duration("idle", time.Since(t.lastUsed)))
		}
		t.mu.Unlock()
	}
	return n
}

// fail poisons the manager after a WAL error. Nothing more can be made
// durable, so every later call returns ErrStorageIO.
func (m *Manager) fail(err error) {
	m.failOnce.Do(func() {
		m.failErr = err
		m.log.Error("write-ahead log failure, refusing further work", zap.Error(err))
		close(m.failed)
	})
}

// Failed is closed once the manager hits an unrecoverable storage error.
func (m *Manager) Failed() <-chan struct{} {
	return m.failed
}

// Err returns the error that failed the manager, if any.
func (m *Manager) Err() error {
	select {
	case <-m.failed:
		return m.failErr
	default:
		return nil
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Active    int
	Visible   uint64
	SafePoint uint64
	Tracked   int
	WALSize   int64
	Isolation mvcc.Isolation
	Storage   storage.Stats
	Failed    bool
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.txns)
	m.mu.RUnlock()
	return Stats{
		Active:    active,
		Visible:   m.oracle.Visible(),
		SafePoint: m.oracle.SafePoint(),
		Tracked:   m.oracle.Tracked(),
		WALSize:   m.wal.Size(),
		Isolation: m.cfg.Isolation,
		Storage:   m.store.Stats(),
		Failed:    m.Err() != nil,
	}
}

// Close aborts open transactions and releases the log and storage.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.RLock()
	open := make([]*Txn, 0, len(m.txns))
	for _, t := range m.txns {
		open = append(open, t)
	}
	m.mu.RUnlock()
	for _, t := range open {
		t.mu.Lock()
		if t.state == StateActive {
			m.finish(t, StateAborted)
		}
		t.mu.Unlock()
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	err := m.wal.Close()
	if cerr := m.store.Close(); err == nil {
		err = cerr
	}
	m.log.Info("transaction manager closed", zap.Uint64("visible_seq", m.oracle.Visible()))
	return err
}
