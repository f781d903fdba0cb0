package txn

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/metrics"
)

// Compact reclaims versions no open snapshot can read.
func (m *Manager) Compact() (int, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}
	safe := m.oracle.SafePoint()
	n, err := m.store.Compact(safe)
	if err != nil {
		return 0, err
	}
	metrics.CompactionReclaimed.Add(float64(n))
	metrics.VersionGauge.Set(float64(m.store.Stats().Versions))
	if n > 0 {
		m.log.Debug("compacted", zap.Uint64("safe_seq", safe), zap.Int("reclaimed", n))
	}
	return n, nil
}

// Checkpoint writes the committed state to disk and drops the WAL segments
// it covers, bounding recovery time.
func (m *Manager) Checkpoint() error {
	if err := m.usable(); err != nil {
		return err
	}
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()

	// Every commit at or below seq is in a segment older than next, and every
	// later commit lands in next or after.
	m.commitMu.Lock()
	seq := m.oracle.Visible()
	next, err := m.wal.Rotate()
	m.commitMu.Unlock()
	if err != nil {
		m.fail(err)
		return err
	}

	start := time.Now()
	n, err := m.store.WriteCheckpoint(filepath.Join(m.cfg.DataDir, checkpointFile), seq)
	if err != nil {
		m.log.Error("checkpoint failed", zap.Uint64("seq", seq), zap.Error(err))
		return err
	}
	removed, err := m.wal.RemoveBefore(next)
	if err != nil {
		return err
	}
	m.log.Info("checkpoint written",
		zap.Uint64("seq", seq),
		zap.Int("versions", n),
		zap.Int("segments_removed", removed),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Run performs periodic compaction and checkpoints until ctx is done or the
// manager fails. A zero interval disables that task.
func (m *Manager) Run(ctx context.Context) {
	compactC, stopCompact := tick(m.cfg.CompactInterval)
	defer stopCompact()
	checkpointC, stopCheckpoint := tick(m.cfg.CheckpointInterval)
	defer stopCheckpoint()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.failed:
			return
		case <-compactC:
			if _, err := m.Compact(); err != nil {
				m.log.Warn("compaction failed", zap.Error(err))
			}
		case <-checkpointC:
			if err := m.Checkpoint(); err != nil {
				m.log.Warn("checkpoint failed", zap.Error(err))
			}
		}
	}
}

// tick returns a ticker channel, or nil (never fires) for d <= 0.
func tick(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}
