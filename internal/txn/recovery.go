package txn

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/myuser/uranus/internal/mvcc"
	"github.com/myuser/uranus/internal/storage"
	"github.com/myuser/uranus/internal/storage/wal"
)

const (
	checkpointFile = "checkpoint"
	walDir         = "wal"
)

// Open loads the last checkpoint under cfg.DataDir, replays the WAL on top of
// it and returns a manager ready to serve. Commits that reached the log
// before a crash are visible again; anything after a torn tail is dropped.
func Open(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	store := storage.NewMemoryStore()
	cpSeq, err := store.LoadCheckpoint(filepath.Join(cfg.DataDir, checkpointFile))
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(filepath.Join(cfg.DataDir, walDir), wal.Options{
		SegmentSize:  cfg.WALSegmentSize,
		NoSync:       cfg.WALNoSync,
		MaxEntrySize: cfg.WALMaxEntrySize,
	})
	if err != nil {
		return nil, err
	}

	last, replayed, err := replay(w, store, cpSeq)
	if err != nil {
		w.Close()
		return nil, err
	}

	logger.Info("recovered storage",
		zap.String("data_dir", cfg.DataDir),
		zap.Uint64("checkpoint_seq", cpSeq),
		zap.Int("replayed_records", replayed),
		zap.Uint64("visible_seq", last),
		zap.Stringer("isolation", cfg.Isolation))

	return &Manager{
		cfg:    cfg,
		log:    logger,
		store:  store,
		wal:    w,
		oracle: mvcc.NewOracle(cfg.Isolation, last),
		txns:   make(map[uint64]*Txn),
		failed: make(chan struct{}),
	}, nil
}

// replay applies every logged commit newer than the checkpoint, in log
// order, and returns the highest sequence number seen.
func replay(w *wal.WAL, store storage.Engine, cpSeq uint64) (uint64, int, error) {
	last := cpSeq
	n := 0
	err := w.Iterate(func(data []byte) error {
		rec, err := wal.UnmarshalRecord(data)
		if err != nil {
			return errors.Wrap(err, "decode wal record")
		}
		if rec.Seq <= last {
			return nil
		}
		versions := make([]storage.Version, 0, len(rec.Ops))
		for _, op := range rec.Ops {
			versions = append(versions, storage.Version{
				Key:       op.Key,
				Value:     op.Value,
				Tombstone: op.Tombstone,
				Seq:       rec.Seq,
			})
		}
		if _, err := store.WriteBatch(versions); err != nil {
			return errors.Wrapf(err, "replay seq %d", rec.Seq)
		}
		last = rec.Seq
		n++
		return nil
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "replay wal")
	}
	return last, n, nil
}
