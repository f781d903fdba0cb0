package storage

// Engine defines the interface for the local multi-version storage engine.
// Versions are never updated in place; every committed write adds a new
// version tagged with its commit sequence number.
type Engine interface {
	// Read returns the newest version of key with Seq <= maxSeq. Tombstones
	// are returned as versions; found is false only when no version exists.
	Read(key []byte, maxSeq uint64) (v Version, found bool)

	// WriteBatch inserts the versions as one unit under a single lock. A
	// version whose (Key, Seq) is already present is skipped, which makes
	// replaying the same batch twice harmless. It returns how many versions
	// were added.
	WriteBatch(batch []Version) (int, error)

	// Scan iterates over the keys in [start, end) as of maxSeq, in ascending
	// key order, hiding tombstones. A nil or empty end means no upper bound.
	Scan(start, end []byte, maxSeq uint64) Iterator

	// Compact drops versions no snapshot at or above safeSeq can observe.
	Compact(safeSeq uint64) (int, error)

	Stats() Stats

	// Close closes the storage engine.
	Close() error
}

// Iterator walks key/value pairs produced by Scan.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Stats contains engine statistics.
type Stats struct {
	Versions    int
	Keys        int
	Tombstones  int
	Compactions int64
	Reclaimed   int64
	LastSafeSeq uint64
}
