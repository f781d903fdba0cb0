package mvcc

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// Isolation selects which conflicts abort a committing transaction.
type Isolation int

const (
	// Snapshot aborts on write-write conflicts only.
	Snapshot Isolation = iota
	// Serializable additionally aborts when a key the transaction read, or a
	// key inside a range it scanned, was overwritten after its snapshot.
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case Snapshot:
		return "snapshot"
	case Serializable:
		return "serializable"
	default:
		return "unknown"
	}
}

func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "snapshot", "si":
		return Snapshot, nil
	case "serializable", "ssi":
		return Serializable, nil
	}
	return Snapshot, errors.Errorf("unknown isolation level %q", s)
}

// KeyRange is the half-open interval [Start, End). A nil End is unbounded.
type KeyRange struct {
	Start []byte
	End   []byte
}

func (r KeyRange) Contains(key []byte) bool {
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return len(r.End) == 0 || bytes.Compare(key, r.End) < 0
}
