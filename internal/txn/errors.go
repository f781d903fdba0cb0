package txn

import (
	"github.com/pkg/errors"

	"github.com/myuser/uranus/internal/mvcc"
	"github.com/myuser/uranus/internal/storage"
)

var (
	// ErrConflict means the transaction was aborted at commit because a
	// concurrent commit touched its write set (or read set, when serializable).
	ErrConflict = mvcc.ErrConflict
	// ErrInvalidState is returned for operations on a transaction that is
	// committed, aborted or unknown.
	ErrInvalidState = errors.New("transaction is not active")
	// ErrStorageIO means the log could not be made durable. The manager stops
	// accepting work once it has been returned.
	ErrStorageIO = errors.New("storage i/o failure")
	ErrEmptyKey  = storage.ErrEmptyKey

	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
	ErrTxnTooLarge   = errors.New("transaction write set too large")
	ErrClosed        = errors.New("transaction manager closed")
)
