package mvcc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keys(ks ...string) [][]byte {
	out := make([][]byte, len(ks))
	for i, k := range ks {
		out[i] = []byte(k)
	}
	return out
}

func TestOracleWriteWriteConflict(t *testing.T) {
	o := NewOracle(Snapshot, 10)

	t1 := o.Register(1)
	t2 := o.Register(2)
	require.Equal(t, uint64(10), t1)
	require.Equal(t, uint64(10), t2)

	require.NoError(t, o.Check(Candidate{TxnID: 1, StartSeq: t1, Writes: keys("x")}))
	o.RecordCommit(11, keys("x"))
	o.Unregister(1)

	err := o.Check(Candidate{TxnID: 2, StartSeq: t2, Writes: keys("y", "x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	// disjoint keys commit fine
	assert.NoError(t, o.Check(Candidate{TxnID: 2, StartSeq: t2, Writes: keys("y")}))

	// a snapshot taken after the commit does not conflict with it
	t3 := o.Register(3)
	assert.Equal(t, uint64(11), t3)
	assert.NoError(t, o.Check(Candidate{TxnID: 3, StartSeq: t3, Writes: keys("x")}))
}

func TestOracleSnapshotIgnoresReads(t *testing.T) {
	o := NewOracle(Snapshot, 0)
	start := o.Register(1)
	o.Register(2)
	o.RecordCommit(1, keys("r"))

	assert.NoError(t, o.Check(Candidate{TxnID: 1, StartSeq: start, Writes: keys("w"), Reads: keys("r")}))
}

func TestOracleSerializable(t *testing.T) {
	o := NewOracle(Serializable, 0)
	start := o.Register(1)
	o.Register(2)
	o.RecordCommit(1, keys("r", "m"))

	err := o.Check(Candidate{TxnID: 1, StartSeq: start, Writes: keys("w"), Reads: keys("r")})
	assert.True(t, errors.Is(err, ErrConflict))

	err = o.Check(Candidate{
		TxnID:    1,
		StartSeq: start,
		Writes:   keys("w"),
		Ranges:   []KeyRange{{Start: []byte("k"), End: []byte("n")}},
	})
	assert.True(t, errors.Is(err, ErrConflict))

	assert.NoError(t, o.Check(Candidate{
		TxnID:    1,
		StartSeq: start,
		Writes:   keys("w"),
		Reads:    keys("q"),
		Ranges:   []KeyRange{{Start: []byte("s"), End: nil}},
	}))
}

func TestOracleSafePoint(t *testing.T) {
	o := NewOracle(Snapshot, 5)
	assert.Equal(t, uint64(5), o.SafePoint())

	o.Register(1)
	o.RecordCommit(6, keys("a"))
	o.Register(2)
	o.RecordCommit(7, keys("b"))
	assert.Equal(t, uint64(5), o.SafePoint())
	assert.Equal(t, 2, o.Tracked())

	o.Unregister(1)
	assert.Equal(t, uint64(6), o.SafePoint())
	// the commit at 6 can no longer conflict with anything
	assert.Equal(t, 1, o.Tracked())

	o.Unregister(2)
	assert.Equal(t, uint64(7), o.SafePoint())
	assert.Zero(t, o.Tracked())
	assert.Zero(t, o.Active())

	// unknown ids are ignored
	o.Unregister(42)
}

func TestKeyRangeContains(t *testing.T) {
	r := KeyRange{Start: []byte("b"), End: []byte("d")}
	assert.False(t, r.Contains([]byte("a")))
	assert.True(t, r.Contains([]byte("b")))
	assert.True(t, r.Contains([]byte("cz")))
	assert.False(t, r.Contains([]byte("d")))

	open := KeyRange{Start: []byte("b")}
	assert.True(t, open.Contains([]byte("zzzz")))
}

func TestParseIsolation(t *testing.T) {
	iso, err := ParseIsolation("Serializable")
	require.NoError(t, err)
	assert.Equal(t, Serializable, iso)

	iso, err = ParseIsolation("")
	require.NoError(t, err)
	assert.Equal(t, Snapshot, iso)

	_, err = ParseIsolation("read-committed")
	assert.Error(t, err)
}
