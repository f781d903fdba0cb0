package wal

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Op is one key mutation inside a committed transaction.
type Op struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Record describes one committed transaction's write set and the sequence
// number assigned to it at commit.
type Record struct {
	Seq   uint64
	TxnID uint64
	Ops   []Op
}

const (
	recordVersion byte = 1

	opPut    byte = 0
	opDelete byte = 1
)

var errShortRecord = errors.New("wal: short record")

// Marshal encodes r as version | uvarint seq | uvarint txn | uvarint n | ops,
// where each op is kind | uvarint klen | key | uvarint vlen | value.
func (r *Record) Marshal() []byte {
	size := 1 + 3*binary.MaxVarintLen64
	for _, op := range r.Ops {
		size += 1 + 2*binary.MaxVarintLen64 + len(op.Key) + len(op.Value)
	}
	buf := make([]byte, 0, size)

	buf = append(buf, recordVersion)
	buf = binary.AppendUvarint(buf, r.Seq)
	buf = binary.AppendUvarint(buf, r.TxnID)
	buf = binary.AppendUvarint(buf, uint64(len(r.Ops)))
	for _, op := range r.Ops {
		kind := opPut
		if op.Tombstone {
			kind = opDelete
		}
		buf = append(buf, kind)
		buf = binary.AppendUvarint(buf, uint64(len(op.Key)))
		buf = append(buf, op.Key...)
		if op.Tombstone {
			continue
		}
		buf = binary.AppendUvarint(buf, uint64(len(op.Value)))
		buf = append(buf, op.Value...)
	}
	return buf
}

// UnmarshalRecord decodes a Record written by Marshal.
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	d := decoder{buf: data}

	if v := d.readByte(); d.err == nil && v != recordVersion {
		return r, errors.Errorf("wal: unknown record version %d", v)
	}
	r.Seq = d.readUvarint()
	r.TxnID = d.readUvarint()
	n := d.readUvarint()
	if d.err != nil {
		return r, d.err
	}
	if n > uint64(len(data)) {
		return r, errors.Wrapf(errShortRecord, "op count %d", n)
	}

	r.Ops = make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		var op Op
		op.Tombstone = d.readByte() == opDelete
		op.Key = d.readBytes()
		if !op.Tombstone {
			op.Value = d.readBytes()
		}
		if d.err != nil {
			return r, d.err
		}
		r.Ops = append(r.Ops, op)
	}
	if len(d.buf) != 0 {
		return r, errors.Errorf("wal: %d trailing bytes in record", len(d.buf))
	}
	return r, nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.err = errShortRecord
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) readUvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errShortRecord
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) readBytes() []byte {
	n := d.readUvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.err = errShortRecord
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	return out
}
