package storage

import (
	"bytes"

	"github.com/google/btree"
)

const iterBatch = 64

type kvPair struct {
	key   []byte
	value []byte
}

// iterator walks a private clone of the version tree. It refills a small
// buffer of visible pairs per descent so a long scan never holds a lock and
// never materializes the whole range.
type iterator struct {
	tree   *btree.BTreeG[Version]
	end    []byte
	maxSeq uint64

	next []byte // resume point for the next refill
	done bool

	buf []kvPair
	pos int
	cur kvPair
}

func newIterator(tree *btree.BTreeG[Version], start, end []byte, maxSeq uint64) *iterator {
	if start == nil {
		start = []byte{}
	}
	if len(end) == 0 {
		end = nil
	}
	return &iterator{tree: tree, end: end, maxSeq: maxSeq, next: start, pos: -1}
}

func (it *iterator) fill() {
	it.buf = it.buf[:0]
	it.pos = 0

	full := false
	var resolved []byte
	it.tree.AscendGreaterOrEqual(seekKey(it.next, MaxSeq), func(v Version) bool {
		if it.end != nil && bytes.Compare(v.Key, it.end) >= 0 {
			return false
		}
		if resolved != nil && bytes.Equal(v.Key, resolved) {
			return true
		}
		if v.Seq > it.maxSeq {
			return true
		}
		if len(it.buf) == iterBatch {
			it.next = v.Key
			full = true
			return false
		}
		resolved = v.Key
		if !v.Tombstone {
			it.buf = append(it.buf, kvPair{key: v.Key, value: v.Value})
		}
		return true
	})
	it.done = !full
}

func (it *iterator) Next() bool {
	if it.tree == nil {
		return false
	}
	it.pos++
	for it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		it.fill()
	}
	it.cur = it.buf[it.pos]
	return true
}

func (it *iterator) Key() []byte   { return it.cur.key }
func (it *iterator) Value() []byte { return it.cur.value }
func (it *iterator) Error() error  { return nil }

func (it *iterator) Close() error {
	it.tree = nil
	it.buf = nil
	return nil
}
