package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrCorrupt is returned by Iterate when a frame fails its checksum or is cut
// short anywhere other than the tail of the newest segment.
var ErrCorrupt = errors.New("wal: corrupt frame")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("wal: closed")

// ErrTooLarge is returned by Append for entries whose length does not fit the
// frame header. Nothing is written.
var ErrTooLarge = errors.New("wal: entry too large")

const (
	headerSize  = 4
	trailerSize = 4
	segmentExt  = ".log"
	segmentPref = "wal-"

	DefaultSegmentSize = 64 << 20
	// MaxEntrySize is the largest length a frame header can hold.
	MaxEntrySize = math.MaxUint32
)

// Options tunes a WAL.
type Options struct {
	// SegmentSize is the size after which Append rolls to a new segment file.
	SegmentSize int64
	// NoSync skips fsync on Append. Only for tests.
	NoSync bool
	// MaxEntrySize caps a single Append. Zero or anything above the frame
	// limit means MaxEntrySize.
	MaxEntrySize int64
}

// WAL represents a Write Ahead Log stored as numbered segment files in a
// directory. Frames are Len(4) | Data(N) | CRC(4), big endian.
type WAL struct {
	mu     sync.Mutex
	dir    string
	opts   Options
	f      *os.File
	id     uint64
	size   int64
	closed bool
}

// Open opens or creates the WAL in dir. Appends go to the newest segment. A
// torn frame at the end of the newest segment, left by a crash in the middle
// of Append, is truncated away.
func Open(dir string, opts Options) (*WAL, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.MaxEntrySize <= 0 || opts.MaxEntrySize > MaxEntrySize {
		opts.MaxEntrySize = MaxEntrySize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create wal dir")
	}

	w := &WAL{dir: dir, opts: opts}
	ids, err := w.segments()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		if err := w.openSegment(1); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := ids[len(ids)-1]
	good, err := scanSegment(w.segmentPath(last), true, nil)
	if err != nil {
		return nil, err
	}
	if err := os.Truncate(w.segmentPath(last), good); err != nil {
		return nil, errors.Wrap(err, "truncate torn wal tail")
	}
	if err := w.openSegment(last); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) segmentPath(id uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%016d%s", segmentPref, id, segmentExt))
}

// segments lists segment ids in ascending order.
func (w *WAL) segments() ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, errors.Wrap(err, "list wal dir")
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPref) || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, segmentPref), segmentExt), "%d", &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (w *WAL) openSegment(id uint64) error {
	f, err := os.OpenFile(w.segmentPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "open wal segment %d", id)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "stat wal segment %d", id)
	}
	if w.f != nil {
		w.f.Close()
	}
	w.f, w.id, w.size = f, id, st.Size()
	return nil
}

// Append writes an entry to the WAL. The entry is durable when Append
// returns nil.
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if int64(len(data)) > w.opts.MaxEntrySize {
		return errors.Wrapf(ErrTooLarge, "%d > %d bytes", len(data), w.opts.MaxEntrySize)
	}

	if w.size > 0 && w.size+int64(len(data)+headerSize+trailerSize) > w.opts.SegmentSize {
		if err := w.rollLocked(); err != nil {
			return err
		}
	}

	frame := make([]byte, headerSize+len(data)+trailerSize)
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[headerSize:], data)
	binary.BigEndian.PutUint32(frame[headerSize+len(data):], crc32.ChecksumIEEE(data))

	// single write so a crash leaves at most one torn frame
	if _, err := w.f.Write(frame); err != nil {
		return errors.Wrap(err, "wal write")
	}
	w.size += int64(len(frame))

	if w.opts.NoSync {
		return nil
	}
	return errors.Wrap(w.f.Sync(), "wal sync")
}

func (w *WAL) rollLocked() error {
	if !w.opts.NoSync {
		if err := w.f.Sync(); err != nil {
			return errors.Wrap(err, "wal sync")
		}
	}
	return w.openSegment(w.id + 1)
}

// Rotate closes the active segment and starts a new one. It returns the id of
// the new segment; every frame appended before Rotate lives in a lower id.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	if err := w.rollLocked(); err != nil {
		return 0, err
	}
	return w.id, nil
}

// RemoveBefore deletes every segment with an id lower than id.
func (w *WAL) RemoveBefore(id uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := w.segments()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range ids {
		if s >= id || s == w.id {
			continue
		}
		if err := os.Remove(w.segmentPath(s)); err != nil {
			return removed, errors.Wrapf(err, "remove wal segment %d", s)
		}
		removed++
	}
	return removed, nil
}

// Iterate reads all entries from the WAL, oldest first, calling handler for
// each. It is meant for recovery, before any Append.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := w.segments()
	if err != nil {
		return err
	}
	for i, id := range ids {
		last := i == len(ids)-1
		if _, err := scanSegment(w.segmentPath(id), last, handler); err != nil {
			return errors.WithMessagef(err, "segment %d", id)
		}
	}
	return nil
}

// Size returns the number of bytes in the active segment.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

// scanSegment walks the frames in one segment file and returns the offset just
// past the last intact frame. When tolerateTail is set a short final frame
// ends the scan instead of failing it.
func scanSegment(path string, tolerateTail bool, handler func([]byte) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open wal segment")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat wal segment")
	}

	var off int64
	lenBuf := make([]byte, headerSize)
	crcBuf := make([]byte, trailerSize)
	for {
		if _, err := io.ReadFull(f, lenBuf); err != nil {
			if err == io.EOF {
				return off, nil
			}
			if err == io.ErrUnexpectedEOF && tolerateTail {
				return off, nil
			}
			return off, errors.Wrap(ErrCorrupt, "short frame header")
		}
		length := binary.BigEndian.Uint32(lenBuf)
		if off+int64(headerSize+trailerSize)+int64(length) > st.Size() {
			if tolerateTail {
				return off, nil
			}
			return off, errors.Wrap(ErrCorrupt, "frame runs past end of segment")
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			if isShort(err) && tolerateTail {
				return off, nil
			}
			return off, errors.Wrap(ErrCorrupt, "short frame payload")
		}
		if _, err := io.ReadFull(f, crcBuf); err != nil {
			if isShort(err) && tolerateTail {
				return off, nil
			}
			return off, errors.Wrap(ErrCorrupt, "short frame checksum")
		}
		if binary.BigEndian.Uint32(crcBuf) != crc32.ChecksumIEEE(data) {
			if tolerateTail && atEOF(f) {
				return off, nil
			}
			return off, errors.Wrapf(ErrCorrupt, "checksum mismatch at offset %d", off)
		}

		if handler != nil {
			if err := handler(data); err != nil {
				return off, err
			}
		}
		off += int64(headerSize + len(data) + trailerSize)
	}
}

func isShort(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}

func atEOF(f *os.File) bool {
	var b [1]byte
	n, _ := f.Read(b[:])
	return n == 0
}
