package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileWriter writes WAL-framed entries to a standalone file that becomes
// visible under its final name only after Commit. Checkpoints use it.
type FileWriter struct {
	path string
	tmp  string
	f    *os.File
	w    *bufio.Writer
	hdr  [headerSize]byte
}

func CreateFile(path string) (*FileWriter, error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "create framed file")
	}
	return &FileWriter{path: path, tmp: tmp, f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

func (fw *FileWriter) Write(data []byte) error {
	binary.BigEndian.PutUint32(fw.hdr[:], uint32(len(data)))
	if _, err := fw.w.Write(fw.hdr[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if _, err := fw.w.Write(data); err != nil {
		return errors.Wrap(err, "write frame payload")
	}
	binary.BigEndian.PutUint32(fw.hdr[:], crc32.ChecksumIEEE(data))
	_, err := fw.w.Write(fw.hdr[:])
	return errors.Wrap(err, "write frame checksum")
}

// Commit flushes, fsyncs and atomically renames the file into place.
func (fw *FileWriter) Commit() error {
	if err := fw.w.Flush(); err != nil {
		fw.Abort()
		return errors.Wrap(err, "flush framed file")
	}
	if err := fw.f.Sync(); err != nil {
		fw.Abort()
		return errors.Wrap(err, "sync framed file")
	}
	if err := fw.f.Close(); err != nil {
		os.Remove(fw.tmp)
		return errors.Wrap(err, "close framed file")
	}
	if err := os.Rename(fw.tmp, fw.path); err != nil {
		return errors.Wrap(err, "rename framed file")
	}
	return syncDir(filepath.Dir(fw.path))
}

// Abort discards the partially written file.
func (fw *FileWriter) Abort() {
	fw.f.Close()
	os.Remove(fw.tmp)
}

// ReadFile calls handler for each frame of a file written by FileWriter. Any
// damage is reported as ErrCorrupt.
func ReadFile(path string, handler func(data []byte) error) error {
	_, err := scanSegment(path, false, handler)
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open dir for sync")
	}
	defer d.Close()
	return errors.Wrap(d.Sync(), "sync dir")
}
