// Package rbd applies the framed binary stream produced by `rbd
// export-diff` onto a local flat image file, and drives the
// full/incremental decision (and RBD-side snapshot lifecycle) for one
// Ceph RBD image mirror.
package rbd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Magic is the 12-byte header every rbd export-diff stream begins with.
const Magic = "rbd diff v1\n"

// Record tags.
const (
	tagFromSnap byte = 'f'
	tagToSnap   byte = 't'
	tagSize     byte = 's'
	tagWrite    byte = 'w'
	tagZero     byte = 'z'
	tagEnd      byte = 'e'
)

// ErrUnknownTag is returned when the stream contains a record tag this
// implementation does not recognize — treated as fatal, since silently
// skipping an unknown record risks applying a partial/corrupt diff.
var ErrUnknownTag = errors.New("rbd: unknown diff record tag")

// ErrFormat covers any other structural violation of the wire format
// (bad magic, end marker not followed by EOF, truncated record).
var ErrFormat = errors.New("rbd: malformed diff stream")

// punchStrategy deallocates a byte range of the output file;
// fallocatePunch is its implementation.
type punchStrategy interface {
	// punch asks the filesystem to deallocate [offset, offset+length)
	// without changing the file's apparent size.
	punch(f *os.File, offset, length int64) error
}

type fallocatePunch struct{}

func (fallocatePunch) punch(f *os.File, offset, length int64) error {
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}

// Apply reads a diff stream from r and applies it to the file at path,
// following the lazy-write discipline: path is opened read-only and
// only reopened read-write the first time a byte actually needs to
// change, so a diff that (re-)writes identical content never dirties
// the underlying snapshot-backed block device.
//
// If path does not exist, it is created (this is the full-backup case:
// the stream is applied against a conceptually all-zero image).
func Apply(path string, r io.Reader) error {
	lf, err := openLazyFile(path)
	if err != nil {
		return err
	}
	defer lf.Close()

	br := bufio.NewReaderSize(r, 1<<20)

	var magic [len(Magic)]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("%w: reading magic: %v", ErrFormat, err)
	}
	if string(magic[:]) != Magic {
		return fmt.Errorf("%w: bad magic %q", ErrFormat, magic)
	}

	for {
		tag, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: reading tag: %v", ErrFormat, err)
		}

		switch tag {
		case tagFromSnap, tagToSnap:
			var length uint32
			if err := binary.Read(br, binary.LittleEndian, &length); err != nil {
				return fmt.Errorf("%w: reading snap-name length: %v", ErrFormat, err)
			}
			if _, err := io.CopyN(io.Discard, br, int64(length)); err != nil {
				return fmt.Errorf("%w: reading snap name: %v", ErrFormat, err)
			}

		case tagSize:
			var size uint64
			if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
				return fmt.Errorf("%w: reading size: %v", ErrFormat, err)
			}
			if err := lf.truncate(int64(size)); err != nil {
				return err
			}

		case tagWrite:
			offset, length, err := readOffsetLength(br)
			if err != nil {
				return err
			}
			if err := lf.writeAt(br, offset, length); err != nil {
				return err
			}

		case tagZero:
			offset, length, err := readOffsetLength(br)
			if err != nil {
				return err
			}
			if err := lf.punchHole(offset, length); err != nil {
				return err
			}

		case tagEnd:
			if _, err := br.ReadByte(); err != io.EOF {
				return fmt.Errorf("%w: end marker not followed by EOF", ErrFormat)
			}
			return nil

		default:
			return fmt.Errorf("%w: tag %q", ErrUnknownTag, tag)
		}
	}
}

func readOffsetLength(r io.Reader) (offset, length int64, err error) {
	var rawOffset, rawLength uint64
	if err := binary.Read(r, binary.LittleEndian, &rawOffset); err != nil {
		return 0, 0, fmt.Errorf("%w: reading offset: %v", ErrFormat, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rawLength); err != nil {
		return 0, 0, fmt.Errorf("%w: reading length: %v", ErrFormat, err)
	}
	return int64(rawOffset), int64(rawLength), nil
}

// lazyFile wraps the output image with the read-only/read-write reopen
// discipline described in spec.md §4.6.3.
type lazyFile struct {
	path  string
	ro    *os.File
	rw    *os.File
	punch punchStrategy
}

func openLazyFile(path string) (*lazyFile, error) {
	ro, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("rbd: opening %s read-only: %w", path, err)
	}
	return &lazyFile{path: path, ro: ro, punch: fallocatePunch{}}, nil
}

func (lf *lazyFile) Close() {
	if lf.rw != nil {
		lf.rw.Close()
	}
	lf.ro.Close()
}

// ensureWritable reopens the image read-write exactly once, on first
// use, so a pass over an unmodified region never touches the
// snapshot-backed block device.
func (lf *lazyFile) ensureWritable() error {
	if lf.rw != nil {
		return nil
	}
	rw, err := os.OpenFile(lf.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("rbd: reopening %s read-write: %w", lf.path, err)
	}
	lf.rw = rw
	return nil
}

func (lf *lazyFile) truncate(size int64) error {
	info, err := lf.ro.Stat()
	if err != nil {
		return fmt.Errorf("rbd: stat %s: %w", lf.path, err)
	}
	if info.Size() == size {
		return nil
	}
	if err := lf.ensureWritable(); err != nil {
		return err
	}
	if err := lf.rw.Truncate(size); err != nil {
		return fmt.Errorf("rbd: truncating %s to %d: %w", lf.path, size, err)
	}
	return nil
}

// writeAt compares the incoming payload against the existing content at
// [offset, offset+length) and only touches the file if a difference is
// found, matching the project-wide "never write unchanged bytes"
// discipline (see internal/atomicfile).
func (lf *lazyFile) writeAt(r io.Reader, offset, length int64) error {
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: reading write payload: %v", ErrFormat, err)
	}

	existing := make([]byte, length)
	n, _ := lf.ro.ReadAt(existing, offset)
	existing = existing[:n]

	if n == len(payload) && bytesEqual(existing, payload) {
		return nil
	}

	if err := lf.ensureWritable(); err != nil {
		return err
	}
	if _, err := lf.rw.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("rbd: writing at offset %d: %w", offset, err)
	}
	return nil
}

// punchHole deallocates [offset, offset+length) if it is not already
// entirely zero and not already sparse, avoiding an unnecessary
// fallocate call (and the COW it would trigger) on a region that's
// already a hole.
func (lf *lazyFile) punchHole(offset, length int64) error {
	if lf.isAlreadyZero(offset, length) {
		return nil
	}
	if err := lf.ensureWritable(); err != nil {
		return err
	}
	if err := lf.punch.punch(lf.rw, offset, length); err != nil {
		return fmt.Errorf("rbd: punching hole at %d len %d: %w", offset, length, err)
	}
	return nil
}

func (lf *lazyFile) isAlreadyZero(offset, length int64) bool {
	const chunkSize = 1 << 20
	buf := make([]byte, minInt64(chunkSize, length))
	remaining := length
	at := offset
	for remaining > 0 {
		want := buf
		if int64(len(want)) > remaining {
			want = want[:remaining]
		}
		n, err := lf.ro.ReadAt(want, at)
		if err != nil && err != io.EOF {
			return false
		}
		for _, b := range want[:n] {
			if b != 0 {
				return false
			}
		}
		if int64(n) < int64(len(want)) {
			// Short read past current EOF: treat the tail as
			// implicitly zero (a file is logically zero-filled past
			// its end until a later truncate/write extends it).
			break
		}
		remaining -= int64(len(want))
		at += int64(len(want))
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
