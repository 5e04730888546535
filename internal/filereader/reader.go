// Package filereader implements the File Reader of spec §4.3: it owns the
// exclusive OS handle on the source file for the job's lifetime, slices the
// file into part descriptors, and serves positional reads to workers.
//
// Reads go through os.File.ReadAt rather than Seek+Read, since ReadAt is
// safe for concurrent use on Unix (it is a pread(2) under the hood) —
// matching spec §4.3's "workers may call concurrently" without a mutex
// serializing reads.
package filereader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrFileLockFailed is returned by Lock when the OS denies the share mode.
var ErrFileLockFailed = errors.New("filereader: file lock failed")

const bytesPerMiB = 1024 * 1024

// Part describes one fixed-size byte range of the source file.
type Part struct {
	PartNumber int // 1-based
	ByteOffset int64
	ByteLength int64
}

// Reader owns the locked file handle for one job's lifetime.
type Reader struct {
	file *os.File
	path string
	size int64
	mod  time.Time
}

// Lock opens path and takes a shared advisory lock (LOCK_SH|LOCK_NB) on it,
// which is the anti-tamper guarantee of spec §4.3: other processes may read
// it, but this agent will notice if another exclusive locker is already
// holding it. Returns ErrFileLockFailed if the OS denies the lock.
func Lock(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrFileLockFailed, path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: flock %s: %v", ErrFileLockFailed, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrFileLockFailed, path, err)
	}

	return &Reader{
		file: f,
		path: path,
		size: info.Size(),
		mod:  info.ModTime(),
	}, nil
}

// Size returns the locked file's size in bytes, as observed at Lock time.
func (r *Reader) Size() int64 { return r.size }

// Fingerprint returns "size:last_modified_utc_ticks" — a cheap identity
// check, never a content hash (spec §4.3, §1 Non-goals).
func (r *Reader) Fingerprint() string {
	return fmt.Sprintf("%d:%d", r.size, r.mod.UTC().UnixNano())
}

// Slice partitions [0, fileSize) into part descriptors of partSize bytes
// each, with the final part taking the remainder. If fileSize is 0, a
// single zero-length part is returned (spec §4.3, testable property 1).
func Slice(fileSize, partSize int64) []Part {
	if partSize <= 0 {
		partSize = fileSize
		if partSize <= 0 {
			partSize = 1
		}
	}

	if fileSize == 0 {
		return []Part{{PartNumber: 1, ByteOffset: 0, ByteLength: 0}}
	}

	totalParts := (fileSize + partSize - 1) / partSize
	parts := make([]Part, 0, totalParts)

	var offset int64
	for n := int64(1); n <= totalParts; n++ {
		length := partSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		parts = append(parts, Part{
			PartNumber: int(n),
			ByteOffset: offset,
			ByteLength: length,
		})
		offset += length
	}

	return parts
}

// AutoSizePartSize implements spec §4.3's auto-sizing rule: if the file
// would need more than maxParts at partSize, round partSize up to the
// nearest 16 MiB multiple that keeps ceil(fileSize/partSize) <= maxParts,
// capped at maxPartSizeMiB. Returns ok=false when even the capped part
// size still needs more than maxParts parts (invariant 5, spec §8
// Scenario D) — the caller must surface this as upload_error rather than
// proceed with a part count the backend will never accept.
func AutoSizePartSize(fileSize, partSize int64, maxParts int, maxPartSizeMiB int64) (size int64, ok bool) {
	if partSize <= 0 {
		partSize = bytesPerMiB
	}
	maxPartSize := maxPartSizeMiB * bytesPerMiB

	needed := func(ps int64) int64 {
		if ps <= 0 {
			return int64(maxParts) + 1
		}
		return (fileSize + ps - 1) / ps
	}

	if needed(partSize) <= int64(maxParts) {
		return partSize, true
	}

	const step = 16 * bytesPerMiB
	candidate := ((partSize / step) + 1) * step

	for needed(candidate) > int64(maxParts) {
		candidate += step
		if candidate >= maxPartSize {
			candidate = maxPartSize
			break
		}
	}

	if candidate > maxPartSize {
		candidate = maxPartSize
	}

	return candidate, needed(candidate) <= int64(maxParts)
}

// ReadAt reads exactly length bytes starting at offset, or a short buffer
// at EOF (mirroring io.ReaderAt semantics for the final part). Safe for
// concurrent use by multiple workers: no internal locking is needed
// because os.File.ReadAt issues pread(2)/preadv on Unix.
func (r *Reader) ReadAt(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := r.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("filereader: read at %d: %w", offset, err)
	}
	return buf[:n], nil
}

// Release drops the file handle and its advisory lock.
func (r *Reader) Release() error {
	_ = unix.Flock(int(r.file.Fd()), unix.LOCK_UN)
	return r.file.Close()
}
