// Package mapped opens input files for random access, choosing between
// memory-mapped I/O for large files and an in-memory copy for small ones.
package mapped

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// DefaultThreshold is the file size at which memory mapping kicks in.
const DefaultThreshold int64 = 1 * 1024 * 1024

// Options controls how files are opened.
type Options struct {
	Threshold   int64 // Files at or above this size are mapped
	DisableMmap bool
}

// File is a read-only view of an opened input file.
type File interface {
	io.ReaderAt
	io.Closer
	Len() int
}

// shouldUseMmap determines if memory-mapped I/O should be used for the given file.
// It returns false if:
// - mmap is disabled via options
// - the file is below the threshold size
// - the file is not a regular file (e.g., pipe, device)
func shouldUseMmap(info os.FileInfo, opts Options) bool {
	if opts.DisableMmap {
		return false
	}
	if !info.Mode().IsRegular() {
		return false
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return info.Size() >= threshold
}

// Open opens path for random access. Large files are memory-mapped; if
// mapping fails the file is read into memory instead.
func Open(path string, opts Options) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if shouldUseMmap(info, opts) {
		reader, err := mmap.Open(path)
		if err == nil {
			return reader, nil
		}
		// Permissions or OS limits; fall back to buffered I/O
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	return &memFile{data: data}, nil
}

// memFile serves ReadAt from an in-memory copy of the file.
type memFile struct {
	data []byte
}

func (m *memFile) Len() int { return len(m.data) }

func (m *memFile) Close() error { return nil }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
