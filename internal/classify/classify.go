// Package classify walks a game directory and splits its files into the
// managed-code and container worklists.
package classify

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Kind is the lane a file belongs to.
type Kind int

const (
	// Container files are decoded as Unity serialized files or bundles.
	Container Kind = iota
	// ManagedCode files are decoded as .NET assemblies.
	ManagedCode
)

func (k Kind) String() string {
	if k == ManagedCode {
		return "managed-code"
	}
	return "container"
}

// ManagedCodeExt is the extension of managed assemblies.
const ManagedCodeExt = ".dll"

// excluded lists extensions that never hold searchable data.
var excluded = map[string]bool{
	".manifest": true, ".exe": true, ".txt": true, ".json": true, ".xml": true,
	".log": true, ".ini": true, ".cfg": true, ".png": true, ".jpg": true,
	".jpeg": true, ".gif": true, ".bmp": true, ".wav": true, ".mp3": true,
	".ogg": true, ".mp4": true, ".avi": true, ".mov": true, ".pdb": true,
	".mdb": true,
}

// IsExcluded reports whether name carries an excluded extension.
func IsExcluded(name string) bool {
	return excluded[strings.ToLower(filepath.Ext(name))]
}

// FileEntry is one classified file.
type FileEntry struct {
	Path string
	Kind Kind
}

// Worklists holds the classified files in walk order.
type Worklists struct {
	ManagedCode []FileEntry
	Containers  []FileEntry
	Excluded    int
}

// Total is the number of files in both lists.
func (w Worklists) Total() int { return len(w.ManagedCode) + len(w.Containers) }

// Options controls Collect.
type Options struct {
	// Skip lists paths that are never classified, such as the run's own outputs.
	Skip []string
	// OnWarn receives directories that could not be read. Their subtree is skipped.
	OnWarn func(path string, err error)
}

// Collect walks root in lexical order. Directory symlinks are never followed;
// symlinks to regular files are classified like the files themselves.
func Collect(root string, opts Options) (Worklists, error) {
	var w Worklists
	info, err := os.Stat(root)
	if err != nil {
		return w, fmt.Errorf("search directory: %w", err)
	}
	if !info.IsDir() {
		return w, fmt.Errorf("search directory %s is not a directory", root)
	}

	skip := make(map[string]bool, len(opts.Skip))
	for _, p := range opts.Skip {
		if abs, err := filepath.Abs(p); err == nil {
			skip[abs] = true
		}
	}

	// A symlinked root is walked through its target.
	walkRoot := root
	if li, err := os.Lstat(root); err == nil && li.Mode()&fs.ModeSymlink != 0 {
		walkRoot = root + string(filepath.Separator)
	}

	err = filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == walkRoot {
				return err
			}
			if opts.OnWarn != nil {
				opts.OnWarn(path, err)
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() && !symlinkToFile(path, d) {
			return nil
		}
		if len(skip) > 0 {
			if abs, err := filepath.Abs(path); err == nil && skip[abs] {
				return nil
			}
		}
		if IsExcluded(d.Name()) {
			w.Excluded++
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ManagedCodeExt) {
			w.ManagedCode = append(w.ManagedCode, FileEntry{Path: path, Kind: ManagedCode})
		} else {
			w.Containers = append(w.Containers, FileEntry{Path: path, Kind: Container})
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.SkipDir) {
		return w, fmt.Errorf("walk %s: %w", root, err)
	}
	return w, nil
}

func symlinkToFile(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
