// Package version discovers the engine version of a game directory so that
// files with a stripped version can still be decoded.
package version

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DataDirSuffix marks the data directory of a game build.
const DataDirSuffix = "_data"

// probeNames are checked in order inside the data directory.
var probeNames = []string{
	"globalgamemanagers",
	"globalgamemanagers.assets",
	"data.unity3d",
	filepath.Join("Resources", "unity default resources"),
}

// Prober extracts the engine version embedded in a container file.
type Prober interface {
	EmbeddedVersion(path string) (string, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(path string) (string, error)

// EmbeddedVersion calls f.
func (f ProberFunc) EmbeddedVersion(path string) (string, error) { return f(path) }

// Source tells where a resolved version came from.
type Source int

const (
	// Missing means no usable version was found.
	Missing Source = iota
	// Override means the user supplied the version.
	Override
	// Probe means the version was read from a probe file.
	Probe
)

func (s Source) String() string {
	switch s {
	case Override:
		return "override"
	case Probe:
		return "probe"
	default:
		return "missing"
	}
}

// Result is the outcome of Resolve.
type Result struct {
	Version   string
	Source    Source
	ProbePath string
	// Warning is set when probing failed; the run continues without a version.
	Warning string
}

// Found reports whether a version is available.
func (r Result) Found() bool { return r.Version != "" }

// FindDataDir returns root when its name ends in the data suffix, otherwise
// the first such child directory.
func FindDataDir(root string) (string, bool) {
	if hasDataSuffix(filepath.Base(filepath.Clean(root))) {
		return root, true
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !hasDataSuffix(e.Name()) {
			continue
		}
		path := filepath.Join(root, e.Name())
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, true
		}
	}
	return "", false
}

func hasDataSuffix(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), DataDirSuffix)
}

// FindProbe returns the first existing probe file in dataDir.
func FindProbe(dataDir string) (string, bool) {
	for _, name := range probeNames {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// Resolve picks the version for a run: override first, then the probe file
// found under root. It never fails; probe errors become a warning.
func Resolve(root, override string, prober Prober) Result {
	if v := strings.TrimSpace(override); v != "" {
		return Result{Version: v, Source: Override}
	}
	dataDir, ok := FindDataDir(root)
	if !ok {
		return Result{}
	}
	probe, ok := FindProbe(dataDir)
	if !ok || prober == nil {
		return Result{}
	}
	v, err := prober.EmbeddedVersion(probe)
	if err != nil {
		return Result{ProbePath: probe, Warning: fmt.Sprintf("Failed to extract Unity version: %v", err)}
	}
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "0.0.0") {
		return Result{ProbePath: probe}
	}
	return Result{Version: v, Source: Probe, ProbePath: probe}
}
