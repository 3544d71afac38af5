// Package unityfs decodes Unity serialized files and UnityFS asset bundles
// into their object tables.
package unityfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultFallbackVersion is used for files with a stripped version when no
// fallback was configured.
const DefaultFallbackVersion = "2.5.0f5"

var (
	// ErrUnrecognized means the input is not Unity data at all.
	ErrUnrecognized = errors.New("not a unity file")
	// ErrUnsupported means the input is Unity data in a format this package does not read.
	ErrUnsupported = errors.New("unsupported unity format")
	// ErrMalformed means the input claims a known format but its structure is broken.
	ErrMalformed = errors.New("malformed unity file")
	// ErrNoObjects means a file decoded cleanly but held no objects.
	ErrNoObjects = errors.New("no objects")
)

// resourceSuffixes name bundle nodes that hold raw streamed data.
var resourceSuffixes = []string{".resS", ".resource", ".ress"}

// Config is fixed for the lifetime of a Decoder.
type Config struct {
	// FallbackVersion replaces stripped versions ("", "0.0.0").
	FallbackVersion string
	// OnFallback is invoked once, the first time a stripped version is replaced.
	OnFallback func(version string)
}

// Decoder decodes container files. It holds no per-file state and is safe
// for concurrent use.
type Decoder struct {
	cfg          Config
	fallbackOnce sync.Once
}

// NewDecoder returns a Decoder with a copy of cfg.
func NewDecoder(cfg Config) *Decoder {
	return &Decoder{cfg: cfg}
}

// Object is one decoded object.
type Object struct {
	file    *SerializedFile
	info    ObjectInfo
	version string
}

// PathID is the object's identifier within its serialized file.
func (o *Object) PathID() int64 { return o.info.PathID }

// TypeName is the Unity class name.
func (o *Object) TypeName() string { return ClassName(o.info.ClassID) }

// Container is the name of the serialized file holding the object: the file
// base name, or the node path inside a bundle.
func (o *Object) Container() string { return o.file.Name }

// UnityVersion is the effective engine version, after fallback substitution.
func (o *Object) UnityVersion() string { return o.version }

// EmbeddedVersion is the engine version as written in the file.
func (o *Object) EmbeddedVersion() string { return o.file.UnityVersion }

// RawData returns the serialized bytes of the object.
func (o *Object) RawData() ([]byte, error) {
	return o.file.objectData(o.info)
}

// PeekName returns the object's m_Name when the class layout allows reading
// it without a type tree, or "" otherwise.
func (o *Object) PeekName() string {
	data, err := o.RawData()
	if err != nil {
		return ""
	}
	r := newReader(data, o.file.order)
	switch {
	case o.info.ClassID == ClassMonoBehaviour:
		o.file.skipPPtr(r) // m_GameObject
		r.skip(1)          // m_Enabled
		r.align(4)
		o.file.skipPPtr(r) // m_Script
	case namedClasses[o.info.ClassID]:
	default:
		return ""
	}
	n := r.i32()
	if r.err != nil || n <= 0 {
		return ""
	}
	name := r.bytes(int(n))
	if r.err != nil || !utf8.Valid(name) {
		return ""
	}
	return string(name)
}

// Decode reads the file at path and returns every object it holds.
func (d *Decoder) Decode(path string) ([]*Object, error) {
	files, err := d.decodeFiles(path)
	if err != nil {
		return nil, err
	}
	var objects []*Object
	for _, sf := range files {
		version := d.effectiveVersion(sf.UnityVersion)
		for _, info := range sf.Objects {
			objects = append(objects, &Object{file: sf, info: info, version: version})
		}
	}
	return objects, nil
}

// EmbeddedVersion returns the engine version written in the first serialized
// file of path that holds objects. Stripped versions are returned as-is.
func (d *Decoder) EmbeddedVersion(path string) (string, error) {
	files, err := d.decodeFiles(path)
	if err != nil {
		return "", err
	}
	for _, sf := range files {
		if len(sf.Objects) > 0 {
			return sf.UnityVersion, nil
		}
	}
	return "", ErrNoObjects
}

func (d *Decoder) decodeFiles(path string) ([]*SerializedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(filepath.Base(path), data)
}

// DecodeBytes decodes an in-memory container named name.
func DecodeBytes(name string, data []byte) ([]*SerializedFile, error) {
	sig := bundleSignature(data)
	switch {
	case sig == bundleSignatureUnityFS:
		return decodeBundle(data)
	case isLegacySignature(sig):
		return nil, fmt.Errorf("%w: %s archive", ErrUnsupported, sig)
	case looksSerialized(data):
		sf, err := parseSerialized(name, data)
		if err != nil {
			return nil, err
		}
		return []*SerializedFile{sf}, nil
	default:
		return nil, ErrUnrecognized
	}
}

func decodeBundle(data []byte) ([]*SerializedFile, error) {
	b, err := parseBundle(data)
	if err != nil {
		return nil, err
	}
	var files []*SerializedFile
	for _, node := range b.Nodes {
		if isResourceNode(node.Path) {
			continue
		}
		nodeData, err := b.NodeData(node)
		if err != nil {
			return nil, err
		}
		if !looksSerialized(nodeData) {
			continue
		}
		sf, err := parseSerialized(node.Path, nodeData)
		if err != nil {
			return nil, fmt.Errorf("bundle node %q: %w", node.Path, err)
		}
		files = append(files, sf)
	}
	return files, nil
}

func (d *Decoder) effectiveVersion(embedded string) string {
	if !IsStripped(embedded) {
		return embedded
	}
	version := d.cfg.FallbackVersion
	if version == "" {
		version = DefaultFallbackVersion
	}
	d.fallbackOnce.Do(func() {
		if d.cfg.OnFallback != nil {
			d.cfg.OnFallback(version)
		}
	})
	return version
}

// IsStripped reports whether a build stripped the engine version.
func IsStripped(version string) bool {
	v := strings.TrimSpace(version)
	return v == "" || strings.HasPrefix(v, "0.0.0")
}

func isLegacySignature(sig string) bool {
	for _, s := range legacySignatures {
		if sig == s {
			return true
		}
	}
	return false
}

func isResourceNode(path string) bool {
	for _, suffix := range resourceSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
