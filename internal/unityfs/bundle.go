package unityfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// Archive flags of the UnityFS header.
const (
	flagCompressionMask    = 0x3F
	flagBlocksInfoAtEnd    = 0x80
	flagBlockInfoNeedsPad  = 0x200
	maxBundleUncompressed  = math.MaxInt32
	bundleSignatureUnityFS = "UnityFS"
)

// Compression kinds stored in the low bits of archive and block flags.
const (
	compNone  = 0
	compLZMA  = 1
	compLZ4   = 2
	compLZ4HC = 3
)

// Upper bounds on how far one compressed byte can expand. Sizes claimed
// beyond them are rejected before anything is allocated.
const (
	lz4MaxRatio  = 255
	lzmaMaxRatio = 1 << 13
)

var legacySignatures = []string{"UnityWeb", "UnityRaw", "UnityArchive"}

// Node is one file stored inside a bundle.
type Node struct {
	Offset int64
	Size   int64
	Flags  uint32
	Path   string
}

type blockInfo struct {
	uncompressed uint32
	compressed   uint32
	flags        uint16
}

// Bundle is a decompressed UnityFS archive.
type Bundle struct {
	Version       uint32
	PlayerVersion string
	EngineVersion string
	Nodes         []Node

	data []byte
}

// NodeData returns the bytes of n.
func (b *Bundle) NodeData(n Node) ([]byte, error) {
	end := n.Offset + n.Size
	if n.Offset < 0 || n.Size < 0 || end > int64(len(b.data)) {
		return nil, fmt.Errorf("%w: node %q spans %d..%d beyond %d", ErrMalformed, n.Path, n.Offset, end, len(b.data))
	}
	return b.data[n.Offset:end], nil
}

func bundleSignature(data []byte) string {
	end := bytes.IndexByte(data[:min(len(data), 16)], 0)
	if end <= 0 {
		return ""
	}
	return string(data[:end])
}

// parseBundle reads a UnityFS archive and decompresses its block stream.
func parseBundle(data []byte) (*Bundle, error) {
	r := newReader(data, binary.BigEndian)
	sig := r.cstring()
	if sig != bundleSignatureUnityFS {
		return nil, fmt.Errorf("%w: %q archive", ErrUnsupported, sig)
	}
	b := &Bundle{
		Version:       r.u32(),
		PlayerVersion: r.cstring(),
		EngineVersion: r.cstring(),
	}
	r.skip(8) // total size
	compressedSize := r.u32()
	uncompressedSize := r.u32()
	flags := r.u32()
	if b.Version >= 7 {
		r.align(16)
	}
	if r.err != nil {
		return nil, fmt.Errorf("bundle header: %w", r.err)
	}

	var infoBytes []byte
	if flags&flagBlocksInfoAtEnd != 0 {
		start := len(data) - int(compressedSize)
		if start < r.pos {
			return nil, fmt.Errorf("%w: blocks info of %d bytes does not fit", ErrMalformed, compressedSize)
		}
		infoBytes = data[start:]
	} else {
		infoBytes = r.bytes(int(compressedSize))
		if r.err != nil {
			return nil, fmt.Errorf("bundle blocks info: %w", r.err)
		}
	}
	info, err := decompress(infoBytes, int(uncompressedSize), flags&flagCompressionMask)
	if err != nil {
		return nil, fmt.Errorf("bundle blocks info: %w", err)
	}

	ir := newReader(info, binary.BigEndian)
	ir.skip(16) // uncompressed data hash
	blocks := make([]blockInfo, ir.count(10))
	var total int64
	for i := range blocks {
		blocks[i] = blockInfo{uncompressed: ir.u32(), compressed: ir.u32(), flags: ir.u16()}
		total += int64(blocks[i].uncompressed)
	}
	b.Nodes = make([]Node, ir.count(21))
	for i := range b.Nodes {
		b.Nodes[i] = Node{Offset: ir.i64(), Size: ir.i64(), Flags: ir.u32(), Path: ir.cstring()}
	}
	if ir.err != nil {
		return nil, fmt.Errorf("bundle directory: %w", ir.err)
	}
	if total > maxBundleUncompressed {
		return nil, fmt.Errorf("%w: %d uncompressed bytes", ErrUnsupported, total)
	}

	if len(blocks) > 0 && flags&flagBlockInfoNeedsPad != 0 {
		r.align(16)
	}
	if err := checkBlocks(blocks, len(data)-r.pos); err != nil {
		return nil, err
	}
	out := make([]byte, 0, total)
	for i, blk := range blocks {
		src := r.bytes(int(blk.compressed))
		if r.err != nil {
			return nil, fmt.Errorf("bundle block %d: %w", i, r.err)
		}
		dec, err := decompress(src, int(blk.uncompressed), uint32(blk.flags)&flagCompressionMask)
		if err != nil {
			return nil, fmt.Errorf("bundle block %d: %w", i, err)
		}
		out = append(out, dec...)
	}
	b.data = out
	return b, nil
}

// checkBlocks verifies that the block table fits in the avail bytes left
// after the directory and that no block claims more output than its
// compressed bytes can produce.
func checkBlocks(blocks []blockInfo, avail int) error {
	var compressed int64
	for i, blk := range blocks {
		compressed += int64(blk.compressed)
		if compressed > int64(avail) {
			return fmt.Errorf("%w: block %d ends past the %d bytes left", ErrMalformed, i, avail)
		}
		if err := checkExpansion(int(blk.compressed), int64(blk.uncompressed), uint32(blk.flags)&flagCompressionMask); err != nil {
			return fmt.Errorf("bundle block %d: %w", i, err)
		}
	}
	return nil
}

func checkExpansion(compressed int, size int64, kind uint32) error {
	var limit int64
	switch kind {
	case compNone:
		limit = int64(compressed)
	case compLZMA:
		limit = int64(compressed) * lzmaMaxRatio
	case compLZ4, compLZ4HC:
		limit = int64(compressed)*lz4MaxRatio + 16
	default:
		return fmt.Errorf("%w: compression type %d", ErrUnsupported, kind)
	}
	if size < 0 || size > limit {
		return fmt.Errorf("%w: %d bytes cannot expand to %d", ErrMalformed, compressed, size)
	}
	return nil
}

func decompress(src []byte, size int, kind uint32) ([]byte, error) {
	if err := checkExpansion(len(src), int64(size), kind); err != nil {
		return nil, err
	}
	switch kind {
	case compNone:
		return src, nil
	case compLZMA:
		return decompressLZMA(src, size)
	case compLZ4, compLZ4HC:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrMalformed, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrMalformed, n, size)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: compression type %d", ErrUnsupported, kind)
	}
}

// decompressLZMA decodes a Unity LZMA block: 5 bytes of properties followed by
// the raw stream, without the 8-byte size field of the classic header.
func decompressLZMA(src []byte, size int) ([]byte, error) {
	if len(src) < 5 {
		return nil, fmt.Errorf("%w: lzma block of %d bytes", ErrMalformed, len(src))
	}
	header := make([]byte, 13)
	copy(header, src[:5])
	binary.LittleEndian.PutUint64(header[5:], uint64(size))

	zr, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), bytes.NewReader(src[5:])))
	if err != nil {
		return nil, fmt.Errorf("%w: lzma: %v", ErrMalformed, err)
	}
	dst := make([]byte, size)
	if _, err := io.ReadFull(zr, dst); err != nil {
		return nil, fmt.Errorf("%w: lzma: %v", ErrMalformed, err)
	}
	return dst, nil
}
