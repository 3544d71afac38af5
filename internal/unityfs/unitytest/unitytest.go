// Package unitytest builds small Unity serialized files and UnityFS bundles
// for tests.
package unitytest

import (
	"bytes"
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
)

// Object is one object to place in a serialized file.
type Object struct {
	PathID  int64
	ClassID int32
	Data    []byte
}

// Options controls serialized file layout.
type Options struct {
	Format       uint32 // 17 or 22 are produced faithfully; default 22
	UnityVersion string
	TypeTree     bool // Emit an (empty) type tree blob per type
	BigEndian    bool
}

type buf struct {
	bytes.Buffer
	order binary.ByteOrder
}

func (b *buf) u8(v uint8)   { b.WriteByte(v) }
func (b *buf) u16(v uint16) { _ = binary.Write(&b.Buffer, b.order, v) }
func (b *buf) u32(v uint32) { _ = binary.Write(&b.Buffer, b.order, v) }
func (b *buf) i32(v int32)  { _ = binary.Write(&b.Buffer, b.order, v) }
func (b *buf) u64(v uint64) { _ = binary.Write(&b.Buffer, b.order, v) }
func (b *buf) i64(v int64)  { _ = binary.Write(&b.Buffer, b.order, v) }
func (b *buf) cstr(s string) {
	b.WriteString(s)
	b.WriteByte(0)
}
func (b *buf) align(n int) {
	for b.Len()%n != 0 {
		b.WriteByte(0)
	}
}

// SerializedFile encodes objs as a serialized file.
func SerializedFile(opts Options, objs []Object) []byte {
	v := opts.Format
	if v == 0 {
		v = 22
	}
	order := binary.ByteOrder(binary.LittleEndian)
	endian := uint8(0)
	if opts.BigEndian {
		order = binary.BigEndian
		endian = 1
	}

	// Distinct class IDs form the type table.
	var classes []int32
	typeIndex := make(map[int32]int32)
	for _, o := range objs {
		if _, ok := typeIndex[o.ClassID]; !ok {
			typeIndex[o.ClassID] = int32(len(classes))
			classes = append(classes, o.ClassID)
		}
	}

	headerSize := 20
	if v >= 22 {
		headerSize = 48
	}
	m := &buf{order: order}
	m.Write(make([]byte, headerSize))
	m.cstr(opts.UnityVersion)
	m.i32(19) // StandaloneWindows64
	if opts.TypeTree {
		m.u8(1)
	} else {
		m.u8(0)
	}
	m.i32(int32(len(classes)))
	for _, c := range classes {
		m.i32(c)
		m.u8(0)       // is stripped type
		m.u16(0xFFFF) // script type index -1
		if c == 114 {
			m.Write(make([]byte, 16))
		}
		m.Write(make([]byte, 16))
		if opts.TypeTree {
			m.i32(1) // one node
			m.i32(0) // empty string buffer
			nodeSize := 24
			if v >= 19 {
				nodeSize = 32
			}
			m.Write(make([]byte, nodeSize))
			if v >= 21 {
				m.i32(0) // no type dependencies
			}
		}
	}
	m.i32(int32(len(objs)))
	starts := make([]int, len(objs))
	for i, o := range objs {
		m.align(4)
		m.i64(o.PathID)
		starts[i] = m.Len()
		if v >= 22 {
			m.i64(0)
		} else {
			m.u32(0)
		}
		m.u32(uint32(len(o.Data)))
		m.i32(typeIndex[o.ClassID])
	}
	m.i32(0)   // script types
	m.i32(0)   // externals
	m.cstr("") // user information
	metadataEnd := m.Len()
	m.align(16)
	dataOffset := m.Len()

	out := m.Bytes()
	var data bytes.Buffer
	offsets := make([]int, len(objs))
	for i, o := range objs {
		for data.Len()%8 != 0 {
			data.WriteByte(0)
		}
		offsets[i] = data.Len()
		data.Write(o.Data)
	}
	out = append(out, data.Bytes()...)

	for i, pos := range starts {
		if v >= 22 {
			order.PutUint64(out[pos:], uint64(offsets[i]))
		} else {
			order.PutUint32(out[pos:], uint32(offsets[i]))
		}
	}

	be := binary.BigEndian
	metadataSize := uint32(metadataEnd - headerSize)
	be.PutUint32(out[8:], v)
	if v >= 22 {
		out[16] = endian
		be.PutUint32(out[20:], metadataSize)
		be.PutUint64(out[24:], uint64(len(out)))
		be.PutUint64(out[32:], uint64(dataOffset))
	} else {
		be.PutUint32(out[0:], metadataSize)
		be.PutUint32(out[4:], uint32(len(out)))
		be.PutUint32(out[12:], uint32(dataOffset))
		out[16] = endian
	}
	return out
}

func alignedString(b *buf, s string) {
	b.i32(int32(len(s)))
	b.WriteString(s)
	b.align(4)
}

// TextAsset encodes a TextAsset payload.
func TextAsset(name, script string) []byte {
	b := &buf{order: binary.LittleEndian}
	alignedString(b, name)
	alignedString(b, script)
	return b.Bytes()
}

// MonoBehaviour encodes a MonoBehaviour payload for format >= 14 followed by
// the raw script fields.
func MonoBehaviour(name string, fields []byte) []byte {
	b := &buf{order: binary.LittleEndian}
	b.i32(0) // m_GameObject file id
	b.i64(1) // m_GameObject path id
	b.u8(1)  // m_Enabled
	b.align(4)
	b.i32(0) // m_Script file id
	b.i64(2) // m_Script path id
	alignedString(b, name)
	b.Write(fields)
	return b.Bytes()
}

// Node is one file placed in a bundle.
type Node struct {
	Path string
	Data []byte
}

// Compression selects how Bundle stores its blocks.
type Compression int

const (
	None Compression = 0
	LZ4  Compression = 2
)

// Bundle encodes nodes as a single-block UnityFS archive.
func Bundle(nodes []Node, comp Compression) []byte {
	var payload bytes.Buffer
	info := &buf{order: binary.BigEndian}
	info.Write(make([]byte, 16))
	offsets := make([]int64, len(nodes))
	for i, n := range nodes {
		offsets[i] = int64(payload.Len())
		payload.Write(n.Data)
	}
	block, blockFlags := compress(payload.Bytes(), comp)
	info.i32(1)
	info.u32(uint32(payload.Len()))
	info.u32(uint32(len(block)))
	info.u16(uint16(blockFlags))
	info.i32(int32(len(nodes)))
	for i, n := range nodes {
		info.i64(offsets[i])
		info.i64(int64(len(n.Data)))
		info.u32(4)
		info.cstr(n.Path)
	}
	infoRaw := info.Bytes()
	infoPacked, infoFlags := compress(infoRaw, comp)

	h := &buf{order: binary.BigEndian}
	h.cstr("UnityFS")
	h.u32(7)
	h.cstr("5.x.x")
	h.cstr("2021.3.5f1")
	h.i64(0)
	h.u32(uint32(len(infoPacked)))
	h.u32(uint32(len(infoRaw)))
	h.u32(uint32(infoFlags) | 0x40)
	h.align(16)
	h.Write(infoPacked)
	h.Write(block)
	return h.Bytes()
}

func compress(src []byte, comp Compression) ([]byte, Compression) {
	if comp != LZ4 {
		return src, None
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst, nil)
	if err != nil || n == 0 {
		return src, None
	}
	return dst[:n], LZ4
}
