package unityfs

import (
	"encoding/binary"
	"fmt"
)

// SerializedFile is the object table of one Unity serialized file.
type SerializedFile struct {
	Name            string
	Format          uint32 // Serialized file format version
	UnityVersion    string // As embedded in the file; may be stripped
	Platform        int32
	TypeTreeEnabled bool
	Types           []SerializedType
	Objects         []ObjectInfo

	order binary.ByteOrder
	data  []byte
}

// SerializedType is one entry of the type table.
type SerializedType struct {
	ClassID         int32
	IsStrippedType  bool
	ScriptTypeIndex int16
}

// ObjectInfo locates one object inside the file's data area.
type ObjectInfo struct {
	PathID    int64
	ByteStart int64
	ByteSize  uint32
	TypeID    int32
	ClassID   int32
}

const maxTypeTreeDepth = 128

// looksSerialized applies the header plausibility check used to tell a
// serialized file apart from raw resource data.
func looksSerialized(data []byte) bool {
	if len(data) < 20 {
		return false
	}
	r := newReader(data, binary.BigEndian)
	metadataSize := uint64(r.u32())
	fileSize := uint64(r.u32())
	format := r.u32()
	dataOffset := uint64(r.u32())
	if format == 0 || format > 64 {
		return false
	}
	if format >= 22 {
		if len(data) < 48 {
			return false
		}
		r.skip(4)
		metadataSize = uint64(r.u32())
		fileSize = r.u64()
		dataOffset = r.u64()
	}
	if r.err != nil {
		return false
	}
	return fileSize == uint64(len(data)) && dataOffset <= fileSize && metadataSize <= fileSize
}

// parseSerialized reads the header, type table and object table of data.
func parseSerialized(name string, data []byte) (*SerializedFile, error) {
	r := newReader(data, binary.BigEndian)
	metadataSize := uint64(r.u32())
	fileSize := uint64(r.u32())
	format := r.u32()
	dataOffset := uint64(r.u32())

	var endian uint8
	if format >= 9 {
		endian = r.u8()
		r.skip(3)
	} else {
		if metadataSize > fileSize {
			return nil, fmt.Errorf("%w: metadata size %d exceeds file size %d", ErrMalformed, metadataSize, fileSize)
		}
		r.seek(int(fileSize - metadataSize))
		endian = r.u8()
	}
	if format >= 22 {
		metadataSize = uint64(r.u32())
		fileSize = r.u64()
		dataOffset = r.u64()
		r.skip(8)
	}
	if r.err != nil {
		return nil, fmt.Errorf("serialized header: %w", r.err)
	}
	if dataOffset > uint64(len(data)) {
		return nil, fmt.Errorf("%w: data offset %d beyond size %d", ErrMalformed, dataOffset, len(data))
	}
	if endian == 0 {
		r.order = binary.LittleEndian
	}

	sf := &SerializedFile{
		Name:            name,
		Format:          format,
		TypeTreeEnabled: true,
		order:           r.order,
		data:            data,
	}
	p := &serializedParser{r: r, sf: sf}
	if err := p.metadata(int64(dataOffset)); err != nil {
		return nil, err
	}
	return sf, nil
}

type serializedParser struct {
	r  *reader
	sf *SerializedFile
}

func (p *serializedParser) metadata(dataOffset int64) error {
	r, sf := p.r, p.sf
	v := sf.Format

	if v >= 7 {
		sf.UnityVersion = r.cstring()
	}
	if v >= 8 {
		sf.Platform = r.i32()
	}
	if v >= 13 {
		sf.TypeTreeEnabled = r.bool()
	}

	typeCount := r.count(4)
	sf.Types = make([]SerializedType, 0, typeCount)
	for i := 0; i < typeCount && r.err == nil; i++ {
		sf.Types = append(sf.Types, p.serializedType(false))
	}

	bigID := false
	if v >= 7 && v < 14 {
		bigID = r.i32() != 0
	}

	objectCount := r.count(12)
	sf.Objects = make([]ObjectInfo, 0, objectCount)
	for i := 0; i < objectCount && r.err == nil; i++ {
		var obj ObjectInfo
		switch {
		case bigID:
			obj.PathID = r.i64()
		case v < 14:
			obj.PathID = int64(r.i32())
		default:
			r.align(4)
			obj.PathID = r.i64()
		}
		if v >= 22 {
			obj.ByteStart = r.i64()
		} else {
			obj.ByteStart = int64(r.u32())
		}
		obj.ByteStart += dataOffset
		obj.ByteSize = r.u32()
		obj.TypeID = r.i32()
		if v < 16 {
			obj.ClassID = int32(r.u16())
		} else {
			if r.err == nil && (obj.TypeID < 0 || int(obj.TypeID) >= len(sf.Types)) {
				return fmt.Errorf("%w: object %d references type %d of %d", ErrMalformed, obj.PathID, obj.TypeID, len(sf.Types))
			}
			if r.err == nil {
				obj.ClassID = sf.Types[obj.TypeID].ClassID
			}
		}
		if v < 11 {
			r.skip(2) // is destroyed
		}
		if v >= 11 && v < 17 {
			r.skip(2) // script type index
		}
		if v == 15 || v == 16 {
			r.skip(1) // stripped
		}
		sf.Objects = append(sf.Objects, obj)
	}
	if r.err != nil {
		return fmt.Errorf("serialized metadata: %w", r.err)
	}
	return nil
}

func (p *serializedParser) serializedType(isRef bool) SerializedType {
	r, v := p.r, p.sf.Format
	t := SerializedType{ClassID: r.i32(), ScriptTypeIndex: -1}
	if v >= 16 {
		t.IsStrippedType = r.bool()
	}
	if v >= 17 {
		t.ScriptTypeIndex = r.i16()
	}
	if v >= 13 {
		if (isRef && t.ScriptTypeIndex >= 0) || (v < 16 && t.ClassID < 0) || (v >= 16 && t.ClassID == ClassMonoBehaviour) {
			r.skip(16) // script id
		}
		r.skip(16) // old type hash
	}
	if !p.sf.TypeTreeEnabled {
		return t
	}
	if v >= 12 || v == 10 {
		p.typeTreeBlob()
	} else {
		p.legacyTypeTree(0)
	}
	if v >= 21 {
		if isRef {
			r.cstring() // class name
			r.cstring() // namespace
			r.cstring() // assembly name
		} else {
			deps := r.count(4)
			r.skip(4 * deps)
		}
	}
	return t
}

func (p *serializedParser) typeTreeBlob() {
	r := p.r
	nodeSize := 24
	if p.sf.Format >= 19 {
		nodeSize = 32
	}
	nodes := r.count(nodeSize)
	stringSize := r.i32()
	if r.err == nil && stringSize < 0 {
		r.err = fmt.Errorf("%w: negative type tree string buffer size", ErrMalformed)
		return
	}
	r.skip(nodes * nodeSize)
	r.skip(int(stringSize))
}

func (p *serializedParser) legacyTypeTree(depth int) {
	r, v := p.r, p.sf.Format
	if depth > maxTypeTreeDepth {
		if r.err == nil {
			r.err = fmt.Errorf("%w: type tree deeper than %d", ErrMalformed, maxTypeTreeDepth)
		}
		return
	}
	r.cstring() // type
	r.cstring() // name
	r.skip(4)   // byte size
	if v == 2 {
		r.skip(4) // variable count
	}
	if v != 3 {
		r.skip(4) // index
	}
	r.skip(4) // is array
	r.skip(4) // version
	if v != 3 {
		r.skip(4) // meta flag
	}
	children := r.count(14)
	for i := 0; i < children && r.err == nil; i++ {
		p.legacyTypeTree(depth + 1)
	}
}

// objectData returns the byte range of obj.
func (sf *SerializedFile) objectData(obj ObjectInfo) ([]byte, error) {
	end := obj.ByteStart + int64(obj.ByteSize)
	if obj.ByteStart < 0 || end > int64(len(sf.data)) {
		return nil, fmt.Errorf("%w: object %d spans %d..%d beyond size %d", ErrMalformed, obj.PathID, obj.ByteStart, end, len(sf.data))
	}
	return sf.data[obj.ByteStart:end], nil
}

// skipPPtr consumes a PPtr (file id + path id) in this file's layout.
func (sf *SerializedFile) skipPPtr(r *reader) {
	r.skip(4)
	if sf.Format >= 14 {
		r.skip(8)
	} else {
		r.skip(4)
	}
}
