package cil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const metadataSignature = 0x424A5342 // "BSJB"

// Metadata table numbers.
const (
	tModule                 = 0x00
	tTypeRef                = 0x01
	tTypeDef                = 0x02
	tFieldPtr               = 0x03
	tField                  = 0x04
	tMethodPtr              = 0x05
	tMethodDef              = 0x06
	tParamPtr               = 0x07
	tParam                  = 0x08
	tInterfaceImpl          = 0x09
	tMemberRef              = 0x0A
	tConstant               = 0x0B
	tCustomAttribute        = 0x0C
	tFieldMarshal           = 0x0D
	tDeclSecurity           = 0x0E
	tClassLayout            = 0x0F
	tFieldLayout            = 0x10
	tStandAloneSig          = 0x11
	tEventMap               = 0x12
	tEventPtr               = 0x13
	tEvent                  = 0x14
	tPropertyMap            = 0x15
	tPropertyPtr            = 0x16
	tProperty               = 0x17
	tMethodSemantics        = 0x18
	tMethodImpl             = 0x19
	tModuleRef              = 0x1A
	tTypeSpec               = 0x1B
	tImplMap                = 0x1C
	tFieldRVA               = 0x1D
	tENCLog                 = 0x1E
	tENCMap                 = 0x1F
	tAssembly               = 0x20
	tAssemblyProcessor      = 0x21
	tAssemblyOS             = 0x22
	tAssemblyRef            = 0x23
	tAssemblyRefProcessor   = 0x24
	tAssemblyRefOS          = 0x25
	tFile                   = 0x26
	tExportedType           = 0x27
	tManifestResource       = 0x28
	tNestedClass            = 0x29
	tGenericParam           = 0x2A
	tMethodSpec             = 0x2B
	tGenericParamConstraint = 0x2C
	tableCount              = 0x2D
)

const unused = -1

type codedIndex struct {
	bits   uint
	tables []int
}

var (
	cTypeDefOrRef        = &codedIndex{2, []int{tTypeDef, tTypeRef, tTypeSpec}}
	cHasConstant         = &codedIndex{2, []int{tField, tParam, tProperty}}
	cHasCustomAttribute  = &codedIndex{5, []int{tMethodDef, tField, tTypeRef, tTypeDef, tParam, tInterfaceImpl, tMemberRef, tModule, tDeclSecurity, tProperty, tEvent, tStandAloneSig, tModuleRef, tTypeSpec, tAssembly, tAssemblyRef, tFile, tExportedType, tManifestResource, tGenericParam, tGenericParamConstraint, tMethodSpec}}
	cHasFieldMarshal     = &codedIndex{1, []int{tField, tParam}}
	cHasDeclSecurity     = &codedIndex{2, []int{tTypeDef, tMethodDef, tAssembly}}
	cMemberRefParent     = &codedIndex{3, []int{tTypeDef, tTypeRef, tModuleRef, tMethodDef, tTypeSpec}}
	cHasSemantics        = &codedIndex{1, []int{tEvent, tProperty}}
	cMethodDefOrRef      = &codedIndex{1, []int{tMethodDef, tMemberRef}}
	cMemberForwarded     = &codedIndex{1, []int{tField, tMethodDef}}
	cImplementation      = &codedIndex{2, []int{tFile, tAssemblyRef, tExportedType}}
	cCustomAttributeType = &codedIndex{3, []int{unused, unused, tMethodDef, tMemberRef, unused}}
	cResolutionScope     = &codedIndex{2, []int{tModule, tModuleRef, tAssemblyRef, tTypeRef}}
	cTypeOrMethodDef     = &codedIndex{1, []int{tTypeDef, tMethodDef}}
)

type heapKind uint8

const (
	heapNone heapKind = iota
	heapString
	heapGUID
	heapBlob
)

// column is one table column: a fixed-size value, a heap index, a simple
// index into another table, or a coded index.
type column struct {
	fixed int
	heap  heapKind
	table int
	coded *codedIndex
}

var (
	u16    = column{fixed: 2, table: unused}
	u32    = column{fixed: 4, table: unused}
	str    = column{heap: heapString, table: unused}
	guid   = column{heap: heapGUID, table: unused}
	blob   = column{heap: heapBlob, table: unused}
	idx    = func(t int) column { return column{table: t} }
	coded  = func(c *codedIndex) column { return column{coded: c, table: unused} }
	schema = [tableCount][]column{
		tModule:                 {u16, str, guid, guid, guid},
		tTypeRef:                {coded(cResolutionScope), str, str},
		tTypeDef:                {u32, str, str, coded(cTypeDefOrRef), idx(tField), idx(tMethodDef)},
		tFieldPtr:               {idx(tField)},
		tField:                  {u16, str, blob},
		tMethodPtr:              {idx(tMethodDef)},
		tMethodDef:              {u32, u16, u16, str, blob, idx(tParam)},
		tParamPtr:               {idx(tParam)},
		tParam:                  {u16, u16, str},
		tInterfaceImpl:          {idx(tTypeDef), coded(cTypeDefOrRef)},
		tMemberRef:              {coded(cMemberRefParent), str, blob},
		tConstant:               {u16, coded(cHasConstant), blob},
		tCustomAttribute:        {coded(cHasCustomAttribute), coded(cCustomAttributeType), blob},
		tFieldMarshal:           {coded(cHasFieldMarshal), blob},
		tDeclSecurity:           {u16, coded(cHasDeclSecurity), blob},
		tClassLayout:            {u16, u32, idx(tTypeDef)},
		tFieldLayout:            {u32, idx(tField)},
		tStandAloneSig:          {blob},
		tEventMap:               {idx(tTypeDef), idx(tEvent)},
		tEventPtr:               {idx(tEvent)},
		tEvent:                  {u16, str, coded(cTypeDefOrRef)},
		tPropertyMap:            {idx(tTypeDef), idx(tProperty)},
		tPropertyPtr:            {idx(tProperty)},
		tProperty:               {u16, str, blob},
		tMethodSemantics:        {u16, idx(tMethodDef), coded(cHasSemantics)},
		tMethodImpl:             {idx(tTypeDef), coded(cMethodDefOrRef), coded(cMethodDefOrRef)},
		tModuleRef:              {str},
		tTypeSpec:               {blob},
		tImplMap:                {u16, coded(cMemberForwarded), str, idx(tModuleRef)},
		tFieldRVA:               {u32, idx(tField)},
		tENCLog:                 {u32, u32},
		tENCMap:                 {u32},
		tAssembly:               {u32, u16, u16, u16, u16, u32, blob, str, str},
		tAssemblyProcessor:      {u32},
		tAssemblyOS:             {u32, u32, u32},
		tAssemblyRef:            {u16, u16, u16, u16, u32, blob, str, str, blob},
		tAssemblyRefProcessor:   {u32, idx(tAssemblyRef)},
		tAssemblyRefOS:          {u32, u32, u32, idx(tAssemblyRef)},
		tFile:                   {u32, str, blob},
		tExportedType:           {u32, u32, str, str, coded(cImplementation)},
		tManifestResource:       {u32, u32, str, coded(cImplementation)},
		tNestedClass:            {idx(tTypeDef), idx(tTypeDef)},
		tGenericParam:           {u16, u16, coded(cTypeOrMethodDef), str},
		tMethodSpec:             {coded(cMethodDefOrRef), blob},
		tGenericParamConstraint: {idx(tGenericParam), coded(cTypeDefOrRef)},
	}
)

// Heap size flags of the tables stream header.
const (
	heapLargeStrings = 0x01
	heapLargeGUID    = 0x02
	heapLargeBlob    = 0x04
	heapExtraData    = 0x40
)

type table struct {
	rows    uint32
	rowSize int
	offset  int
	cols    []int // column offsets within a row
	sizes   []int
}

// metadata holds the streams of a CLI metadata root.
type metadata struct {
	version string
	strings []byte
	us      []byte
	blob    []byte
	guid    []byte
	tables  [tableCount]table
	data    []byte // tables stream
}

func parseMetadata(data []byte) (*metadata, error) {
	le := binary.LittleEndian
	if len(data) < 16 || le.Uint32(data) != metadataSignature {
		return nil, fmt.Errorf("%w: missing metadata signature", ErrMalformed)
	}
	verLen := int(le.Uint32(data[12:]))
	pos := 16 + verLen
	if verLen < 0 || pos+4 > len(data) {
		return nil, fmt.Errorf("%w: metadata version string of %d bytes", ErrMalformed, verLen)
	}
	md := &metadata{version: string(bytes.TrimRight(data[16:pos], "\x00"))}
	streams := int(le.Uint16(data[pos+2:]))
	pos += 4

	var tablesStream []byte
	for i := 0; i < streams; i++ {
		if pos+8 > len(data) {
			return nil, fmt.Errorf("%w: stream header %d truncated", ErrMalformed, i)
		}
		off, size := le.Uint32(data[pos:]), le.Uint32(data[pos+4:])
		pos += 8
		end := bytes.IndexByte(data[pos:min(len(data), pos+32)], 0)
		if end < 0 {
			return nil, fmt.Errorf("%w: stream name %d unterminated", ErrMalformed, i)
		}
		name := string(data[pos : pos+end])
		pos += (end + 4) &^ 3
		if uint64(off)+uint64(size) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: stream %s spans beyond metadata", ErrMalformed, name)
		}
		body := data[off : off+size]
		switch name {
		case "#~", "#-":
			tablesStream = body
		case "#Strings":
			md.strings = body
		case "#US":
			md.us = body
		case "#Blob":
			md.blob = body
		case "#GUID":
			md.guid = body
		}
	}
	if tablesStream == nil {
		return nil, fmt.Errorf("%w: no tables stream", ErrMalformed)
	}
	if err := md.parseTables(tablesStream); err != nil {
		return nil, err
	}
	return md, nil
}

func (md *metadata) parseTables(data []byte) error {
	le := binary.LittleEndian
	if len(data) < 24 {
		return fmt.Errorf("%w: tables stream header truncated", ErrMalformed)
	}
	heapSizes := data[6]
	valid := le.Uint64(data[8:])
	pos := 24
	for t := 0; t < 64; t++ {
		if valid&(1<<t) == 0 {
			continue
		}
		if t >= tableCount {
			return fmt.Errorf("%w: unknown metadata table 0x%02x", ErrMalformed, t)
		}
		if pos+4 > len(data) {
			return fmt.Errorf("%w: row counts truncated", ErrMalformed)
		}
		md.tables[t].rows = le.Uint32(data[pos:])
		pos += 4
	}
	if heapSizes&heapExtraData != 0 {
		pos += 4
	}

	heapIndex := func(flag uint8) int {
		if heapSizes&flag != 0 {
			return 4
		}
		return 2
	}
	for t := range schema {
		tb := &md.tables[t]
		tb.cols = make([]int, len(schema[t]))
		tb.sizes = make([]int, len(schema[t]))
		for i, c := range schema[t] {
			var size int
			switch {
			case c.fixed > 0:
				size = c.fixed
			case c.heap == heapString:
				size = heapIndex(heapLargeStrings)
			case c.heap == heapGUID:
				size = heapIndex(heapLargeGUID)
			case c.heap == heapBlob:
				size = heapIndex(heapLargeBlob)
			case c.coded != nil:
				size = md.codedSize(c.coded)
			default:
				size = md.indexSize(c.table)
			}
			tb.cols[i] = tb.rowSize
			tb.sizes[i] = size
			tb.rowSize += size
		}
		tb.offset = pos
		total := uint64(tb.rows) * uint64(tb.rowSize)
		if uint64(pos)+total > uint64(len(data)) {
			return fmt.Errorf("%w: table 0x%02x of %d rows exceeds stream", ErrMalformed, t, tb.rows)
		}
		pos += int(total)
	}
	md.data = data
	return nil
}

func (md *metadata) indexSize(t int) int {
	if md.tables[t].rows < 1<<16 {
		return 2
	}
	return 4
}

func (md *metadata) codedSize(c *codedIndex) int {
	var maxRows uint32
	for _, t := range c.tables {
		if t != unused && md.tables[t].rows > maxRows {
			maxRows = md.tables[t].rows
		}
	}
	if maxRows < 1<<(16-c.bits) {
		return 2
	}
	return 4
}

func (md *metadata) rows(t int) uint32 { return md.tables[t].rows }

// value returns column col of the 1-based row of table t.
func (md *metadata) value(t int, row uint32, col int) uint32 {
	tb := &md.tables[t]
	if row == 0 || row > tb.rows {
		return 0
	}
	off := tb.offset + int(row-1)*tb.rowSize + tb.cols[col]
	if tb.sizes[col] == 2 {
		return uint32(binary.LittleEndian.Uint16(md.data[off:]))
	}
	return binary.LittleEndian.Uint32(md.data[off:])
}

// str reads a NUL-terminated UTF-8 string from the #Strings heap.
func (md *metadata) str(index uint32) string {
	if int(index) >= len(md.strings) {
		return ""
	}
	b := md.strings[index:]
	if end := bytes.IndexByte(b, 0); end >= 0 {
		b = b[:end]
	}
	if !utf8.Valid(b) {
		return string(bytes.ToValidUTF8(b, []byte("�")))
	}
	return string(b)
}

// compressedUint decodes an ECMA-335 compressed unsigned integer and returns
// it with the number of bytes consumed, or n == 0 when data is too short.
func compressedUint(data []byte) (v uint32, n int) {
	if len(data) == 0 {
		return 0, 0
	}
	b := data[0]
	switch {
	case b&0x80 == 0:
		return uint32(b), 1
	case b&0xC0 == 0x80:
		if len(data) < 2 {
			return 0, 0
		}
		return uint32(b&0x3F)<<8 | uint32(data[1]), 2
	case b&0xE0 == 0xC0:
		if len(data) < 4 {
			return 0, 0
		}
		return uint32(b&0x1F)<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]), 4
	default:
		return 0, 0
	}
}
