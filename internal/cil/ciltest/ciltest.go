// Package ciltest builds minimal managed PE images for tests.
package ciltest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"unicode/utf16"
)

// Method is a method whose body loads each literal with ldstr.
type Method struct {
	Name    string
	Strings []string
	NoBody  bool // abstract: no RVA
}

// Type is a type definition with optional nested types.
type Type struct {
	Name      string
	Namespace string
	Methods   []Method
	Nested    []Type
}

// Options controls the image.
type Options struct {
	ModuleName string
	Native     bool // omit the CLI header
}

const (
	textRVA       = 0x2000
	fileAlign     = 0x200
	cliHeaderSize = 72
)

var le = binary.LittleEndian

type heap struct {
	bytes.Buffer
	index map[string]uint32
}

func newHeap() *heap {
	h := &heap{index: make(map[string]uint32)}
	h.WriteByte(0)
	return h
}

func (h *heap) str(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := h.index[s]; ok {
		return off
	}
	off := uint32(h.Len())
	h.WriteString(s)
	h.WriteByte(0)
	h.index[s] = off
	return off
}

func (h *heap) userString(s string) uint32 {
	if off, ok := h.index[s]; ok {
		return off
	}
	off := uint32(h.Len())
	chars := utf16.Encode([]rune(s))
	writeCompressed(&h.Buffer, uint32(len(chars)*2+1))
	for _, c := range chars {
		_ = binary.Write(&h.Buffer, le, c)
	}
	h.WriteByte(0)
	h.index[s] = off
	return off
}

func writeCompressed(b *bytes.Buffer, v uint32) {
	switch {
	case v < 0x80:
		b.WriteByte(byte(v))
	case v < 0x4000:
		b.WriteByte(byte(v>>8) | 0x80)
		b.WriteByte(byte(v))
	default:
		b.WriteByte(byte(v>>24) | 0xC0)
		b.WriteByte(byte(v >> 16))
		b.WriteByte(byte(v >> 8))
		b.WriteByte(byte(v))
	}
}

func pad(b *bytes.Buffer, n int) {
	for b.Len()%n != 0 {
		b.WriteByte(0)
	}
}

type typeRow struct {
	t     Type
	outer int
}

// Assembly encodes types as a DLL. A <Module> type is always emitted first.
func Assembly(opts Options, types ...Type) []byte {
	rows := []typeRow{{t: Type{Name: "<Module>"}}}
	var flatten func(ts []Type, outer int)
	flatten = func(ts []Type, outer int) {
		for _, t := range ts {
			rows = append(rows, typeRow{t: t, outer: outer})
			flatten(t.Nested, len(rows))
		}
	}
	flatten(types, 0)

	strs, us := newHeap(), newHeap()
	blob := []byte{0x00, 0x03, 0x00, 0x00, 0x01} // void ()
	guid := make([]byte, 16)
	guid[0] = 1

	// CLI header first, then method bodies, then metadata.
	var text bytes.Buffer
	text.Write(make([]byte, cliHeaderSize))
	var methodRows bytes.Buffer
	var typeRows bytes.Buffer
	methodIndex := 1
	for _, r := range rows {
		_ = binary.Write(&typeRows, le, uint32(0x00100001)) // public, beforefieldinit
		_ = binary.Write(&typeRows, le, uint16(strs.str(r.t.Name)))
		_ = binary.Write(&typeRows, le, uint16(strs.str(r.t.Namespace)))
		_ = binary.Write(&typeRows, le, uint16(0)) // extends
		_ = binary.Write(&typeRows, le, uint16(1)) // field list
		_ = binary.Write(&typeRows, le, uint16(methodIndex))
		for _, m := range r.t.Methods {
			rva := uint32(0)
			if !m.NoBody {
				rva = writeBody(&text, us, m.Strings)
			}
			_ = binary.Write(&methodRows, le, rva)
			_ = binary.Write(&methodRows, le, uint16(0))      // impl flags: IL
			_ = binary.Write(&methodRows, le, uint16(0x0086)) // public hidebysig
			_ = binary.Write(&methodRows, le, uint16(strs.str(m.Name)))
			_ = binary.Write(&methodRows, le, uint16(1)) // signature blob
			_ = binary.Write(&methodRows, le, uint16(1)) // param list
			methodIndex++
		}
	}
	var nestedRows bytes.Buffer
	nestedCount := 0
	for i, r := range rows {
		if r.outer != 0 {
			_ = binary.Write(&nestedRows, le, uint16(i+1))
			_ = binary.Write(&nestedRows, le, uint16(r.outer))
			nestedCount++
		}
	}

	moduleName := opts.ModuleName
	if moduleName == "" {
		moduleName = "Assembly-CSharp.dll"
	}
	var tables bytes.Buffer
	_ = binary.Write(&tables, le, uint32(0))
	tables.Write([]byte{2, 0, 0, 1}) // version 2.0, small heaps
	valid := uint64(1)<<0x00 | 1<<0x02 | 1<<0x06
	if nestedCount > 0 {
		valid |= 1 << 0x29
	}
	_ = binary.Write(&tables, le, valid)
	_ = binary.Write(&tables, le, uint64(0))
	_ = binary.Write(&tables, le, uint32(1))
	_ = binary.Write(&tables, le, uint32(len(rows)))
	_ = binary.Write(&tables, le, uint32(methodIndex-1))
	if nestedCount > 0 {
		_ = binary.Write(&tables, le, uint32(nestedCount))
	}
	_ = binary.Write(&tables, le, uint16(0)) // module generation
	_ = binary.Write(&tables, le, uint16(strs.str(moduleName)))
	_ = binary.Write(&tables, le, uint16(1)) // mvid
	_ = binary.Write(&tables, le, uint32(0)) // enc ids
	tables.Write(typeRows.Bytes())
	tables.Write(methodRows.Bytes())
	tables.Write(nestedRows.Bytes())

	pad(&text, 4)
	metadataRVA := textRVA + uint32(text.Len())
	md := metadataRoot([]stream{
		{"#~", tables.Bytes()},
		{"#Strings", strs.Bytes()},
		{"#US", us.Bytes()},
		{"#GUID", guid},
		{"#Blob", blob},
	})
	text.Write(md)

	cli := text.Bytes()[:cliHeaderSize]
	le.PutUint32(cli[0:], cliHeaderSize)
	le.PutUint16(cli[4:], 2)
	le.PutUint16(cli[6:], 5)
	le.PutUint32(cli[8:], metadataRVA)
	le.PutUint32(cli[12:], uint32(len(md)))
	le.PutUint32(cli[16:], 1) // IL only

	return peImage(text.Bytes(), !opts.Native)
}

// writeBody appends a method body that loads each literal and discards it.
func writeBody(text *bytes.Buffer, us *heap, literals []string) uint32 {
	var code bytes.Buffer
	for _, s := range literals {
		code.WriteByte(0x72) // ldstr
		_ = binary.Write(&code, le, 0x70000000|us.userString(s))
		code.WriteByte(0x26) // pop
	}
	code.WriteByte(0x2A) // ret

	if code.Len() < 64 {
		rva := textRVA + uint32(text.Len())
		text.WriteByte(byte(code.Len()<<2) | 0x2)
		text.Write(code.Bytes())
		return rva
	}
	pad(text, 4)
	rva := textRVA + uint32(text.Len())
	_ = binary.Write(text, le, uint16(0x3003)) // fat, 3-dword header
	_ = binary.Write(text, le, uint16(8))
	_ = binary.Write(text, le, uint32(code.Len()))
	_ = binary.Write(text, le, uint32(0))
	text.Write(code.Bytes())
	return rva
}

type stream struct {
	name string
	data []byte
}

func metadataRoot(streams []stream) []byte {
	version := []byte("v4.0.30319\x00\x00")
	headerSize := 16 + len(version) + 4
	for _, s := range streams {
		headerSize += 8 + (len(s.name)+4)&^3
	}

	var b bytes.Buffer
	_ = binary.Write(&b, le, uint32(0x424A5342))
	_ = binary.Write(&b, le, uint16(1))
	_ = binary.Write(&b, le, uint16(1))
	_ = binary.Write(&b, le, uint32(0))
	_ = binary.Write(&b, le, uint32(len(version)))
	b.Write(version)
	_ = binary.Write(&b, le, uint16(0))
	_ = binary.Write(&b, le, uint16(len(streams)))

	offset := headerSize
	var body bytes.Buffer
	for _, s := range streams {
		size := (len(s.data) + 3) &^ 3
		_ = binary.Write(&b, le, uint32(offset))
		_ = binary.Write(&b, le, uint32(size))
		b.WriteString(s.name)
		b.WriteByte(0)
		pad(&b, 4)
		body.Write(s.data)
		pad(&body, 4)
		offset += size
	}
	b.Write(body.Bytes())
	return b.Bytes()
}

func peImage(text []byte, managed bool) []byte {
	var out bytes.Buffer
	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	le.PutUint32(dos[0x3C:], 0x80)
	out.Write(dos)
	out.WriteString("PE\x00\x00")

	rawSize := uint32((len(text) + fileAlign - 1) &^ (fileAlign - 1))
	_ = binary.Write(&out, le, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE | pe.IMAGE_FILE_DLL,
	})
	oh := pe.OptionalHeader32{
		Magic:               0x10B,
		SizeOfCode:          rawSize,
		BaseOfCode:          textRVA,
		ImageBase:           0x10000000,
		SectionAlignment:    0x2000,
		FileAlignment:       fileAlign,
		SizeOfImage:         textRVA + (rawSize+0x1FFF)&^0x1FFF,
		SizeOfHeaders:       fileAlign,
		Subsystem:           pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		NumberOfRvaAndSizes: 16,
	}
	if managed {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = pe.DataDirectory{VirtualAddress: textRVA, Size: cliHeaderSize}
	}
	_ = binary.Write(&out, le, oh)
	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(text)),
		VirtualAddress:   textRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: fileAlign,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	}
	copy(sh.Name[:], ".text")
	_ = binary.Write(&out, le, sh)

	pad(&out, fileAlign)
	out.Write(text)
	pad(&out, fileAlign)
	return out.Bytes()
}
