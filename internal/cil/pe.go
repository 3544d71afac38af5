package cil

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

// dirCLRHeader is the data directory entry of the CLI header.
const dirCLRHeader = 14

const cliHeaderSize = 72

// image maps relative virtual addresses of a PE file onto its sections.
type image struct {
	sections []*pe.Section
	size     int64 // file length; section sizes are claims checked against it
}

// cliHeader is the part of the CLI header needed to locate metadata.
type cliHeader struct {
	metadataRVA  uint32
	metadataSize uint32
	flags        uint32
}

// openImage parses the PE headers of the size bytes of r and locates the CLI
// header. Files without a CLI header are native images.
func openImage(r io.ReaderAt, size int64) (*image, cliHeader, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, cliHeader{}, fmt.Errorf("%w: not a valid PE file: %v", ErrMalformed, err)
	}

	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	}
	if len(dirs) <= dirCLRHeader || dirs[dirCLRHeader].VirtualAddress == 0 {
		return nil, cliHeader{}, ErrNotManaged
	}

	img := &image{sections: f.Sections, size: size}
	raw, err := img.read(dirs[dirCLRHeader].VirtualAddress, cliHeaderSize)
	if err != nil {
		return nil, cliHeader{}, fmt.Errorf("CLI header: %w", err)
	}
	le := binary.LittleEndian
	h := cliHeader{
		metadataRVA:  le.Uint32(raw[8:]),
		metadataSize: le.Uint32(raw[12:]),
		flags:        le.Uint32(raw[16:]),
	}
	if h.metadataRVA == 0 || h.metadataSize == 0 {
		return nil, cliHeader{}, fmt.Errorf("%w: CLI header has no metadata", ErrMalformed)
	}
	return img, h, nil
}

func (img *image) section(rva uint32) (*pe.Section, uint32, error) {
	for _, s := range img.sections {
		size := max(s.VirtualSize, s.Size)
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < size {
			return s, rva - s.VirtualAddress, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: RVA 0x%x is outside every section", ErrMalformed, rva)
}

// read returns n bytes starting at rva.
func (img *image) read(rva uint32, n int) ([]byte, error) {
	s, off, err := img.section(rva)
	if err != nil {
		return nil, err
	}
	if n < 0 || uint64(off)+uint64(n) > uint64(s.Size) {
		return nil, fmt.Errorf("%w: %d bytes at RVA 0x%x exceed section %s", ErrMalformed, n, rva, s.Name)
	}
	if int64(s.Offset)+int64(off)+int64(n) > img.size {
		return nil, fmt.Errorf("%w: %d bytes at RVA 0x%x run past end of file", ErrMalformed, n, rva)
	}
	buf := make([]byte, n)
	if _, err := s.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("read section %s: %w", s.Name, err)
	}
	return buf, nil
}

// readUpTo returns at most n bytes starting at rva, stopping at the end of
// the section's raw data.
func (img *image) readUpTo(rva uint32, n int) ([]byte, error) {
	s, off, err := img.section(rva)
	if err != nil {
		return nil, err
	}
	if off >= s.Size {
		return nil, fmt.Errorf("%w: RVA 0x%x has no file data", ErrMalformed, rva)
	}
	return img.read(rva, min(n, int(s.Size-off)))
}
