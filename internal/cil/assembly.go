// Package cil reads .NET assemblies: it locates the CLI metadata of a PE
// image, builds the type and method tree and decodes method bodies into IL
// instructions.
package cil

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/mapped"
)

var (
	// ErrNotManaged means the file is a PE image without CLI metadata.
	ErrNotManaged = errors.New("not a managed assembly")
	// ErrMalformed means the image or its metadata is structurally broken.
	ErrMalformed = errors.New("malformed assembly")
)

// DefaultStringCacheSize bounds the per-assembly cache of decoded literals.
const DefaultStringCacheSize = 4096

// Method implementation flags.
const (
	implCodeTypeMask = 0x0003 // IL = 0
)

// Options configures a Disassembler.
type Options struct {
	Mapped          mapped.Options
	StringCacheSize int
}

// Disassembler decodes assemblies. It is safe for concurrent use.
type Disassembler struct {
	opts    Options
	opcodes *opcodeTable
}

// New builds the opcode tables and returns a Disassembler.
func New(opts Options) (*Disassembler, error) {
	if opts.StringCacheSize <= 0 {
		opts.StringCacheSize = DefaultStringCacheSize
	}
	table, err := buildOpcodeTable(opcodeDefs)
	if err != nil {
		return nil, fmt.Errorf("opcode table: %w", err)
	}
	return &Disassembler{opts: opts, opcodes: table}, nil
}

// Assembly is the type tree of one module.
type Assembly struct {
	Name  string
	Types []*TypeDef // top-level types; nested types hang off their enclosing type
}

// TypeDef is one type definition.
type TypeDef struct {
	Token     uint32
	Name      string
	Namespace string
	Flags     uint32
	Nested    []*TypeDef
	Methods   []*MethodDef
}

// FullName joins namespace and name with a dot.
func (t *TypeDef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// MethodDef is one method definition. Body is nil for methods without IL;
// BodyErr records why a body that exists could not be decoded.
type MethodDef struct {
	Token     uint32
	Name      string
	RVA       uint32
	ImplFlags uint16
	Flags     uint16
	Body      *MethodBody
	BodyErr   error
}

// HasIL reports whether the method declares an IL body.
func (m *MethodDef) HasIL() bool {
	return m.RVA != 0 && m.ImplFlags&implCodeTypeMask == 0
}

// Disassemble reads the assembly at path.
func (d *Disassembler) Disassemble(path string) (*Assembly, error) {
	f, err := mapped.Open(path, d.opts.Mapped)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	img, cli, err := openImage(f, int64(f.Len()))
	if err != nil {
		return nil, err
	}
	raw, err := img.read(cli.metadataRVA, int(cli.metadataSize))
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	md, err := parseMetadata(raw)
	if err != nil {
		return nil, err
	}
	us, err := newUserStrings(md.us, d.opts.StringCacheSize)
	if err != nil {
		return nil, err
	}

	asm := &Assembly{Name: md.str(md.value(tModule, 1, 1))}
	if asm.Name == "" {
		asm.Name = filepath.Base(path)
	}
	asm.Types = d.buildTypes(md, img, us)
	return asm, nil
}

func (d *Disassembler) buildTypes(md *metadata, img *image, us *userStrings) []*TypeDef {
	typeCount := md.rows(tTypeDef)
	types := make([]*TypeDef, typeCount+1)
	for row := uint32(1); row <= typeCount; row++ {
		types[row] = &TypeDef{
			Token:     tTypeDef<<24 | row,
			Flags:     md.value(tTypeDef, row, 0),
			Name:      md.str(md.value(tTypeDef, row, 1)),
			Namespace: md.str(md.value(tTypeDef, row, 2)),
		}
	}

	methodCount := md.rows(tMethodDef)
	listLen := methodCount
	if md.rows(tMethodPtr) > 0 {
		listLen = md.rows(tMethodPtr)
	}
	for row := uint32(1); row <= typeCount; row++ {
		start := md.value(tTypeDef, row, 5)
		end := listLen + 1
		if row < typeCount {
			end = md.value(tTypeDef, row+1, 5)
		}
		start, end = max(start, 1), min(end, listLen+1)
		for i := start; i < end; i++ {
			method := i
			if md.rows(tMethodPtr) > 0 {
				method = md.value(tMethodPtr, i, 0)
			}
			if method == 0 || method > methodCount {
				continue
			}
			types[row].Methods = append(types[row].Methods, d.buildMethod(md, img, us, method))
		}
	}

	enclosing := make(map[uint32]uint32)
	for row := uint32(1); row <= md.rows(tNestedClass); row++ {
		nested, outer := md.value(tNestedClass, row, 0), md.value(tNestedClass, row, 1)
		if nested != 0 && nested <= typeCount && outer != 0 && outer <= typeCount && nested != outer {
			enclosing[nested] = outer
		}
	}
	var top []*TypeDef
	for row := uint32(1); row <= typeCount; row++ {
		outer, ok := enclosing[row]
		if ok && !nestingCycle(enclosing, row, typeCount) {
			types[outer].Nested = append(types[outer].Nested, types[row])
			continue
		}
		top = append(top, types[row])
	}
	return top
}

// nestingCycle reports whether following enclosing links from row never
// reaches a top-level type.
func nestingCycle(enclosing map[uint32]uint32, row, limit uint32) bool {
	cur := row
	for steps := uint32(0); steps <= limit; steps++ {
		next, ok := enclosing[cur]
		if !ok {
			return false
		}
		cur = next
	}
	return true
}

func (d *Disassembler) buildMethod(md *metadata, img *image, us *userStrings, row uint32) *MethodDef {
	m := &MethodDef{
		Token:     tMethodDef<<24 | row,
		RVA:       md.value(tMethodDef, row, 0),
		ImplFlags: uint16(md.value(tMethodDef, row, 1)),
		Flags:     uint16(md.value(tMethodDef, row, 2)),
		Name:      md.str(md.value(tMethodDef, row, 3)),
	}
	if !m.HasIL() {
		return m
	}
	m.Body, m.BodyErr = d.readBody(img, m.RVA, us)
	if m.BodyErr != nil {
		m.Body = nil
		m.BodyErr = fmt.Errorf("method %s: %w", m.Name, m.BodyErr)
	}
	return m
}
