package cil_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil/ciltest"
)

func writeAssembly(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Assembly-CSharp.dll")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newDisassembler(t *testing.T) *cil.Disassembler {
	t.Helper()
	d, err := cil.New(cil.Options{})
	require.NoError(t, err)
	return d
}

func TestDisassembleTypesAndLiterals(t *testing.T) {
	long := make([]string, 12) // forces a fat method header
	for i := range long {
		long[i] = strings.Repeat("x", i+1)
	}
	data := ciltest.Assembly(ciltest.Options{},
		ciltest.Type{
			Name:      "QuestManager",
			Namespace: "Game",
			Methods: []ciltest.Method{
				{Name: "Start", Strings: []string{"Hello Traveler", "再见"}},
				{Name: "Abstract", NoBody: true},
				{Name: "Many", Strings: long},
			},
			Nested: []ciltest.Type{{
				Name:    "Dialogue",
				Methods: []ciltest.Method{{Name: "Say", Strings: []string{"Hello Traveler"}}},
			}},
		},
		ciltest.Type{Name: "Empty"},
	)

	asm, err := newDisassembler(t).Disassemble(writeAssembly(t, data))
	require.NoError(t, err)
	assert.Equal(t, "Assembly-CSharp.dll", asm.Name)

	require.Len(t, asm.Types, 3)
	assert.Equal(t, "<Module>", asm.Types[0].Name)
	quest := asm.Types[1]
	assert.Equal(t, "Game.QuestManager", quest.FullName())
	assert.Equal(t, "Empty", asm.Types[2].Name)
	assert.Empty(t, asm.Types[2].Methods)

	require.Len(t, quest.Methods, 3)
	start := quest.Methods[0]
	assert.Equal(t, "Start", start.Name)
	require.NoError(t, start.BodyErr)
	require.NotNil(t, start.Body)
	assert.Equal(t, []string{"Hello Traveler", "再见"}, start.Body.Strings())
	assert.Equal(t, "ldstr", start.Body.Instructions[0].OpCode.Name)
	assert.Equal(t, "pop", start.Body.Instructions[1].OpCode.Name)
	assert.Equal(t, "ret", start.Body.Instructions[len(start.Body.Instructions)-1].OpCode.Name)

	abstract := quest.Methods[1]
	assert.False(t, abstract.HasIL())
	assert.Nil(t, abstract.Body)
	assert.NoError(t, abstract.BodyErr)

	many := quest.Methods[2]
	require.NoError(t, many.BodyErr)
	assert.Equal(t, long, many.Body.Strings())

	require.Len(t, quest.Nested, 1)
	dialogue := quest.Nested[0]
	assert.Equal(t, "Dialogue", dialogue.Name)
	require.Len(t, dialogue.Methods, 1)
	assert.Equal(t, []string{"Hello Traveler"}, dialogue.Methods[0].Body.Strings())
}

func TestDisassembleNativeImage(t *testing.T) {
	data := ciltest.Assembly(ciltest.Options{Native: true}, ciltest.Type{Name: "Unused"})
	_, err := newDisassembler(t).Disassemble(writeAssembly(t, data))
	assert.ErrorIs(t, err, cil.ErrNotManaged)
}

func TestDisassembleNotPE(t *testing.T) {
	_, err := newDisassembler(t).Disassemble(writeAssembly(t, []byte("definitely not a portable executable")))
	assert.ErrorIs(t, err, cil.ErrMalformed)
}

func TestDisassembleMissingFile(t *testing.T) {
	_, err := newDisassembler(t).Disassemble(filepath.Join(t.TempDir(), "missing.dll"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDisassembleConcurrentUse(t *testing.T) {
	d := newDisassembler(t)
	path := writeAssembly(t, ciltest.Assembly(ciltest.Options{}, ciltest.Type{
		Name:    "A",
		Methods: []ciltest.Method{{Name: "M", Strings: []string{"one", "two"}}},
	}))
	errs := make(chan error, 8)
	for range 8 {
		go func() {
			_, err := d.Disassemble(path)
			errs <- err
		}()
	}
	for range 8 {
		assert.NoError(t, <-errs)
	}
}

func TestDisassembleRejectsSizesBeyondFile(t *testing.T) {
	// Offsets into the single-section image: SizeOfRawData of the .text
	// section header and the metadata size of the CLI header at file 0x200.
	const sectionRawSize, metadataSize = 0x80 + 4 + 20 + 224 + 16, 0x200 + 12

	tests := []struct {
		name    string
		patches map[int]uint32
	}{
		{"metadata beyond section", map[int]uint32{metadataSize: 0x7FFFFFF0}},
		{"section beyond file", map[int]uint32{sectionRawSize: 0xFFFFFFF0, metadataSize: 0x7FFFFFF0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := ciltest.Assembly(ciltest.Options{}, ciltest.Type{
				Name:    "A",
				Methods: []ciltest.Method{{Name: "M", Strings: []string{"one"}}},
			})
			for off, v := range tt.patches {
				binary.LittleEndian.PutUint32(data[off:], v)
			}

			before := totalAlloc()
			_, err := newDisassembler(t).Disassemble(writeAssembly(t, data))
			delta := totalAlloc() - before

			assert.ErrorIs(t, err, cil.ErrMalformed)
			assert.Less(t, delta, uint64(64<<20), "allocated %d bytes for a %d byte file", delta, len(data))
		})
	}
}
