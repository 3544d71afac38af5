package cil_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil/ciltest"
)

func totalAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.TotalAlloc
}

// FuzzDisassemble tests assembly parsing with random inputs
func FuzzDisassemble(f *testing.F) {
	f.Add(ciltest.Assembly(ciltest.Options{ModuleName: "Assembly-CSharp.dll"},
		ciltest.Type{
			Name:    "Inn",
			Methods: []ciltest.Method{{Name: "Welcome", Strings: []string{"Rest well, traveler", "再见"}}, {Name: "Abstract", NoBody: true}},
			Nested:  []ciltest.Type{{Name: "Room", Methods: []ciltest.Method{{Name: "Open", Strings: []string{"door"}}}}},
		}))
	f.Add(ciltest.Assembly(ciltest.Options{Native: true}))
	f.Add([]byte("MZ"))
	f.Add([]byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00\xff\xff\x00\x00"))
	f.Add([]byte(""))

	d, err := cil.New(cil.Options{})
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		// Keep the allocation budget meaningful
		if len(data) > 16*1024 {
			t.Skip("Input too large")
		}

		path := filepath.Join(t.TempDir(), "fuzz.dll")
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Fatalf("Failed to create temp file: %v", err)
		}

		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Panic: %v\nInput: %q", r, data)
			}
		}()

		before := totalAlloc()
		asm, err := d.Disassemble(path)
		// Every read is bounded by the file, so no claimed size can blow up
		if delta := totalAlloc() - before; delta > 64<<20 {
			t.Fatalf("disassembling %d bytes allocated %d bytes", len(data), delta)
		}
		if err != nil {
			return
		}

		for i, typ := range asm.Types {
			if typ == nil {
				t.Fatalf("type #%d is nil", i)
			}
			for _, m := range typ.Methods {
				if m.Body != nil && m.BodyErr != nil {
					t.Errorf("%s.%s has both a body and an error", typ.Name, m.Name)
				}
			}
		}
	})
}
