package cil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"unicode/utf16"
)

// usHeap builds a #US heap holding strs and returns the offset of each.
func usHeap(strs ...string) ([]byte, []uint32) {
	var b bytes.Buffer
	b.WriteByte(0)
	var offsets []uint32
	for _, s := range strs {
		offsets = append(offsets, uint32(b.Len()))
		chars := utf16.Encode([]rune(s))
		b.WriteByte(byte(len(chars)*2 + 1))
		for _, c := range chars {
			_ = binary.Write(&b, binary.LittleEndian, c)
		}
		b.WriteByte(0)
	}
	return b.Bytes(), offsets
}

func newTestDisassembler(t *testing.T) *Disassembler {
	t.Helper()
	d, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func ldstr(off uint32) []byte {
	b := []byte{0x72, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:], 0x70000000|off)
	return b
}

func TestDecodeIL(t *testing.T) {
	d := newTestDisassembler(t)
	heap, offs := usHeap("alpha", "", "ßeta")
	us, err := newUserStrings(heap, 16)
	if err != nil {
		t.Fatal(err)
	}

	var code []byte
	code = append(code, ldstr(offs[0])...)
	code = append(code, 0x26)
	code = append(code, 0xFE, 0x0C, 0x01, 0x00)
	code = append(code, 0x45, 2, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0)
	code = append(code, 0x21, 1, 2, 3, 4, 5, 6, 7, 8)
	code = append(code, ldstr(offs[1])...)
	code = append(code, ldstr(offs[2])...)
	code = append(code, ldstr(offs[0])...)
	code = append(code, 0x2A)

	ins, err := d.decodeIL(code, us)
	if err != nil {
		t.Fatalf("decodeIL() error = %v", err)
	}
	wantOps := []string{"ldstr", "pop", "ldloc", "switch", "ldc.i8", "ldstr", "ldstr", "ldstr", "ret"}
	if len(ins) != len(wantOps) {
		t.Fatalf("decodeIL() returned %d instructions, want %d", len(ins), len(wantOps))
	}
	for i, want := range wantOps {
		if ins[i].OpCode.Name != want {
			t.Errorf("instruction %d = %s, want %s", i, ins[i].OpCode.Name, want)
		}
	}
	if ins[2].Offset != 6 || ins[3].Offset != 10 {
		t.Errorf("offsets = %d, %d; want 6, 10", ins[2].Offset, ins[3].Offset)
	}

	body := &MethodBody{Instructions: ins}
	got := body.Strings()
	want := []string{"alpha", "", "ßeta", "alpha"}
	if len(got) != len(want) {
		t.Fatalf("Strings() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Strings()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDecodeILErrors(t *testing.T) {
	d := newTestDisassembler(t)
	heap, offs := usHeap("alpha")
	us, _ := newUserStrings(heap, 16)

	tests := []struct {
		name string
		code []byte
	}{
		{"unknown opcode", []byte{0x24}},
		{"unknown two-byte opcode", []byte{0xFE, 0x08}},
		{"dangling prefix", []byte{0xFE}},
		{"truncated operand", []byte{0x20, 1, 2}},
		{"switch overflows", []byte{0x45, 0xFF, 0, 0, 0}},
		{"ldstr wrong table", []byte{0x72, 1, 0, 0, 0x0A}},
		{"ldstr outside heap", ldstr(0x1000)},
		{"ldstr at heap start", ldstr(0)},
		{"valid then bad", append(ldstr(offs[0]), 0xA6)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.decodeIL(tt.code, us)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("decodeIL() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestUserStringCache(t *testing.T) {
	heap, offs := usHeap("cached")
	us, _ := newUserStrings(heap, 4)
	first, err := us.get(offs[0])
	if err != nil {
		t.Fatal(err)
	}
	// The cached value survives a change to the backing heap.
	heap[offs[0]+1] = 'X'
	second, _ := us.get(offs[0])
	if first != "cached" || second != "cached" {
		t.Errorf("get() = %q then %q, want cached twice", first, second)
	}
}

func TestBuildOpcodeTable(t *testing.T) {
	if _, err := buildOpcodeTable(opcodeDefs); err != nil {
		t.Fatalf("builtin table: %v", err)
	}

	tests := []struct {
		name string
		defs []OpCode
	}{
		{"duplicate", []OpCode{{0x72, "ldstr", InlineString}, {0x72, "other", InlineNone}}},
		{"missing ldstr", []OpCode{{0x00, "nop", InlineNone}}},
		{"prefix as opcode", []OpCode{{0xFE, "bad", InlineNone}, {0x72, "ldstr", InlineString}}},
		{"bad operand", []OpCode{{0x00, "nop", OperandType(99)}, {0x72, "ldstr", InlineString}}},
		{"unnamed", []OpCode{{0x00, "", InlineNone}}},
		{"bad high byte", []OpCode{{0x1200, "x", InlineNone}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildOpcodeTable(tt.defs); err == nil {
				t.Error("buildOpcodeTable() succeeded, want error")
			}
		})
	}
}

func TestCompressedUint(t *testing.T) {
	tests := []struct {
		in    []byte
		want  uint32
		wantN int
	}{
		{[]byte{0x03}, 3, 1},
		{[]byte{0x7F}, 0x7F, 1},
		{[]byte{0x80, 0x80}, 0x80, 2},
		{[]byte{0xBF, 0xFF}, 0x3FFF, 2},
		{[]byte{0xC0, 0x00, 0x40, 0x00}, 0x4000, 4},
		{[]byte{0x80}, 0, 0},
		{[]byte{0xFF}, 0, 0},
		{nil, 0, 0},
	}
	for _, tt := range tests {
		v, n := compressedUint(tt.in)
		if v != tt.want || n != tt.wantN {
			t.Errorf("compressedUint(%x) = %d, %d; want %d, %d", tt.in, v, n, tt.want, tt.wantN)
		}
	}
}
