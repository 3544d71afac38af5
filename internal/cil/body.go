package cil

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Method header formats (ECMA-335 II.25.4).
const (
	headerFormatMask = 0x3
	headerTiny       = 0x2
	headerFat        = 0x3
	fatHeaderSize    = 12
)

// tableUserString is the token table of #US references.
const tableUserString = 0x70

// MethodBody is the decoded IL of one method.
type MethodBody struct {
	MaxStack     uint16
	CodeSize     uint32
	Instructions []Instruction
}

// Instruction is one decoded IL instruction. Token is set for operands that
// reference metadata; Operand carries the resolved literal of ldstr.
type Instruction struct {
	Offset  uint32
	OpCode  *OpCode
	Token   uint32
	Operand string
}

// Strings returns the ldstr literals of the body in instruction order.
func (b *MethodBody) Strings() []string {
	var out []string
	for _, ins := range b.Instructions {
		if ins.OpCode.Value == Ldstr {
			out = append(out, ins.Operand)
		}
	}
	return out
}

// userStrings resolves #US heap entries, caching decoded literals since the
// same string is often loaded from many methods.
type userStrings struct {
	heap  []byte
	cache *lru.Cache[uint32, string]
	dec   *encoding.Decoder
}

func newUserStrings(heap []byte, cacheSize int) (*userStrings, error) {
	cache, err := lru.New[uint32, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &userStrings{
		heap:  heap,
		cache: cache,
		dec:   unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder(),
	}, nil
}

// get decodes the UTF-16LE string at offset. Each entry is a compressed
// byte length followed by the characters and one trailing flag byte.
func (us *userStrings) get(offset uint32) (string, error) {
	if s, ok := us.cache.Get(offset); ok {
		return s, nil
	}
	if offset == 0 || int(offset) >= len(us.heap) {
		return "", fmt.Errorf("%w: user string 0x%x outside #US heap of %d bytes", ErrMalformed, offset, len(us.heap))
	}
	size, n := compressedUint(us.heap[offset:])
	start := int(offset) + n
	if n == 0 || uint64(start)+uint64(size) > uint64(len(us.heap)) {
		return "", fmt.Errorf("%w: user string 0x%x has a bad length", ErrMalformed, offset)
	}
	chars := us.heap[start : start+int(size)&^1]
	decoded, err := us.dec.Bytes(chars)
	if err != nil {
		return "", fmt.Errorf("%w: user string 0x%x: %v", ErrMalformed, offset, err)
	}
	s := string(decoded)
	us.cache.Add(offset, s)
	return s, nil
}

// readBody reads the method header at rva and decodes the IL that follows.
func (d *Disassembler) readBody(img *image, rva uint32, us *userStrings) (*MethodBody, error) {
	head, err := img.readUpTo(rva, fatHeaderSize)
	if err != nil {
		return nil, err
	}
	body := &MethodBody{MaxStack: 8}
	codeRVA := rva
	switch head[0] & headerFormatMask {
	case headerTiny:
		body.CodeSize = uint32(head[0] >> 2)
		codeRVA++
	case headerFat:
		if len(head) < fatHeaderSize {
			return nil, fmt.Errorf("%w: fat method header truncated", ErrMalformed)
		}
		le := binary.LittleEndian
		flags := le.Uint16(head)
		body.MaxStack = le.Uint16(head[2:])
		body.CodeSize = le.Uint32(head[4:])
		codeRVA += uint32(flags>>12) * 4
		if flags>>12 < 3 {
			return nil, fmt.Errorf("%w: fat method header of %d bytes", ErrMalformed, (flags>>12)*4)
		}
	default:
		return nil, fmt.Errorf("%w: method header format 0x%x", ErrMalformed, head[0]&headerFormatMask)
	}
	if body.CodeSize == 0 {
		return body, nil
	}
	code, err := img.read(codeRVA, int(body.CodeSize))
	if err != nil {
		return nil, err
	}
	body.Instructions, err = d.decodeIL(code, us)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// decodeIL decodes a method's IL stream. Literal operands of ldstr are
// resolved through us.
func (d *Disassembler) decodeIL(code []byte, us *userStrings) ([]Instruction, error) {
	le := binary.LittleEndian
	var out []Instruction
	for pos := 0; pos < len(code); {
		op, n := d.opcodes.lookup(code, pos)
		if op == nil {
			return out, fmt.Errorf("%w: unknown opcode at IL_%04x", ErrMalformed, pos)
		}
		ins := Instruction{Offset: uint32(pos), OpCode: op}
		pos += n

		size := op.Operand.Size()
		if pos+size > len(code) {
			return out, fmt.Errorf("%w: %s operand at IL_%04x truncated", ErrMalformed, op.Name, ins.Offset)
		}
		if op.Operand == InlineSwitch {
			targets := le.Uint32(code[pos:])
			if uint64(targets)*4 > uint64(len(code)-pos-4) {
				return out, fmt.Errorf("%w: switch at IL_%04x has %d targets", ErrMalformed, ins.Offset, targets)
			}
			size += int(targets) * 4
		}
		if op.Operand.IsToken() {
			ins.Token = le.Uint32(code[pos:])
		}
		if op.Operand == InlineString {
			if ins.Token>>24 != tableUserString {
				return out, fmt.Errorf("%w: ldstr at IL_%04x references token 0x%08x", ErrMalformed, ins.Offset, ins.Token)
			}
			s, err := us.get(ins.Token & 0xFFFFFF)
			if err != nil {
				return out, err
			}
			ins.Operand = s
		}
		pos += size
		out = append(out, ins)
	}
	return out, nil
}
