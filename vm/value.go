package vm

import (
	"fmt"
	"math"
	"strings"
)

// Slot is one fixed-width cell of the managed stack.
//
// A slot holds either a primitive scalar or a heap reference. The stack does
// not distinguish the two; the bytecode decides how a slot is read:
//   - Int: two's complement int64
//   - Float: IEEE 754 float64 bits
//   - Reference: Ref in the low 32 bits
type Slot uint64

// Ref is an opaque handle into the heap. NullRef is the null reference.
type Ref uint32

// NullRef is the null reference.
const NullRef Ref = 0

// Zero is the all-zero slot: int 0, float +0.0 and the null reference.
const Zero Slot = 0

// FromInt creates a slot holding an integer.
func FromInt(v int64) Slot {
	return Slot(uint64(v))
}

// FromFloat creates a slot holding a float.
func FromFloat(f float64) Slot {
	return Slot(math.Float64bits(f))
}

// FromRef creates a slot holding a heap reference.
func FromRef(r Ref) Slot {
	return Slot(r)
}

// FromBool creates an integer slot holding 1 or 0.
func FromBool(b bool) Slot {
	if b {
		return 1
	}
	return 0
}

// Int reads the slot as an integer.
func (s Slot) Int() int64 {
	return int64(s)
}

// Float reads the slot as a float.
func (s Slot) Float() float64 {
	return math.Float64frombits(uint64(s))
}

// Ref reads the slot as a heap reference.
func (s Slot) Ref() Ref {
	return Ref(uint32(s))
}

// ---------------------------------------------------------------------------
// Kinds and signatures
// ---------------------------------------------------------------------------

// Kind is the shape of a parameter or return value.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindFloat
	KindReference
)

var kindLetters = map[Kind]byte{
	KindVoid:      'V',
	KindInt:       'I',
	KindFloat:     'F',
	KindReference: 'L',
}

// String returns the descriptor letter for the kind.
func (k Kind) String() string {
	if c, ok := kindLetters[k]; ok {
		return string(c)
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Signature describes the argument and return shape of a method.
type Signature struct {
	Params []Kind
	Return Kind
}

// Arity returns the number of arguments.
func (s Signature) Arity() int {
	return len(s.Params)
}

// ReturnsValue reports whether a call produces a value for the caller.
func (s Signature) ReturnsValue() bool {
	return s.Return != KindVoid
}

// String renders the signature as a descriptor, e.g. "(II)I".
func (s Signature) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, p := range s.Params {
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	sb.WriteString(s.Return.String())
	return sb.String()
}

// ParseSignature parses a descriptor such as "(IF)L".
// Void is only valid as a return kind.
func ParseSignature(desc string) (Signature, error) {
	var sig Signature
	if len(desc) < 3 || desc[0] != '(' {
		return sig, fmt.Errorf("signature %q: missing parameter list", desc)
	}
	end := strings.IndexByte(desc, ')')
	if end < 0 {
		return sig, fmt.Errorf("signature %q: unterminated parameter list", desc)
	}
	for i := 1; i < end; i++ {
		k, ok := kindFromLetter(desc[i])
		if !ok || k == KindVoid {
			return sig, fmt.Errorf("signature %q: bad parameter kind %q", desc, desc[i])
		}
		sig.Params = append(sig.Params, k)
	}
	rest := desc[end+1:]
	if len(rest) != 1 {
		return sig, fmt.Errorf("signature %q: want exactly one return kind", desc)
	}
	k, ok := kindFromLetter(rest[0])
	if !ok {
		return sig, fmt.Errorf("signature %q: bad return kind %q", desc, rest[0])
	}
	sig.Return = k
	return sig, nil
}

func kindFromLetter(c byte) (Kind, bool) {
	for k, l := range kindLetters {
		if l == c {
			return k, true
		}
	}
	return KindVoid, false
}

// FormatSlot renders a slot according to a kind, for diagnostics and the CLI.
func FormatSlot(s Slot, k Kind) string {
	switch k {
	case KindInt:
		return fmt.Sprintf("%d", s.Int())
	case KindFloat:
		return fmt.Sprintf("%g", s.Float())
	case KindReference:
		if s.Ref() == NullRef {
			return "null"
		}
		return fmt.Sprintf("ref#%d", s.Ref())
	default:
		return "void"
	}
}
