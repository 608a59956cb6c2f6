package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP  Opcode = 0x00 // no operation
	OpPOP  Opcode = 0x01 // discard top of stack
	OpDUP  Opcode = 0x02 // duplicate top of stack
	OpSWAP Opcode = 0x03 // exchange the two top slots
)

// Push Constants
const (
	OpPushNull  Opcode = 0x10 // push the null reference
	OpPushInt8  Opcode = 0x11 // push 8-bit signed integer
	OpPushInt32 Opcode = 0x12 // push 32-bit signed integer
	OpPushInt64 Opcode = 0x13 // push 64-bit signed integer
	OpPushFloat Opcode = 0x14 // push inline float64 (8 bytes)
)

// Local Variables
const (
	OpLoad  Opcode = 0x20 // push local (8-bit index)
	OpStore Opcode = 0x21 // pop into local (8-bit index)
	OpInc   Opcode = 0x22 // add signed 8-bit delta to integer local (8-bit index, 8-bit delta)
)

// Integer Arithmetic (pop b, pop a, push a op b)
const (
	OpAdd    Opcode = 0x30
	OpSub    Opcode = 0x31
	OpMul    Opcode = 0x32
	OpDiv    Opcode = 0x33 // throws on zero divisor
	OpRem    Opcode = 0x34 // throws on zero divisor
	OpNeg    Opcode = 0x35 // unary
	OpAnd    Opcode = 0x36
	OpOr     Opcode = 0x37
	OpXor    Opcode = 0x38
	OpShl    Opcode = 0x39 // shift count masked to 6 bits
	OpShr    Opcode = 0x3A // arithmetic shift, count masked to 6 bits
	OpAddImm Opcode = 0x3B // add signed 8-bit immediate to top of stack
)

// Float Arithmetic
const (
	OpFAdd Opcode = 0x40
	OpFSub Opcode = 0x41
	OpFMul Opcode = 0x42
	OpFDiv Opcode = 0x43
	OpFRem Opcode = 0x44
	OpFNeg Opcode = 0x45
	OpI2F  Opcode = 0x46 // int to float
	OpF2I  Opcode = 0x47 // float to int, NaN -> 0, saturating
)

// Comparisons (push -1, 0 or 1)
const (
	OpCmp   Opcode = 0x50 // integer compare
	OpFCmpL Opcode = 0x51 // float compare, NaN -> -1
	OpFCmpG Opcode = 0x52 // float compare, NaN -> 1
)

// Control Flow (16-bit offset relative to the end of the instruction)
const (
	OpJump        Opcode = 0x60 // unconditional jump
	OpJumpEQ      Opcode = 0x61 // pop int, jump if == 0
	OpJumpNE      Opcode = 0x62 // pop int, jump if != 0
	OpJumpLT      Opcode = 0x63 // pop int, jump if < 0
	OpJumpGE      Opcode = 0x64 // pop int, jump if >= 0
	OpJumpGT      Opcode = 0x65 // pop int, jump if > 0
	OpJumpLE      Opcode = 0x66 // pop int, jump if <= 0
	OpJumpNull    Opcode = 0x67 // pop ref, jump if null
	OpJumpNonNull Opcode = 0x68 // pop ref, jump if not null
)

// Calls and Returns
const (
	OpInvoke      Opcode = 0x70 // call method (32-bit method index)
	OpReturn      Opcode = 0x71 // return without a value
	OpReturnValue Opcode = 0x72 // return top of stack
)

// Exceptions
const (
	OpThrow Opcode = 0x80 // pop reference, throw it
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on operand depth (-1 for invoke is nominal)
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	// Stack operations
	OpNOP:  {"NOP", 0, 0},
	OpPOP:  {"POP", 0, -1},
	OpDUP:  {"DUP", 0, 1},
	OpSWAP: {"SWAP", 0, 0},

	// Push constants
	OpPushNull:  {"PUSH_NULL", 0, 1},
	OpPushInt8:  {"PUSH_INT8", 1, 1},
	OpPushInt32: {"PUSH_INT32", 4, 1},
	OpPushInt64: {"PUSH_INT64", 8, 1},
	OpPushFloat: {"PUSH_FLOAT", 8, 1},

	// Locals
	OpLoad:  {"LOAD", 1, 1},
	OpStore: {"STORE", 1, -1},
	OpInc:   {"INC", 2, 0},

	// Integer arithmetic
	OpAdd:    {"ADD", 0, -1},
	OpSub:    {"SUB", 0, -1},
	OpMul:    {"MUL", 0, -1},
	OpDiv:    {"DIV", 0, -1},
	OpRem:    {"REM", 0, -1},
	OpNeg:    {"NEG", 0, 0},
	OpAnd:    {"AND", 0, -1},
	OpOr:     {"OR", 0, -1},
	OpXor:    {"XOR", 0, -1},
	OpShl:    {"SHL", 0, -1},
	OpShr:    {"SHR", 0, -1},
	OpAddImm: {"ADD_IMM", 1, 0},

	// Float arithmetic
	OpFAdd: {"FADD", 0, -1},
	OpFSub: {"FSUB", 0, -1},
	OpFMul: {"FMUL", 0, -1},
	OpFDiv: {"FDIV", 0, -1},
	OpFRem: {"FREM", 0, -1},
	OpFNeg: {"FNEG", 0, 0},
	OpI2F:  {"I2F", 0, 0},
	OpF2I:  {"F2I", 0, 0},

	// Comparisons
	OpCmp:   {"CMP", 0, -1},
	OpFCmpL: {"FCMPL", 0, -1},
	OpFCmpG: {"FCMPG", 0, -1},

	// Control flow
	OpJump:        {"JUMP", 2, 0},
	OpJumpEQ:      {"JUMP_EQ", 2, -1},
	OpJumpNE:      {"JUMP_NE", 2, -1},
	OpJumpLT:      {"JUMP_LT", 2, -1},
	OpJumpGE:      {"JUMP_GE", 2, -1},
	OpJumpGT:      {"JUMP_GT", 2, -1},
	OpJumpLE:      {"JUMP_LE", 2, -1},
	OpJumpNull:    {"JUMP_NULL", 2, -1},
	OpJumpNonNull: {"JUMP_NONNULL", 2, -1},

	// Calls and returns
	OpInvoke:      {"INVOKE", 4, -1}, // variable: pops arity, pushes 0 or 1
	OpReturn:      {"RETURN", 0, 0},
	OpReturnValue: {"RETURN_VALUE", 0, -1},

	// Exceptions
	OpThrow: {"THROW", 0, -1},
}

// opcodeByName is the reverse of opcodeTable, keyed by lower-case name.
var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[strings.ToLower(info.Name)] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), OperandBytes: 0, StackEffect: 0}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// IsBranch reports whether op carries a jump offset.
func (op Opcode) IsBranch() bool {
	return op >= OpJump && op <= OpJumpNonNull
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// LookupOpcode finds an opcode by name, case-insensitively.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[strings.ToLower(name)]
	return op, ok
}

// ---------------------------------------------------------------------------
// Decoded instructions
// ---------------------------------------------------------------------------

// Instruction is one decoded bytecode instruction. Operands other than the
// top of stack come from at most one immediate.
type Instruction struct {
	Op    Opcode
	PC    int   // offset of the opcode byte
	Size  int   // opcode plus operand bytes
	Local int   // local slot for LOAD, STORE and INC
	Imm   int64 // integer immediate, jump offset, method index or float bits
}

// Next returns the offset of the following instruction.
func (in Instruction) Next() int {
	return in.PC + in.Size
}

// Target returns the absolute destination of a branch.
func (in Instruction) Target() int {
	return in.Next() + int(in.Imm)
}

// Float returns the immediate of PUSH_FLOAT.
func (in Instruction) Float() float64 {
	return math.Float64frombits(uint64(in.Imm))
}

// Method returns the callee index of INVOKE.
func (in Instruction) Method() MethodIndex {
	return MethodIndex(uint32(in.Imm))
}

// Decode reads the instruction at pc. It fails with ErrMalformedBytecode on
// an unknown opcode or a truncated operand.
func Decode(code []byte, pc int) (Instruction, error) {
	if pc < 0 || pc >= len(code) {
		return Instruction{}, fmt.Errorf("%w: pc %d outside code of length %d", ErrMalformedBytecode, pc, len(code))
	}
	op := Opcode(code[pc])
	info, ok := opcodeTable[op]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: unknown opcode 0x%02X at %d", ErrMalformedBytecode, byte(op), pc)
	}
	in := Instruction{Op: op, PC: pc, Size: 1 + info.OperandBytes}
	if pc+in.Size > len(code) {
		return Instruction{}, fmt.Errorf("%w: truncated %s at %d", ErrMalformedBytecode, info.Name, pc)
	}
	operands := code[pc+1 : pc+in.Size]

	switch op {
	case OpPushInt8, OpAddImm:
		in.Imm = int64(int8(operands[0]))
	case OpPushInt32:
		in.Imm = int64(int32(binary.LittleEndian.Uint32(operands)))
	case OpPushInt64, OpPushFloat:
		in.Imm = int64(binary.LittleEndian.Uint64(operands))
	case OpLoad, OpStore:
		in.Local = int(operands[0])
	case OpInc:
		in.Local = int(operands[0])
		in.Imm = int64(int8(operands[1]))
	case OpInvoke:
		in.Imm = int64(binary.LittleEndian.Uint32(operands))
	default:
		if op.IsBranch() {
			in.Imm = int64(int16(binary.LittleEndian.Uint16(operands)))
		}
	}
	return in, nil
}

// DecodeAll decodes a whole method body in order.
func DecodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pc := 0; pc < len(code); {
		in, err := Decode(code, pc)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
		pc = in.Next()
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitInt64 appends an opcode with a 64-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt64(op Opcode, operand int64) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, uint64(operand))
}

// EmitFloat64 appends an opcode with a 64-bit float operand.
func (b *BytecodeBuilder) EmitFloat64(op Opcode, operand float64) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, math.Float64bits(operand))
}

// EmitPushInt appends the shortest push for v.
func (b *BytecodeBuilder) EmitPushInt(v int64) {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		b.EmitInt8(OpPushInt8, int8(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		b.EmitInt32(OpPushInt32, int32(v))
	default:
		b.EmitInt64(OpPushInt64, v)
	}
}

// EmitInc appends an INC instruction.
func (b *BytecodeBuilder) EmitInc(local uint8, delta int8) {
	b.bytes = append(b.bytes, byte(OpInc), local, byte(delta))
}

// EmitInvoke appends an INVOKE instruction.
func (b *BytecodeBuilder) EmitInvoke(method MethodIndex) {
	b.bytes = append(b.bytes, byte(OpInvoke))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(method))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // target, once resolved
	refs     []int // operand positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{resolved: false, refs: make([]int, 0, 2)}
}

// Resolved reports whether the label has been marked.
func (l *Label) Resolved() bool {
	return l.resolved
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(int16(offset)))
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		// Backward jump: calculate offset
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(int16(offset)))
	} else {
		// Forward jump: record position for later patching
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

// BytecodeReader walks a method body instruction by instruction.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc, pos: 0}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// Next decodes the instruction at the current position and advances past it.
func (r *BytecodeReader) Next() (Instruction, error) {
	in, err := Decode(r.bytes, r.pos)
	if err != nil {
		return in, err
	}
	r.pos = in.Next()
	return in, nil
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// FormatInstruction renders a decoded instruction in listing form.
func FormatInstruction(in Instruction) string {
	name := in.Op.Name()
	switch {
	case in.Op == OpPushFloat:
		return fmt.Sprintf("%04d  %s %g", in.PC, name, in.Float())
	case in.Op == OpLoad || in.Op == OpStore:
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.Local)
	case in.Op == OpInc:
		return fmt.Sprintf("%04d  %s %d %d", in.PC, name, in.Local, in.Imm)
	case in.Op == OpInvoke:
		return fmt.Sprintf("%04d  %s #%d", in.PC, name, in.Method())
	case in.Op.IsBranch():
		return fmt.Sprintf("%04d  %s %d (-> %04d)", in.PC, name, in.Imm, in.Target())
	case in.Op.OperandBytes() > 0:
		return fmt.Sprintf("%04d  %s %d", in.PC, name, in.Imm)
	}
	return fmt.Sprintf("%04d  %s", in.PC, name)
}

// Disassemble returns a human-readable listing of bytecode. Undecodable
// bytes end the listing with a marker line.
func Disassemble(bc []byte) string {
	var sb strings.Builder
	r := NewBytecodeReader(bc)
	for r.HasMore() {
		pos := r.Position()
		in, err := r.Next()
		if err != nil {
			fmt.Fprintf(&sb, "%04d  <%v>\n", pos, err)
			break
		}
		sb.WriteString(FormatInstruction(in))
		sb.WriteByte('\n')
	}
	return sb.String()
}
