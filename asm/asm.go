// Package asm assembles the springboard text format into bundles.
//
// A source file is a sequence of method definitions:
//
//	.bundle demo                       ; optional, names the bundle
//	.native print (I)V                 ; bound to the host function "print"
//	.native out (I)V println           ; bound to "println"
//	.method sum (I)I locals=2 stack=2
//	    push 0
//	    store 1
//	loop:
//	    load 0
//	    jump_le done
//	    load 1
//	    load 0
//	    add
//	    store 1
//	    inc 0 -1
//	    jump loop
//	done:
//	    load 1
//	    return_value
//	.end
//
// Mnemonics are the opcode names in any case, plus the pseudo-instruction
// "push n", which picks the smallest integer push for n. Branch operands
// are labels local to the method; invoke takes a method name from the same
// bundle, which may be defined later in the file.
package asm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/springboard/bundle"
	"github.com/chazu/springboard/vm"
	"github.com/hashicorp/go-multierror"
)

// DefaultMaxStack is the operand stack depth recorded for a method that
// does not give stack=N.
const DefaultMaxStack = 8

// Error is an assembly error at a source line.
type Error struct {
	Line int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// invokeFixup is an invoke operand waiting for its callee's index.
type invokeFixup struct {
	method int // bundle index of the calling method
	offset int // operand offset in the caller's code
	callee string
	line   int
}

type labelRef struct {
	label *vm.Label
	line  int // first line that mentioned the label
}

// methodState is the method being assembled.
type methodState struct {
	index  int
	line   int
	b      *vm.BytecodeBuilder
	labels map[string]*labelRef
}

type assembler struct {
	out     *bundle.Bundle
	cur     *methodState
	fixups  []invokeFixup
	indices map[string]int
	errs    *multierror.Error
}

// Assemble reads source from r and returns the bundle it defines. name is
// used unless the source has a .bundle directive. All errors found are
// reported together, each as an *Error.
func Assemble(name string, r io.Reader) (*bundle.Bundle, error) {
	a := &assembler{
		out:     &bundle.Bundle{Name: name},
		indices: make(map[string]int),
	}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		a.line(line, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("asm: read source: %w", err)
	}
	if a.cur != nil {
		a.errorf(a.cur.line, "method %s has no .end", a.out.Methods[a.cur.index].Name)
		a.finish(line)
	}
	a.resolveInvokes()
	if err := a.errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return a.out, nil
}

// AssembleString is Assemble over a string.
func AssembleString(name, src string) (*bundle.Bundle, error) {
	return Assemble(name, strings.NewReader(src))
}

func (a *assembler) errorf(line int, format string, args ...interface{}) {
	a.errs = multierror.Append(a.errs, &Error{Line: line, Msg: fmt.Sprintf(format, args...)})
}

func (a *assembler) line(n int, text string) {
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	if strings.HasPrefix(fields[0], ".") {
		a.directive(n, fields)
		return
	}
	if a.cur == nil {
		a.errorf(n, "%q outside a method", fields[0])
		return
	}
	if label, ok := strings.CutSuffix(fields[0], ":"); ok {
		a.mark(n, label)
		fields = fields[1:]
		if len(fields) == 0 {
			return
		}
	}
	a.instruction(n, fields)
}

func (a *assembler) directive(n int, fields []string) {
	switch fields[0] {
	case ".bundle":
		if len(fields) != 2 {
			a.errorf(n, ".bundle takes one name")
			return
		}
		a.out.Name = fields[1]
	case ".method":
		a.method(n, fields, false)
	case ".native":
		a.method(n, fields, true)
	case ".end":
		if a.cur == nil {
			a.errorf(n, ".end outside a method")
			return
		}
		a.finish(n)
	default:
		a.errorf(n, "unknown directive %s", fields[0])
	}
}

func (a *assembler) method(n int, fields []string, native bool) {
	if a.cur != nil {
		a.errorf(n, "%s inside method %s", fields[0], a.out.Methods[a.cur.index].Name)
		a.finish(n)
	}
	if len(fields) < 3 {
		a.errorf(n, "%s wants a name and a signature", fields[0])
		return
	}
	name, desc := fields[1], fields[2]
	sig, err := vm.ParseSignature(desc)
	if err != nil {
		a.errorf(n, "%v", err)
		return
	}
	if _, dup := a.indices[name]; dup {
		a.errorf(n, "method %s defined twice", name)
		return
	}

	m := bundle.Method{Name: name, Signature: desc}
	if native {
		m.Native = name
		switch len(fields) {
		case 3:
		case 4:
			m.Native = fields[3]
		default:
			a.errorf(n, ".native takes at most a host name after the signature")
			return
		}
	} else {
		m.MaxLocals = sig.Arity()
		m.MaxStack = DefaultMaxStack
		for _, opt := range fields[3:] {
			key, val, ok := strings.Cut(opt, "=")
			v, err := strconv.Atoi(val)
			if !ok || err != nil || v < 0 {
				a.errorf(n, "bad method option %q", opt)
				continue
			}
			switch key {
			case "locals":
				m.MaxLocals = v
			case "stack":
				m.MaxStack = v
			default:
				a.errorf(n, "unknown method option %q", key)
			}
		}
		if m.MaxLocals < sig.Arity() {
			a.errorf(n, "method %s has %d locals for %d arguments", name, m.MaxLocals, sig.Arity())
		}
		if m.MaxLocals > math.MaxUint8+1 {
			a.errorf(n, "method %s has more than %d locals", name, math.MaxUint8+1)
		}
	}

	a.indices[name] = len(a.out.Methods)
	a.out.Methods = append(a.out.Methods, m)
	if !native {
		a.cur = &methodState{
			index:  len(a.out.Methods) - 1,
			line:   n,
			b:      vm.NewBytecodeBuilder(),
			labels: make(map[string]*labelRef),
		}
	}
}

// finish closes the current method.
func (a *assembler) finish(n int) {
	m := a.cur
	a.cur = nil
	for name, ref := range m.labels {
		if !ref.label.Resolved() {
			a.errorf(ref.line, "undefined label %s", name)
		}
	}
	code := m.b.Bytes()
	if len(code) == 0 {
		a.errorf(n, "method %s is empty", a.out.Methods[m.index].Name)
	}
	if len(code) > math.MaxInt16 {
		a.errorf(n, "method %s is too long for 16-bit branches", a.out.Methods[m.index].Name)
	}
	a.out.Methods[m.index].Code = code
}

func (a *assembler) label(n int, name string) *vm.Label {
	ref, ok := a.cur.labels[name]
	if !ok {
		ref = &labelRef{label: a.cur.b.NewLabel(), line: n}
		a.cur.labels[name] = ref
	}
	return ref.label
}

func (a *assembler) mark(n int, name string) {
	if name == "" {
		a.errorf(n, "empty label")
		return
	}
	l := a.label(n, name)
	if l.Resolved() {
		a.errorf(n, "label %s defined twice", name)
		return
	}
	a.cur.b.Mark(l)
}

func (a *assembler) instruction(n int, fields []string) {
	mnemonic, args := strings.ToLower(fields[0]), fields[1:]
	b := a.cur.b

	if mnemonic == "push" {
		if v, ok := a.intArgs(n, mnemonic, args, 1, math.MinInt64, math.MaxInt64); ok {
			b.EmitPushInt(v[0])
		}
		return
	}
	op, ok := vm.LookupOpcode(mnemonic)
	if !ok {
		a.errorf(n, "unknown instruction %s", fields[0])
		return
	}

	switch {
	case op.IsBranch():
		if len(args) != 1 {
			a.errorf(n, "%s takes a label", mnemonic)
			return
		}
		b.EmitJump(op, a.label(n, args[0]))
	case op == vm.OpInvoke:
		if len(args) != 1 {
			a.errorf(n, "invoke takes a method name")
			return
		}
		a.fixups = append(a.fixups, invokeFixup{method: a.cur.index, offset: b.Len() + 1, callee: args[0], line: n})
		b.EmitInvoke(0)
	case op == vm.OpLoad || op == vm.OpStore:
		if v, ok := a.intArgs(n, mnemonic, args, 1, 0, math.MaxUint8); ok {
			b.EmitByte(op, byte(v[0]))
		}
	case op == vm.OpInc:
		if len(args) != 2 {
			a.errorf(n, "inc takes a local and a delta")
			return
		}
		local, ok1 := a.intArgs(n, mnemonic, args[:1], 1, 0, math.MaxUint8)
		delta, ok2 := a.intArgs(n, mnemonic, args[1:], 1, math.MinInt8, math.MaxInt8)
		if ok1 && ok2 {
			b.EmitInc(uint8(local[0]), int8(delta[0]))
		}
	case op == vm.OpPushInt8 || op == vm.OpAddImm:
		if v, ok := a.intArgs(n, mnemonic, args, 1, math.MinInt8, math.MaxInt8); ok {
			b.EmitInt8(op, int8(v[0]))
		}
	case op == vm.OpPushInt32:
		if v, ok := a.intArgs(n, mnemonic, args, 1, math.MinInt32, math.MaxInt32); ok {
			b.EmitInt32(op, int32(v[0]))
		}
	case op == vm.OpPushInt64:
		if v, ok := a.intArgs(n, mnemonic, args, 1, math.MinInt64, math.MaxInt64); ok {
			b.EmitInt64(op, v[0])
		}
	case op == vm.OpPushFloat:
		if len(args) != 1 {
			a.errorf(n, "push_float takes one operand")
			return
		}
		f, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			a.errorf(n, "bad float %q", args[0])
			return
		}
		b.EmitFloat64(op, f)
	default:
		if len(args) != 0 {
			a.errorf(n, "%s takes no operands", mnemonic)
			return
		}
		b.Emit(op)
	}
}

// intArgs parses exactly count integer operands within [lo, hi].
func (a *assembler) intArgs(n int, mnemonic string, args []string, count int, lo, hi int64) ([]int64, bool) {
	if len(args) != count {
		a.errorf(n, "%s takes %d operand(s), got %d", mnemonic, count, len(args))
		return nil, false
	}
	out := make([]int64, count)
	for i, s := range args {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil || v < lo || v > hi {
			a.errorf(n, "%s: operand %q out of range [%d, %d]", mnemonic, s, lo, hi)
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (a *assembler) resolveInvokes() {
	for _, f := range a.fixups {
		idx, ok := a.indices[f.callee]
		if !ok {
			a.errorf(f.line, "invoke of undefined method %s", f.callee)
			continue
		}
		code := a.out.Methods[f.method].Code
		if f.offset+4 > len(code) {
			continue // method was cut short by an earlier error
		}
		binary.LittleEndian.PutUint32(code[f.offset:], uint32(idx))
	}
}
