package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes bytecode for methods that have no compiled entry.
// It holds no per-call state; every invocation runs against the managed
// stack it is handed, so one Interpreter serves any number of stacks.
type Interpreter struct {
	calls *Dispatcher
}

// activation is the interpreter's view of one running frame.
type activation struct {
	ctx   ExecutionContext
	desc  *MethodDescriptor
	floor int // base + MaxLocals: bottom of the operand region
	pc    int // offset of the instruction being executed
}

// Enter runs a method under the host-call convention. The callee frame must
// already be prepared at the top of stack; its base is top - MaxLocals.
func (i *Interpreter) Enter(method MethodIndex, stack *ManagedStack, heap Heap, classes ClassLibrary, methods *MethodTable) (Slot, error) {
	desc, err := methods.Lookup(method)
	if err != nil {
		fatal(err, method, -1, "")
	}
	base := stack.Top() - desc.MaxLocals()
	if base < 0 {
		fatal(ErrFrameCorruption, method, -1, "top %d below a frame of %d locals", stack.Top(), desc.MaxLocals())
	}
	a := &activation{
		ctx: ExecutionContext{
			Stack:   stack,
			Base:    base,
			Heap:    heap,
			Classes: classes,
			Methods: methods,
		},
		desc:  desc,
		floor: base + desc.MaxLocals(),
	}
	return i.run(a)
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

func (a *activation) push(v Slot) {
	if a.ctx.Stack.top-a.floor >= a.desc.maxStack {
		fatal(ErrFrameCorruption, a.desc.index, a.pc, "operand depth of %s exceeds max stack %d", a.desc.name, a.desc.maxStack)
	}
	if err := a.ctx.Stack.Push(v); err != nil {
		fatal(err, a.desc.index, a.pc, "")
	}
}

func (a *activation) pop() Slot {
	if a.ctx.Stack.top <= a.floor {
		fatal(ErrStackUnderflow, a.desc.index, a.pc, "operand region of %s is empty", a.desc.name)
	}
	a.ctx.Stack.top--
	return a.ctx.Stack.slots[a.ctx.Stack.top]
}

func (a *activation) pop2() (Slot, Slot) {
	b := a.pop()
	return a.pop(), b
}

func (a *activation) local(n int) int {
	if n >= a.desc.maxLocals {
		fatal(ErrMalformedBytecode, a.desc.index, a.pc, "local %d outside %d locals", n, a.desc.maxLocals)
	}
	return a.ctx.Base + n
}

// leave releases the frame. Used by both return and throw.
func (a *activation) leave() {
	if err := a.ctx.Stack.ReleaseFrame(a.ctx.Base); err != nil {
		fatal(err, a.desc.index, a.pc, "")
	}
}

func (a *activation) throw(t *Thrown) (Slot, error) {
	a.leave()
	return Zero, t.unwound(a.desc.index, a.pc)
}

// ---------------------------------------------------------------------------
// Main execution loop
// ---------------------------------------------------------------------------

func (i *Interpreter) run(a *activation) (Slot, error) {
	code := a.desc.code
	st := a.ctx.Stack
	pc := 0

	for {
		// Frame invariant: top == base + MaxLocals + operand depth, depth >= 0.
		if st.top < a.floor {
			fatal(ErrFrameCorruption, a.desc.index, pc, "top %d below operand floor %d", st.top, a.floor)
		}

		// Fetch
		if pc == len(code) {
			fatal(ErrMissingReturn, a.desc.index, pc, "%s", a.desc.name)
		}

		// Decode
		in, err := Decode(code, pc)
		if err != nil {
			fatal(err, a.desc.index, pc, "")
		}
		a.pc = pc
		pc = in.Next()

		// Execute
		switch in.Op {
		case OpNOP:

		case OpPOP:
			a.pop()

		case OpDUP:
			v := a.pop()
			a.push(v)
			a.push(v)

		case OpSWAP:
			x, y := a.pop2()
			a.push(y)
			a.push(x)

		case OpPushNull:
			a.push(FromRef(NullRef))

		case OpPushInt8, OpPushInt32, OpPushInt64, OpPushFloat:
			a.push(Slot(uint64(in.Imm)))

		case OpLoad:
			a.push(st.slots[a.local(in.Local)])

		case OpStore:
			slot := a.local(in.Local)
			st.slots[slot] = a.pop()

		case OpInc:
			slot := a.local(in.Local)
			st.slots[slot] = FromInt(st.slots[slot].Int() + in.Imm)

		case OpAddImm:
			a.push(FromInt(a.pop().Int() + in.Imm))

		case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor, OpShl, OpShr:
			x, y := a.pop2()
			a.push(FromInt(intBinary(in.Op, x.Int(), y.Int())))

		case OpDiv, OpRem:
			x, y := a.pop2()
			if y.Int() == 0 {
				return a.throw(&Thrown{Cause: ErrDivideByZero})
			}
			if in.Op == OpDiv {
				a.push(FromInt(x.Int() / y.Int()))
			} else {
				a.push(FromInt(x.Int() % y.Int()))
			}

		case OpNeg:
			a.push(FromInt(-a.pop().Int()))

		case OpFAdd, OpFSub, OpFMul, OpFDiv, OpFRem:
			x, y := a.pop2()
			a.push(FromFloat(floatBinary(in.Op, x.Float(), y.Float())))

		case OpFNeg:
			a.push(FromFloat(-a.pop().Float()))

		case OpI2F:
			a.push(FromFloat(float64(a.pop().Int())))

		case OpF2I:
			a.push(FromInt(floatToInt(a.pop().Float())))

		case OpCmp:
			x, y := a.pop2()
			a.push(FromInt(compareInts(x.Int(), y.Int())))

		case OpFCmpL, OpFCmpG:
			x, y := a.pop2()
			a.push(FromInt(compareFloats(x.Float(), y.Float(), in.Op == OpFCmpG)))

		case OpJump:
			pc = in.Target()

		case OpJumpEQ, OpJumpNE, OpJumpLT, OpJumpGE, OpJumpGT, OpJumpLE:
			if branchTaken(in.Op, a.pop().Int()) {
				pc = in.Target()
			}

		case OpJumpNull:
			if a.pop().Ref() == NullRef {
				pc = in.Target()
			}

		case OpJumpNonNull:
			if a.pop().Ref() != NullRef {
				pc = in.Target()
			}

		case OpInvoke:
			result, err := i.invoke(a, in.Method())
			if err != nil {
				return a.throw(asThrown(err))
			}
			if result != nil {
				a.push(*result)
			}

		case OpReturn:
			a.leave()
			return Zero, nil

		case OpReturnValue:
			v := a.pop()
			a.leave()
			return v, nil

		case OpThrow:
			ref := a.pop().Ref()
			if ref == NullRef {
				return a.throw(&Thrown{Cause: ErrNullThrow})
			}
			return a.throw(Throw(ref))

		default:
			fatal(ErrMalformedBytecode, a.desc.index, a.pc, "unhandled opcode %s", in.Op)
		}
	}
}

// invoke prepares the callee frame from the caller's operand region and
// calls through the dispatch layer. The caller's frame is left untouched
// until the callee returns. result is nil for void callees.
func (i *Interpreter) invoke(a *activation, method MethodIndex) (*Slot, error) {
	callee, err := a.ctx.Methods.Lookup(method)
	if err != nil {
		fatal(err, a.desc.index, a.pc, "")
	}
	if depth := a.ctx.Stack.top - a.floor; depth < callee.Arity() {
		fatal(ErrStackUnderflow, a.desc.index, a.pc, "%s needs %d arguments, operand depth is %d", callee, callee.Arity(), depth)
	}
	ctx, err := PrepareFrame(a.ctx, callee)
	if err != nil {
		fatal(err, a.desc.index, a.pc, "")
	}
	v, err := i.calls.InvokeFromLanguage(ctx, method)
	if err != nil {
		return nil, err
	}
	if !callee.sig.ReturnsValue() {
		return nil, nil
	}
	return &v, nil
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

// intBinary applies a wrapping two's complement operator.
func intBinary(op Opcode, x, y int64) int64 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpAnd:
		return x & y
	case OpOr:
		return x | y
	case OpXor:
		return x ^ y
	case OpShl:
		return x << (uint64(y) & 63)
	case OpShr:
		return x >> (uint64(y) & 63)
	}
	panic("intBinary: " + op.Name())
}

func floatBinary(op Opcode, x, y float64) float64 {
	switch op {
	case OpFAdd:
		return x + y
	case OpFSub:
		return x - y
	case OpFMul:
		return x * y
	case OpFDiv:
		return x / y
	case OpFRem:
		return math.Mod(x, y)
	}
	panic("floatBinary: " + op.Name())
}

// floatToInt truncates toward zero, mapping NaN to 0 and saturating at the
// int64 range.
func floatToInt(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func compareInts(x, y int64) int64 {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// compareFloats orders x and y. An unordered pair yields 1 when nanGreater
// is set, -1 otherwise.
func compareFloats(x, y float64, nanGreater bool) int64 {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	case x == y:
		return 0
	}
	if nanGreater {
		return 1
	}
	return -1
}

func branchTaken(op Opcode, v int64) bool {
	switch op {
	case OpJumpEQ:
		return v == 0
	case OpJumpNE:
		return v != 0
	case OpJumpLT:
		return v < 0
	case OpJumpGE:
		return v >= 0
	case OpJumpGT:
		return v > 0
	case OpJumpLE:
		return v <= 0
	}
	return false
}
