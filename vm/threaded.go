package vm

import "fmt"

// ---------------------------------------------------------------------------
// Threaded code: the reference compiled form
// ---------------------------------------------------------------------------

// ThreadedBackend compiles bytecode into threaded code: the method is
// decoded once into a slice of closures, each of which executes one
// instruction and returns the index of the next. The result is a
// CompiledEntry like any other and is called without the interpreter.
type ThreadedBackend struct {
	calls *Dispatcher
}

// NewThreadedBackend creates a backend whose compiled code calls back into
// calls for callees that are not compiled yet.
func NewThreadedBackend(calls *Dispatcher) *ThreadedBackend {
	return &ThreadedBackend{calls: calls}
}

// Name implements Backend.
func (b *ThreadedBackend) Name() string { return "threaded" }

// threadExit is returned by an op that ends the method.
const threadExit = -1

type threadedFrame struct {
	activation
	result Slot
	err    error
}

type threadedOp func(f *threadedFrame) int

type threadedProgram struct {
	ops []threadedOp
	pcs []int // bytecode offset of each op, for diagnostics
}

// Compile implements Backend.
func (b *ThreadedBackend) Compile(desc *MethodDescriptor, methods *MethodTable) (CompiledEntry, error) {
	if desc.IsNative() {
		return nil, fmt.Errorf("%w: %s is native", ErrNotReady, desc)
	}
	instrs, err := DecodeAll(desc.Code())
	if err != nil {
		return nil, err
	}

	// Map bytecode offsets to op indices. len(instrs) is the fall-off sentinel.
	index := make(map[int]int, len(instrs)+1)
	for i, in := range instrs {
		index[in.PC] = i
	}
	index[len(desc.Code())] = len(instrs)

	prog := &threadedProgram{
		ops: make([]threadedOp, 0, len(instrs)+1),
		pcs: make([]int, 0, len(instrs)+1),
	}
	for i, in := range instrs {
		op, err := b.thread(desc, methods, in, i+1, index)
		if err != nil {
			return nil, err
		}
		prog.ops = append(prog.ops, op)
		prog.pcs = append(prog.pcs, in.PC)
	}
	prog.ops = append(prog.ops, func(f *threadedFrame) int {
		fatal(ErrMissingReturn, f.desc.index, f.pc, "%s", f.desc.name)
		return threadExit
	})
	prog.pcs = append(prog.pcs, len(desc.Code()))

	return func(ctx ExecutionContext, method MethodIndex) (Slot, error) {
		f := &threadedFrame{activation: activation{
			ctx:   ctx,
			desc:  desc,
			floor: ctx.Base + desc.maxLocals,
		}}
		if ctx.Stack.Top() != f.floor {
			fatal(ErrContractViolation, desc.index, -1, "entered with top %d, want %d", ctx.Stack.Top(), f.floor)
		}
		for i := 0; i != threadExit; {
			f.pc = prog.pcs[i]
			i = prog.ops[i](f)
		}
		return f.result, f.err
	}, nil
}

func (f *threadedFrame) fail(t *Thrown) int {
	f.leave()
	f.err = t
	return threadExit
}

// thread builds the closure for one instruction. next is the index of the
// following op.
func (b *ThreadedBackend) thread(desc *MethodDescriptor, methods *MethodTable, in Instruction, next int, index map[int]int) (threadedOp, error) {
	target := 0
	if in.Op.IsBranch() {
		t, ok := index[in.Target()]
		if !ok || in.Target() == len(desc.Code()) {
			return nil, fmt.Errorf("%w: %s branches to %d, not an instruction", ErrNotReady, desc, in.Target())
		}
		target = t
	}
	if (in.Op == OpLoad || in.Op == OpStore || in.Op == OpInc) && in.Local >= desc.maxLocals {
		return nil, fmt.Errorf("%w: %s uses local %d of %d", ErrMalformedBytecode, desc, in.Local, desc.maxLocals)
	}

	switch in.Op {
	case OpNOP:
		return func(f *threadedFrame) int { return next }, nil

	case OpPOP:
		return func(f *threadedFrame) int { f.pop(); return next }, nil

	case OpDUP:
		return func(f *threadedFrame) int {
			v := f.pop()
			f.push(v)
			f.push(v)
			return next
		}, nil

	case OpSWAP:
		return func(f *threadedFrame) int {
			x, y := f.pop2()
			f.push(y)
			f.push(x)
			return next
		}, nil

	case OpPushNull, OpPushInt8, OpPushInt32, OpPushInt64, OpPushFloat:
		v := Slot(uint64(in.Imm))
		return func(f *threadedFrame) int { f.push(v); return next }, nil

	case OpLoad:
		n := in.Local
		return func(f *threadedFrame) int {
			f.push(f.ctx.Stack.slots[f.ctx.Base+n])
			return next
		}, nil

	case OpStore:
		n := in.Local
		return func(f *threadedFrame) int {
			f.ctx.Stack.slots[f.ctx.Base+n] = f.pop()
			return next
		}, nil

	case OpInc:
		n, delta := in.Local, in.Imm
		return func(f *threadedFrame) int {
			s := &f.ctx.Stack.slots[f.ctx.Base+n]
			*s = FromInt(s.Int() + delta)
			return next
		}, nil

	case OpAddImm:
		imm := in.Imm
		return func(f *threadedFrame) int { f.push(FromInt(f.pop().Int() + imm)); return next }, nil

	case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor, OpShl, OpShr:
		op := in.Op
		return func(f *threadedFrame) int {
			x, y := f.pop2()
			f.push(FromInt(intBinary(op, x.Int(), y.Int())))
			return next
		}, nil

	case OpDiv:
		return func(f *threadedFrame) int {
			x, y := f.pop2()
			if y.Int() == 0 {
				return f.fail(&Thrown{Cause: ErrDivideByZero})
			}
			f.push(FromInt(x.Int() / y.Int()))
			return next
		}, nil

	case OpRem:
		return func(f *threadedFrame) int {
			x, y := f.pop2()
			if y.Int() == 0 {
				return f.fail(&Thrown{Cause: ErrDivideByZero})
			}
			f.push(FromInt(x.Int() % y.Int()))
			return next
		}, nil

	case OpNeg:
		return func(f *threadedFrame) int { f.push(FromInt(-f.pop().Int())); return next }, nil

	case OpFAdd, OpFSub, OpFMul, OpFDiv, OpFRem:
		op := in.Op
		return func(f *threadedFrame) int {
			x, y := f.pop2()
			f.push(FromFloat(floatBinary(op, x.Float(), y.Float())))
			return next
		}, nil

	case OpFNeg:
		return func(f *threadedFrame) int { f.push(FromFloat(-f.pop().Float())); return next }, nil

	case OpI2F:
		return func(f *threadedFrame) int { f.push(FromFloat(float64(f.pop().Int()))); return next }, nil

	case OpF2I:
		return func(f *threadedFrame) int { f.push(FromInt(floatToInt(f.pop().Float()))); return next }, nil

	case OpCmp:
		return func(f *threadedFrame) int {
			x, y := f.pop2()
			f.push(FromInt(compareInts(x.Int(), y.Int())))
			return next
		}, nil

	case OpFCmpL, OpFCmpG:
		nanGreater := in.Op == OpFCmpG
		return func(f *threadedFrame) int {
			x, y := f.pop2()
			f.push(FromInt(compareFloats(x.Float(), y.Float(), nanGreater)))
			return next
		}, nil

	case OpJump:
		return func(f *threadedFrame) int { return target }, nil

	case OpJumpEQ, OpJumpNE, OpJumpLT, OpJumpGE, OpJumpGT, OpJumpLE:
		op := in.Op
		return func(f *threadedFrame) int {
			if branchTaken(op, f.pop().Int()) {
				return target
			}
			return next
		}, nil

	case OpJumpNull, OpJumpNonNull:
		onNull := in.Op == OpJumpNull
		return func(f *threadedFrame) int {
			if (f.pop().Ref() == NullRef) == onNull {
				return target
			}
			return next
		}, nil

	case OpInvoke:
		callee, err := methods.Lookup(in.Method())
		if err != nil {
			return nil, fmt.Errorf("%w: %s calls %v", ErrNotReady, desc, err)
		}
		return b.threadInvoke(callee, next), nil

	case OpReturn:
		return func(f *threadedFrame) int {
			f.leave()
			return threadExit
		}, nil

	case OpReturnValue:
		return func(f *threadedFrame) int {
			f.result = f.pop()
			f.leave()
			return threadExit
		}, nil

	case OpThrow:
		return func(f *threadedFrame) int {
			ref := f.pop().Ref()
			if ref == NullRef {
				return f.fail(&Thrown{Cause: ErrNullThrow})
			}
			return f.fail(Throw(ref))
		}, nil
	}
	return nil, fmt.Errorf("%w: %s uses %s", ErrNotReady, desc, in.Op)
}

// threadInvoke calls a compiled callee's entry directly and falls back to
// the dispatch layer while the callee is still interpreted.
func (b *ThreadedBackend) threadInvoke(callee *MethodDescriptor, next int) threadedOp {
	returnsValue := callee.sig.ReturnsValue()
	return func(f *threadedFrame) int {
		if depth := f.ctx.Stack.top - f.floor; depth < callee.Arity() {
			fatal(ErrStackUnderflow, f.desc.index, f.pc, "%s needs %d arguments, operand depth is %d", callee, callee.Arity(), depth)
		}
		ctx, err := PrepareFrame(f.ctx, callee)
		if err != nil {
			fatal(err, f.desc.index, f.pc, "")
		}

		var v Slot
		if entry := callee.Entry(); entry != nil {
			if err := ctx.Stack.descend(); err != nil {
				fatal(err, callee.index, -1, "")
			}
			var fingerprint uint64
			if b.calls.verify {
				fingerprint = callerFingerprint(ctx)
			}
			v, err = entry(ctx, callee.index)
			ctx.Stack.ascend()
			checkReleased(ctx, callee.index)
			if b.calls.verify && callerFingerprint(ctx) != fingerprint {
				fatal(ErrContractViolation, callee.index, -1, "caller frames below base %d were modified", ctx.Base)
			}
			if err != nil {
				err = asThrown(err).unwound(callee.index, -1)
			}
		} else {
			v, err = b.calls.InvokeFromLanguage(ctx, callee.index)
		}
		if err != nil {
			return f.fail(asThrown(err))
		}
		if returnsValue {
			f.push(v)
		}
		return next
	}
}
