package vm

import (
	"errors"
	"math"
	"testing"
)

func TestAddReturnsSevenAndConsumesArguments(t *testing.T) {
	table := NewMethodTable(0)
	defineMethod(t, table, "nop", "()V", 0, 0, func(b *BytecodeBuilder, _ MethodIndex) {
		b.Emit(OpReturn)
	})
	add := defineAdd(t, table)
	if add != 1 {
		t.Fatalf("add registered at %d, want 1", add)
	}

	d := NewDispatcher(nil, false)
	v, stack, err := invoke(d, table, add, FromInt(3), FromInt(4))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if v.Int() != 7 {
		t.Errorf("add(3, 4) = %d, want 7", v.Int())
	}
	if stack.Top() != 0 {
		t.Errorf("Top() = %d after call, want 0 (arguments consumed)", stack.Top())
	}
}

func TestInterpreterArithmetic(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *BytecodeBuilder)
		want  int64
	}{
		{"sub", func(b *BytecodeBuilder) { b.EmitPushInt(10); b.EmitPushInt(3); b.Emit(OpSub) }, 7},
		{"mul", func(b *BytecodeBuilder) { b.EmitPushInt(-6); b.EmitPushInt(7); b.Emit(OpMul) }, -42},
		{"div truncates", func(b *BytecodeBuilder) { b.EmitPushInt(-7); b.EmitPushInt(2); b.Emit(OpDiv) }, -3},
		{"rem sign of dividend", func(b *BytecodeBuilder) { b.EmitPushInt(-7); b.EmitPushInt(2); b.Emit(OpRem) }, -1},
		{"neg", func(b *BytecodeBuilder) { b.EmitPushInt(5); b.Emit(OpNeg) }, -5},
		{"and", func(b *BytecodeBuilder) { b.EmitPushInt(12); b.EmitPushInt(10); b.Emit(OpAnd) }, 8},
		{"or", func(b *BytecodeBuilder) { b.EmitPushInt(12); b.EmitPushInt(10); b.Emit(OpOr) }, 14},
		{"xor", func(b *BytecodeBuilder) { b.EmitPushInt(12); b.EmitPushInt(10); b.Emit(OpXor) }, 6},
		{"shl masks count", func(b *BytecodeBuilder) { b.EmitPushInt(1); b.EmitPushInt(65); b.Emit(OpShl) }, 2},
		{"shr is arithmetic", func(b *BytecodeBuilder) { b.EmitPushInt(-16); b.EmitPushInt(2); b.Emit(OpShr) }, -4},
		{"add wraps", func(b *BytecodeBuilder) { b.EmitPushInt(math.MaxInt64); b.EmitPushInt(1); b.Emit(OpAdd) }, math.MinInt64},
		{"add imm", func(b *BytecodeBuilder) { b.EmitPushInt(40); b.EmitInt8(OpAddImm, 2) }, 42},
		{"swap", func(b *BytecodeBuilder) { b.EmitPushInt(1); b.EmitPushInt(9); b.Emit(OpSWAP); b.Emit(OpSub) }, 8},
		{"dup", func(b *BytecodeBuilder) { b.EmitPushInt(6); b.Emit(OpDUP); b.Emit(OpMul) }, 36},
		{"pop", func(b *BytecodeBuilder) { b.EmitPushInt(1); b.EmitPushInt(2); b.Emit(OpPOP) }, 1},
		{"cmp less", func(b *BytecodeBuilder) { b.EmitPushInt(1); b.EmitPushInt(2); b.Emit(OpCmp) }, -1},
		{"cmp equal", func(b *BytecodeBuilder) { b.EmitPushInt(2); b.EmitPushInt(2); b.Emit(OpCmp) }, 0},
		{"f2i truncates", func(b *BytecodeBuilder) { b.EmitFloat64(OpPushFloat, -2.9); b.Emit(OpF2I) }, -2},
		{"f2i nan", func(b *BytecodeBuilder) { b.EmitFloat64(OpPushFloat, math.NaN()); b.Emit(OpF2I) }, 0},
		{"f2i saturates", func(b *BytecodeBuilder) { b.EmitFloat64(OpPushFloat, 1e300); b.Emit(OpF2I) }, math.MaxInt64},
		{"fcmpl nan", func(b *BytecodeBuilder) {
			b.EmitFloat64(OpPushFloat, math.NaN())
			b.EmitFloat64(OpPushFloat, 1)
			b.Emit(OpFCmpL)
		}, -1},
		{"fcmpg nan", func(b *BytecodeBuilder) {
			b.EmitFloat64(OpPushFloat, math.NaN())
			b.EmitFloat64(OpPushFloat, 1)
			b.Emit(OpFCmpG)
		}, 1},
		{"fcmpg ordered", func(b *BytecodeBuilder) {
			b.EmitFloat64(OpPushFloat, 3)
			b.EmitFloat64(OpPushFloat, 1)
			b.Emit(OpFCmpG)
		}, 1},
		{"null branch", func(b *BytecodeBuilder) {
			isNull := b.NewLabel()
			b.Emit(OpPushNull)
			b.EmitJump(OpJumpNull, isNull)
			b.EmitPushInt(0)
			b.Emit(OpReturnValue)
			b.Mark(isNull)
			b.EmitPushInt(1)
		}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewMethodTable(0)
			m := defineMethod(t, table, "expr", "()I", 0, 4, func(b *BytecodeBuilder, _ MethodIndex) {
				tt.build(b)
				b.Emit(OpReturnValue)
			})
			v, stack, err := invoke(NewDispatcher(nil, false), table, m)
			if err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if v.Int() != tt.want {
				t.Errorf("result = %d, want %d", v.Int(), tt.want)
			}
			if stack.Top() != 0 {
				t.Errorf("Top() = %d, want 0", stack.Top())
			}
		})
	}
}

func TestInterpreterFloatArithmetic(t *testing.T) {
	table := NewMethodTable(0)
	m := defineMethod(t, table, "hyp", "(FF)F", 2, 3, func(b *BytecodeBuilder, _ MethodIndex) {
		b.EmitByte(OpLoad, 0)
		b.Emit(OpDUP)
		b.Emit(OpFMul)
		b.EmitByte(OpLoad, 1)
		b.Emit(OpDUP)
		b.Emit(OpFMul)
		b.Emit(OpFAdd)
		b.EmitPushInt(2)
		b.Emit(OpI2F)
		b.Emit(OpFDiv)
		b.Emit(OpReturnValue)
	})
	v, _, err := invoke(NewDispatcher(nil, false), table, m, FromFloat(3), FromFloat(4))
	if err != nil {
		t.Fatal(err)
	}
	if v.Float() != 12.5 {
		t.Errorf("(3*3 + 4*4) / 2 = %g, want 12.5", v.Float())
	}
}

func TestInterpreterLoopAndLocals(t *testing.T) {
	table := NewMethodTable(0)
	sum := defineSumTo(t, table)
	d := NewDispatcher(nil, false)
	for n, want := range map[int64]int64{0: 0, 1: 1, 10: 55, 100: 5050} {
		v, _, err := invoke(d, table, sum, FromInt(n))
		if err != nil {
			t.Fatalf("sumTo(%d): %v", n, err)
		}
		if v.Int() != want {
			t.Errorf("sumTo(%d) = %d, want %d", n, v.Int(), want)
		}
	}
}

func TestRecursionKeepsStackBalanced(t *testing.T) {
	table := NewMethodTable(0)
	fact := defineFactorial(t, table)
	d := NewDispatcher(nil, false)

	stack := NewManagedStack(4096)
	// Unrelated slots below the call must survive it.
	for i := 0; i < 3; i++ {
		_ = stack.Push(FromInt(int64(100 + i)))
	}
	for depth := int64(0); depth <= 20; depth++ {
		_ = stack.Push(FromInt(depth))
		v, err := d.InvokeFromHost(fact, stack, nil, nil, table)
		if err != nil {
			t.Fatalf("fact(%d): %v", depth, err)
		}
		want := int64(1)
		for k := int64(2); k <= depth; k++ {
			want *= k
		}
		if v.Int() != want {
			t.Errorf("fact(%d) = %d, want %d", depth, v.Int(), want)
		}
		if stack.Top() != 3 {
			t.Fatalf("Top() = %d after fact(%d), want 3", stack.Top(), depth)
		}
	}
	for i := 0; i < 3; i++ {
		if got := stack.Get(i).Int(); got != int64(100+i) {
			t.Errorf("slot %d = %d, want %d", i, got, 100+i)
		}
	}
}

func TestDivideByZeroThrows(t *testing.T) {
	table := NewMethodTable(0)
	div := defineDiv(t, table)
	outer := defineCaller(t, table, "outer", div)

	v, stack, err := invoke(NewDispatcher(nil, false), table, outer, FromInt(1), FromInt(0))
	if v != Zero {
		t.Errorf("value = %d on throw, want zero", v)
	}
	thrown, ok := AsThrown(err)
	if !ok {
		t.Fatalf("error = %v, want *Thrown", err)
	}
	if !errors.Is(err, ErrDivideByZero) {
		t.Errorf("cause = %v, want ErrDivideByZero", thrown.Cause)
	}
	want := []TraceEntry{{Method: div, PC: 4}, {Method: outer, PC: 4}}
	if len(thrown.Trace) != len(want) {
		t.Fatalf("trace = %v, want %v", thrown.Trace, want)
	}
	for i := range want {
		if thrown.Trace[i] != want[i] {
			t.Errorf("trace[%d] = %v, want %v", i, thrown.Trace[i], want[i])
		}
	}
	if stack.Top() != 0 {
		t.Errorf("Top() = %d after throw, want 0", stack.Top())
	}
}

func TestThrowReference(t *testing.T) {
	table := NewMethodTable(0)
	thrower := defineMethod(t, table, "thrower", "(L)V", 1, 1, func(b *BytecodeBuilder, _ MethodIndex) {
		b.EmitByte(OpLoad, 0)
		b.Emit(OpThrow)
	})
	d := NewDispatcher(nil, false)

	_, _, err := invoke(d, table, thrower, FromRef(77))
	thrown, ok := AsThrown(err)
	if !ok || thrown.Ref != 77 || thrown.Cause != nil {
		t.Fatalf("err = %v, want throw of ref#77", err)
	}

	_, _, err = invoke(d, table, thrower, FromRef(NullRef))
	if !errors.Is(err, ErrNullThrow) {
		t.Errorf("throwing null = %v, want ErrNullThrow", err)
	}
}

func TestMissingReturnIsFatal(t *testing.T) {
	table := NewMethodTable(0)
	m := defineMethod(t, table, "fall", "()V", 0, 1, func(b *BytecodeBuilder, _ MethodIndex) {
		b.EmitPushInt(1)
		b.Emit(OpPOP)
	})
	expectFatal(t, ErrMissingReturn, func() {
		_, _, _ = invoke(NewDispatcher(nil, false), table, m)
	})
}

func TestOperandUnderflowIsFatal(t *testing.T) {
	table := NewMethodTable(0)
	// Locals must not be popped as operands.
	m := defineMethod(t, table, "under", "(I)I", 1, 1, func(b *BytecodeBuilder, _ MethodIndex) {
		b.Emit(OpPOP)
		b.EmitPushInt(0)
		b.Emit(OpReturnValue)
	})
	expectFatal(t, ErrStackUnderflow, func() {
		_, _, _ = invoke(NewDispatcher(nil, false), table, m, FromInt(1))
	})
}

func TestMalformedBytecodeIsFatal(t *testing.T) {
	table := NewMethodTable(0)
	idx, err := table.Register("bad", []byte{byte(OpNOP), 0xFE}, mustSig(t, "()V"), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	expectFatal(t, ErrMalformedBytecode, func() {
		_, _, _ = invoke(NewDispatcher(nil, false), table, idx)
	})

	local, err := table.Register("local", []byte{byte(OpLoad), 5, byte(OpReturnValue)}, mustSig(t, "()I"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	expectFatal(t, ErrMalformedBytecode, func() {
		_, _, _ = invoke(NewDispatcher(nil, false), table, local)
	})
}

func TestDeepRecursionOverflowIsFatal(t *testing.T) {
	table := NewMethodTable(0)
	fact := defineFactorial(t, table)
	stack := NewManagedStack(32)
	_ = stack.Push(FromInt(1000))
	expectFatal(t, ErrStackOverflow, func() {
		_, _ = NewDispatcher(nil, false).InvokeFromHost(fact, stack, nil, nil, table)
	})
}

// defineLoop registers a method that calls itself forever without using a
// single stack slot.
func defineLoop(t *testing.T, table *MethodTable) MethodIndex {
	return defineMethod(t, table, "loop", "()V", 0, 0, func(b *BytecodeBuilder, self MethodIndex) {
		b.EmitInvoke(self)
		b.Emit(OpReturn)
	})
}

func TestZeroSlotRecursionHitsDepthBound(t *testing.T) {
	table := NewMethodTable(0)
	loop := defineLoop(t, table)

	stack := NewManagedStack(16)
	expectFatal(t, ErrStackOverflow, func() {
		_, _ = NewDispatcher(nil, false).InvokeFromHost(loop, stack, nil, nil, table)
	})
	if stack.Depth() != 0 {
		t.Errorf("Depth() = %d after the host call unwound, want 0", stack.Depth())
	}
}

func TestMaxDepthCountsEveryCall(t *testing.T) {
	table := NewMethodTable(0)
	fact := defineFactorial(t, table)
	d := NewDispatcher(nil, false)

	stack := NewManagedStack(1024)
	stack.SetMaxDepth(11)
	// fact(10) is 11 nested calls.
	_ = stack.Push(FromInt(10))
	if _, err := d.InvokeFromHost(fact, stack, nil, nil, table); err != nil {
		t.Fatalf("fact(10) at depth 11: %v", err)
	}
	if stack.Depth() != 0 {
		t.Errorf("Depth() = %d after return, want 0", stack.Depth())
	}
	_ = stack.Push(FromInt(11))
	expectFatal(t, ErrStackOverflow, func() {
		_, _ = d.InvokeFromHost(fact, stack, nil, nil, table)
	})

	stack.Reset()
	if stack.Depth() != 0 || stack.MaxDepth() != 11 {
		t.Errorf("after Reset depth %d, max %d", stack.Depth(), stack.MaxDepth())
	}
	stack.SetMaxDepth(0)
	if stack.MaxDepth() != DefaultMaxDepth {
		t.Errorf("SetMaxDepth(0) left %d, want %d", stack.MaxDepth(), DefaultMaxDepth)
	}
}

func TestOperandsBeyondMaxStackAreFatal(t *testing.T) {
	table := NewMethodTable(0)
	m := defineMethod(t, table, "deep", "()I", 0, 1, func(b *BytecodeBuilder, _ MethodIndex) {
		b.EmitPushInt(1)
		b.EmitPushInt(2)
		b.Emit(OpAdd)
		b.Emit(OpReturnValue)
	})
	expectFatal(t, ErrFrameCorruption, func() {
		_, _, _ = invoke(NewDispatcher(nil, false), table, m)
	})
}

func TestEnterRecoversBaseFromTop(t *testing.T) {
	table := NewMethodTable(0)
	add := defineAdd(t, table)
	stack := NewManagedStack(16)
	_ = stack.Push(FromInt(9)) // caller slot
	_ = stack.Push(FromInt(20))
	_ = stack.Push(FromInt(22))

	d := NewDispatcher(nil, false)
	// The frame is already prepared: arguments are the two locals on top.
	v, err := d.Interpreter().Enter(add, stack, nil, nil, table)
	if err != nil {
		t.Fatal(err)
	}
	if v.Int() != 42 {
		t.Errorf("Enter = %d, want 42", v.Int())
	}
	if stack.Top() != 1 {
		t.Errorf("Top() = %d, want 1", stack.Top())
	}
}
