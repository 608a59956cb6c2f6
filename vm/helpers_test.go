package vm

import (
	"errors"
	"testing"
)

// mustSig parses a signature or fails the test.
func mustSig(t *testing.T, desc string) Signature {
	t.Helper()
	sig, err := ParseSignature(desc)
	if err != nil {
		t.Fatalf("ParseSignature(%q): %v", desc, err)
	}
	return sig
}

// defineMethod builds and registers a bytecode method. build receives the
// index the method will get, for self-recursive code.
func defineMethod(t *testing.T, table *MethodTable, name, sig string, locals, stack int, build func(b *BytecodeBuilder, self MethodIndex)) MethodIndex {
	t.Helper()
	b := NewBytecodeBuilder()
	self := MethodIndex(table.Len())
	build(b, self)
	idx, err := table.Register(name, b.Bytes(), mustSig(t, sig), locals, stack)
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	if idx != self {
		t.Fatalf("Register(%s) = %d, want %d", name, idx, self)
	}
	return idx
}

func defineAdd(t *testing.T, table *MethodTable) MethodIndex {
	return defineMethod(t, table, "add", "(II)I", 2, 2, func(b *BytecodeBuilder, _ MethodIndex) {
		b.EmitByte(OpLoad, 0)
		b.EmitByte(OpLoad, 1)
		b.Emit(OpAdd)
		b.Emit(OpReturnValue)
	})
}

// defineFactorial is the recursive n! for n >= 0.
func defineFactorial(t *testing.T, table *MethodTable) MethodIndex {
	return defineMethod(t, table, "fact", "(I)I", 1, 3, func(b *BytecodeBuilder, self MethodIndex) {
		recurse := b.NewLabel()
		b.EmitByte(OpLoad, 0)
		b.EmitJump(OpJumpGT, recurse)
		b.EmitInt8(OpPushInt8, 1)
		b.Emit(OpReturnValue)
		b.Mark(recurse)
		b.EmitByte(OpLoad, 0)
		b.EmitByte(OpLoad, 0)
		b.EmitInt8(OpAddImm, -1)
		b.EmitInvoke(self)
		b.Emit(OpMul)
		b.Emit(OpReturnValue)
	})
}

// defineSumTo adds 1..n with a backward loop.
func defineSumTo(t *testing.T, table *MethodTable) MethodIndex {
	return defineMethod(t, table, "sumTo", "(I)I", 2, 2, func(b *BytecodeBuilder, _ MethodIndex) {
		loop := b.NewLabel()
		done := b.NewLabel()
		b.Mark(loop)
		b.EmitByte(OpLoad, 0)
		b.EmitJump(OpJumpLE, done)
		b.EmitByte(OpLoad, 1)
		b.EmitByte(OpLoad, 0)
		b.Emit(OpAdd)
		b.EmitByte(OpStore, 1)
		b.EmitInc(0, -1)
		b.EmitJump(OpJump, loop)
		b.Mark(done)
		b.EmitByte(OpLoad, 1)
		b.Emit(OpReturnValue)
	})
}

// defineDiv is a / b, throwing on b == 0.
func defineDiv(t *testing.T, table *MethodTable) MethodIndex {
	return defineMethod(t, table, "div", "(II)I", 2, 2, func(b *BytecodeBuilder, _ MethodIndex) {
		b.EmitByte(OpLoad, 0)
		b.EmitByte(OpLoad, 1)
		b.Emit(OpDiv)
		b.Emit(OpReturnValue)
	})
}

// defineCaller calls callee with both of its int arguments.
func defineCaller(t *testing.T, table *MethodTable, name string, callee MethodIndex) MethodIndex {
	return defineMethod(t, table, name, "(II)I", 2, 2, func(b *BytecodeBuilder, _ MethodIndex) {
		b.EmitByte(OpLoad, 0)
		b.EmitByte(OpLoad, 1)
		b.EmitInvoke(callee)
		b.Emit(OpReturnValue)
	})
}

// invoke runs a method under the host-call convention on a fresh stack.
func invoke(d *Dispatcher, table *MethodTable, method MethodIndex, args ...Slot) (Slot, *ManagedStack, error) {
	stack := NewManagedStack(1024)
	for _, a := range args {
		if err := stack.Push(a); err != nil {
			return Zero, stack, err
		}
	}
	v, err := d.InvokeFromHost(method, stack, nil, nil, table)
	return v, stack, err
}

// expectFatal runs fn and checks that it raises an InternalError wrapping want.
func expectFatal(t *testing.T, want error, fn func()) {
	t.Helper()
	var err error
	func() {
		defer Recover(&err)
		fn()
	}()
	if err == nil {
		t.Fatalf("expected internal error %v, got none", want)
	}
	var ie *InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *InternalError, got %T: %v", err, err)
	}
	if !errors.Is(err, want) {
		t.Fatalf("internal error = %v, want %v", err, want)
	}
}
