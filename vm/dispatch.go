package vm

import "fmt"

// ---------------------------------------------------------------------------
// Dispatcher: the trampoline between interpreted, compiled and host code
// ---------------------------------------------------------------------------

// Dispatcher routes every call to the method's compiled entry when one has
// been published and to the interpreter otherwise. Both calling conventions
// end up in the same dispatch routine, so a call behaves identically no
// matter which side of the bridge it starts from.
type Dispatcher struct {
	interp   *Interpreter
	profiler *Profiler // nil when the JIT is disabled
	verify   bool      // extra compiled-code contract checks
}

// NewDispatcher creates a dispatcher with its own interpreter. profiler may
// be nil.
func NewDispatcher(profiler *Profiler, verifyContract bool) *Dispatcher {
	d := &Dispatcher{profiler: profiler, verify: verifyContract}
	d.interp = &Interpreter{calls: d}
	return d
}

// Interpreter returns the interpreter used for methods without a compiled
// entry.
func (d *Dispatcher) Interpreter() *Interpreter {
	return d.interp
}

// PrepareFrame turns the arguments on top of ctx.Stack into the first
// locals of a new frame for desc and returns the callee context. It is the
// prologue shared by the interpreter, the host entry and compiled code.
func PrepareFrame(ctx ExecutionContext, desc *MethodDescriptor) (ExecutionContext, error) {
	base, err := ctx.Stack.enterFrame(desc.Arity(), desc.MaxLocals())
	if err != nil {
		return ctx, fmt.Errorf("prepare frame for %s: %w", desc, err)
	}
	return ctx.WithBase(base), nil
}

// InvokeFromLanguage calls a method under the method-call convention: the
// callee frame is already prepared at ctx.Base. Interpreted code and
// compiled code use it for every managed-to-managed call.
func (d *Dispatcher) InvokeFromLanguage(ctx ExecutionContext, method MethodIndex) (Slot, error) {
	return d.dispatch(ctx, method)
}

// InvokeFromHost calls a method under the host-call convention. The
// arguments must be on top of stack; the callee frame is prepared here.
// An unknown method or missing arguments are reported as errors since
// no managed frame exists yet.
func (d *Dispatcher) InvokeFromHost(method MethodIndex, stack *ManagedStack, heap Heap, classes ClassLibrary, methods *MethodTable) (Slot, error) {
	desc, err := methods.Lookup(method)
	if err != nil {
		return Zero, err
	}
	ctx, err := PrepareFrame(ExecutionContext{
		Stack:   stack,
		Base:    stack.Top(),
		Heap:    heap,
		Classes: classes,
		Methods: methods,
	}, desc)
	if err != nil {
		return Zero, err
	}
	defer stack.restoreDepth(stack.depth)
	return d.dispatch(ctx, method)
}

func (d *Dispatcher) dispatch(ctx ExecutionContext, method MethodIndex) (Slot, error) {
	desc, err := ctx.Methods.Lookup(method)
	if err != nil {
		fatal(err, method, -1, "")
	}
	if err := ctx.Stack.descend(); err != nil {
		fatal(err, method, -1, "")
	}
	if d.profiler != nil {
		d.profiler.Record(desc)
	}

	var fingerprint uint64
	if d.verify {
		fingerprint = callerFingerprint(ctx)
	}

	var v Slot
	entry := desc.Entry()
	if entry != nil {
		v, err = entry(ctx, method)
	} else {
		v, err = d.interp.Enter(method, ctx.Stack, ctx.Heap, ctx.Classes, ctx.Methods)
	}
	ctx.Stack.ascend()

	checkReleased(ctx, method)
	if d.verify && callerFingerprint(ctx) != fingerprint {
		fatal(ErrContractViolation, method, -1, "caller frames below base %d were modified", ctx.Base)
	}

	if err != nil {
		t := asThrown(err)
		if entry != nil {
			t.unwound(method, -1)
		}
		return Zero, t
	}
	return v, nil
}
