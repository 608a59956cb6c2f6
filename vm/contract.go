package vm

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
)

// CompiledEntry is the method-call convention shared by compiled code,
// natives and the dispatch layer.
//
// On entry the callee frame is prepared at ctx.Base: arguments occupy
// locals 0..arity-1, the remaining locals are zero and top is
// ctx.Base+MaxLocals. Before returning, on the value path and the throw path
// alike, the entry must release its frame (ctx.Leave) so that top is back at
// ctx.Base. A value-returning method yields its result as the Go return
// value; the caller pushes it. A managed throw is returned as a *Thrown.
type CompiledEntry func(ctx ExecutionContext, method MethodIndex) (Slot, error)

// ErrNotReady is returned by a Backend that cannot compile a method.
var ErrNotReady = errors.New("backend cannot compile method")

// Args copies the arguments of the frame at ctx.Base.
func Args(ctx ExecutionContext, desc *MethodDescriptor) []Slot {
	args := make([]Slot, desc.Arity())
	for i := range args {
		args[i] = ctx.Local(i)
	}
	return args
}

// NativeFunc is a host function operating on already-copied arguments.
type NativeFunc func(ctx ExecutionContext, args []Slot) (Slot, error)

// Native adapts a NativeFunc to the compiled-code contract: it copies the
// arguments, releases the frame, then runs fn.
func Native(fn NativeFunc) CompiledEntry {
	return func(ctx ExecutionContext, method MethodIndex) (Slot, error) {
		desc, err := ctx.Methods.Lookup(method)
		if err != nil {
			fatal(err, method, -1, "")
		}
		args := Args(ctx, desc)
		ctx.Leave()
		return fn(ctx, args)
	}
}

// callerFingerprint hashes the slots below ctx.Base: the frames of every
// caller of the current callee. Compiled code must leave them untouched.
func callerFingerprint(ctx ExecutionContext) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < ctx.Base; i++ {
		binary.LittleEndian.PutUint64(buf[:], uint64(ctx.Stack.slots[i]))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// checkReleased enforces the frame postcondition of every call.
func checkReleased(ctx ExecutionContext, method MethodIndex) {
	if top := ctx.Stack.Top(); top != ctx.Base {
		fatal(ErrContractViolation, method, -1, "frame not released: top %d, base %d", top, ctx.Base)
	}
}

// asThrown normalizes an error returned by a callee into a managed throw.
// Natives may return plain errors; they surface as throws with that cause.
func asThrown(err error) *Thrown {
	if t, ok := AsThrown(err); ok {
		return t
	}
	return &Thrown{Cause: err}
}
