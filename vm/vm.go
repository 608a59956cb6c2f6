package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

func vmLog() commonlog.Logger {
	return commonlog.GetLogger("springboard.vm")
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Backend names accepted in Options.Backend.
const (
	BackendThreaded = "threaded"
	BackendNone     = "none"
)

// Options configures a VM.
type Options struct {
	StackSlots     int    // capacity of stacks created by NewStack
	MaxDepth       int    // nested calls allowed on stacks created by NewStack
	JIT            bool   // profile calls and compile hot methods
	HotThreshold   uint64 // invocations before a method is hot
	JITQueue       int    // pending compilations before requests are dropped
	JITWorkers     int    // background compilation goroutines
	Backend        string // BackendThreaded or BackendNone
	VerifyContract bool   // extra compiled-code contract checks on every call

	Heap    Heap
	Classes ClassLibrary
}

// DefaultOptions returns the options used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		StackSlots:   64 * 1024,
		MaxDepth:     DefaultMaxDepth,
		JIT:          true,
		HotThreshold: DefaultHotThreshold,
		JITQueue:     100,
		JITWorkers:   1,
		Backend:      BackendThreaded,
	}
}

// ---------------------------------------------------------------------------
// VM: the execution core facade
// ---------------------------------------------------------------------------

// VM ties a method table to a dispatcher, and optionally a profiler and JIT.
// The VM itself is safe for concurrent use; each goroutine invoking methods
// must use its own managed stack.
type VM struct {
	Methods *MethodTable

	opts     Options
	calls    *Dispatcher
	profiler *Profiler
	jit      *JITCompiler
}

// New creates a VM. The JIT workers, if enabled, run until Close.
func New(opts Options) (*VM, error) {
	if opts.StackSlots <= 0 {
		return nil, fmt.Errorf("vm: stack slots must be positive, got %d", opts.StackSlots)
	}
	if opts.MaxDepth < 0 {
		return nil, fmt.Errorf("vm: max depth must not be negative, got %d", opts.MaxDepth)
	}
	v := &VM{
		Methods: NewMethodTable(64),
		opts:    opts,
	}

	var backend Backend
	if opts.JIT {
		switch opts.Backend {
		case BackendThreaded:
		case BackendNone:
			opts.JIT = false
		default:
			return nil, fmt.Errorf("vm: unknown JIT backend %q", opts.Backend)
		}
	}
	if opts.JIT {
		v.profiler = NewProfiler()
		if opts.HotThreshold > 0 {
			v.profiler.Threshold = opts.HotThreshold
		}
	}
	v.calls = NewDispatcher(v.profiler, opts.VerifyContract)
	if opts.JIT {
		backend = NewThreadedBackend(v.calls)
		v.jit = NewJITCompiler(v.Methods, v.profiler, backend, JITOptions{
			QueueSize: opts.JITQueue,
			Workers:   opts.JITWorkers,
		})
		vmLog().Debug("jit enabled", "backend", backend.Name(), "threshold", v.profiler.Threshold)
	}
	v.opts = opts
	return v, nil
}

// Dispatcher returns the dispatch layer. Natives that call back into
// managed code use its InvokeFromLanguage.
func (v *VM) Dispatcher() *Dispatcher { return v.calls }

// Profiler returns the profiler, or nil when the JIT is disabled.
func (v *VM) Profiler() *Profiler { return v.profiler }

// JIT returns the JIT compiler, or nil when it is disabled.
func (v *VM) JIT() *JITCompiler { return v.jit }

// Options returns the effective options.
func (v *VM) Options() Options { return v.opts }

// NewStack creates a managed stack sized by Options.StackSlots and
// Options.MaxDepth. A zero MaxDepth means DefaultMaxDepth.
func (v *VM) NewStack() *ManagedStack {
	s := NewManagedStack(v.opts.StackSlots)
	s.SetMaxDepth(v.opts.MaxDepth)
	return s
}

// Invoke calls a method on a fresh stack.
func (v *VM) Invoke(method MethodIndex, args ...Slot) (Slot, error) {
	return v.InvokeOn(v.NewStack(), method, args...)
}

// InvokeOn pushes args onto stack and calls the method under the host-call
// convention. On return, value or throw, stack is back at its height before
// the call.
func (v *VM) InvokeOn(stack *ManagedStack, method MethodIndex, args ...Slot) (Slot, error) {
	mark := stack.Top()
	for _, a := range args {
		if err := stack.Push(a); err != nil {
			_ = stack.ReleaseFrame(mark)
			return Zero, fmt.Errorf("vm: push arguments: %w", err)
		}
	}
	result, err := v.calls.InvokeFromHost(method, stack, v.opts.Heap, v.opts.Classes, v.Methods)
	if err != nil {
		if _, thrown := AsThrown(err); !thrown {
			_ = stack.ReleaseFrame(mark)
		}
		return Zero, err
	}
	return result, nil
}

// Context returns an execution context for stack with the VM's handles,
// based at the current top. Embedders use it with PrepareFrame.
func (v *VM) Context(stack *ManagedStack) ExecutionContext {
	return ExecutionContext{
		Stack:   stack,
		Base:    stack.Top(),
		Heap:    v.opts.Heap,
		Classes: v.opts.Classes,
		Methods: v.Methods,
	}
}

// SeedProfile loads persisted invocation counts keyed by method name. With
// eager set, methods already at the hot threshold are compiled right away.
// It returns how many methods were seeded.
func (v *VM) SeedProfile(counts map[string]uint64, eager bool) int {
	if v.profiler == nil {
		return 0
	}
	seeded := 0
	for name, count := range counts {
		idx, ok := v.Methods.ByName(name)
		if !ok {
			continue
		}
		desc, err := v.Methods.Lookup(idx)
		if err != nil || desc.IsNative() {
			continue
		}
		v.profiler.Seed(desc, count)
		seeded++
		if eager && count >= v.profiler.Threshold {
			if err := v.jit.CompileNow(idx); err != nil {
				vmLog().Debug("warm-up compile skipped", "method", desc.String(), "error", err.Error())
			}
		}
	}
	vmLog().Infof("seeded %d method profiles", seeded)
	return seeded
}

// ProfileCounts returns the invocation counts of profiled methods keyed by
// name, for persistence.
func (v *VM) ProfileCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	if v.profiler == nil {
		return counts
	}
	for _, mc := range v.profiler.Snapshot() {
		desc, err := v.Methods.Lookup(mc.Method)
		if err != nil || desc.IsNative() || desc.Name() == "" {
			continue
		}
		counts[desc.Name()] += mc.Count
	}
	return counts
}

// Close stops the JIT workers.
func (v *VM) Close() {
	if v.jit != nil {
		v.jit.Stop()
	}
}
