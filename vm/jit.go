package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// Resolved per call: the logging backend is chosen after package init.
func jitLog() commonlog.Logger {
	return commonlog.GetLogger("springboard.jit")
}

// Backend turns a method's bytecode into a compiled entry. It returns
// ErrNotReady (possibly wrapped) for methods it cannot handle.
type Backend interface {
	Name() string
	Compile(desc *MethodDescriptor, methods *MethodTable) (CompiledEntry, error)
}

// JITOptions configures a JITCompiler.
type JITOptions struct {
	QueueSize int // pending hot methods; further requests are dropped
	Workers   int // background compilation goroutines
}

// JITCompiler manages adaptive compilation of hot methods. It connects the
// profiler, which detects hot code, to a Backend, and publishes each result
// in the method table.
//
// A method whose compilation fails stays in the Compiling state and keeps
// running in the interpreter; it is never queued again.
type JITCompiler struct {
	methods  *MethodTable
	backend  Backend
	profiler *Profiler

	// Compilation queue for background processing
	pending  chan *MethodDescriptor
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Statistics
	methodsCompiled uint64
	failures        uint64
	dropped         uint64
	compilationTime uint64 // nanoseconds
}

// NewJITCompiler creates a JIT compiler, hooks it to the profiler's OnHot
// callback and starts its workers. profiler may be nil, in which case only
// CompileNow triggers compilation.
func NewJITCompiler(methods *MethodTable, profiler *Profiler, backend Backend, opts JITOptions) *JITCompiler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	jit := &JITCompiler{
		methods:  methods,
		backend:  backend,
		profiler: profiler,
		pending:  make(chan *MethodDescriptor, opts.QueueSize),
		done:     make(chan struct{}),
	}

	// Connect to profiler
	if profiler != nil {
		profiler.OnHot = jit.onHot
	}

	jit.wg.Add(opts.Workers)
	for w := 0; w < opts.Workers; w++ {
		go jit.compilationWorker()
	}
	return jit
}

// onHot is called by the profiler when a method becomes hot.
func (jit *JITCompiler) onHot(desc *MethodDescriptor) {
	if desc.State() != NotCompiled {
		return
	}
	select {
	case <-jit.done:
		return
	default:
	}
	select {
	case jit.pending <- desc:
	default:
		// Queue full, skip this one
		atomic.AddUint64(&jit.dropped, 1)
		jitLog().Debug("compile queue full", "method", desc.String())
	}
}

// compilationWorker processes the compilation queue in the background.
func (jit *JITCompiler) compilationWorker() {
	defer jit.wg.Done()
	for {
		select {
		case desc := <-jit.pending:
			// Losing the race to another worker or CompileNow is expected.
			_ = jit.compile(desc)
		case <-jit.done:
			return
		}
	}
}

// compile moves desc through Compiling to Compiled.
func (jit *JITCompiler) compile(desc *MethodDescriptor) error {
	if err := jit.methods.MarkCompiling(desc.index); err != nil {
		return err
	}

	start := time.Now()
	entry, err := jit.backend.Compile(desc, jit.methods)
	if err != nil {
		atomic.AddUint64(&jit.failures, 1)
		if errors.Is(err, ErrNotReady) {
			jitLog().Debug("backend declined method", "backend", jit.backend.Name(), "method", desc.String(), "reason", err.Error())
		} else {
			jitLog().Warning("compilation failed", "backend", jit.backend.Name(), "method", desc.String(), "error", err.Error())
		}
		return fmt.Errorf("jit: compile %s: %w", desc, err)
	}
	if err := jit.methods.MarkCompiled(desc.index, entry); err != nil {
		return fmt.Errorf("jit: publish %s: %w", desc, err)
	}

	elapsed := time.Since(start)
	atomic.AddUint64(&jit.methodsCompiled, 1)
	atomic.AddUint64(&jit.compilationTime, uint64(elapsed))
	jitLog().Infof("compiled %s with %s in %s", desc, jit.backend.Name(), elapsed)
	return nil
}

// CompileNow compiles a method synchronously on the calling goroutine.
func (jit *JITCompiler) CompileNow(idx MethodIndex) error {
	desc, err := jit.methods.Lookup(idx)
	if err != nil {
		return err
	}
	return jit.compile(desc)
}

// JITStats holds JIT compiler statistics.
type JITStats struct {
	MethodsCompiled uint64
	Failures        uint64
	Dropped         uint64
	QueueLength     int
	CompilationTime time.Duration
}

// Stats returns JIT compiler statistics.
func (jit *JITCompiler) Stats() JITStats {
	return JITStats{
		MethodsCompiled: atomic.LoadUint64(&jit.methodsCompiled),
		Failures:        atomic.LoadUint64(&jit.failures),
		Dropped:         atomic.LoadUint64(&jit.dropped),
		QueueLength:     len(jit.pending),
		CompilationTime: time.Duration(atomic.LoadUint64(&jit.compilationTime)),
	}
}

// Stop stops the background workers and waits for them to exit. Methods
// still queued are not compiled. Stop is idempotent.
func (jit *JITCompiler) Stop() {
	jit.stopOnce.Do(func() {
		close(jit.done)
	})
	jit.wg.Wait()
}
