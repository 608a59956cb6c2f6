package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MethodIndex is the dense identifier of a registered method.
type MethodIndex uint32

// NoMethod marks the absence of a method in diagnostics.
const NoMethod MethodIndex = ^MethodIndex(0)

// ---------------------------------------------------------------------------
// Compilation state
// ---------------------------------------------------------------------------

// CompilationState is the JIT lifecycle of a method.
type CompilationState uint8

const (
	NotCompiled CompilationState = iota
	Compiling
	Compiled
)

func (s CompilationState) String() string {
	switch s {
	case NotCompiled:
		return "NotCompiled"
	case Compiling:
		return "Compiling"
	case Compiled:
		return "Compiled"
	}
	return fmt.Sprintf("CompilationState(%d)", uint8(s))
}

// compilation is the immutable record published atomically per method.
// Readers see either the old record or the new one, never a mix.
type compilation struct {
	state CompilationState
	entry CompiledEntry
}

var notCompiledRecord = &compilation{state: NotCompiled}

// ---------------------------------------------------------------------------
// MethodDescriptor
// ---------------------------------------------------------------------------

// MethodDescriptor describes one loaded method. Everything except the
// compilation record is immutable once the descriptor is registered.
type MethodDescriptor struct {
	index     MethodIndex
	name      string
	code      []byte
	sig       Signature
	maxLocals int
	maxStack  int
	native    bool

	comp atomic.Pointer[compilation]
}

// Index returns the method's dense identifier.
func (d *MethodDescriptor) Index() MethodIndex { return d.index }

// Name returns the method name.
func (d *MethodDescriptor) Name() string { return d.name }

// Code returns the bytecode. Callers must not modify it.
func (d *MethodDescriptor) Code() []byte { return d.code }

// Signature returns the argument and return shape.
func (d *MethodDescriptor) Signature() Signature { return d.sig }

// Arity returns the number of arguments.
func (d *MethodDescriptor) Arity() int { return d.sig.Arity() }

// MaxLocals returns the size of the locals region (arguments included).
func (d *MethodDescriptor) MaxLocals() int { return d.maxLocals }

// MaxStack returns the operand depth bound declared for the method.
// Pushing past it is frame corruption.
func (d *MethodDescriptor) MaxStack() int { return d.maxStack }

// IsNative reports whether the method is a host function with no bytecode.
func (d *MethodDescriptor) IsNative() bool { return d.native }

// State returns the current compilation state.
func (d *MethodDescriptor) State() CompilationState {
	return d.comp.Load().state
}

// Entry returns the compiled entry, or nil when the method is not Compiled.
func (d *MethodDescriptor) Entry() CompiledEntry {
	return d.comp.Load().entry
}

// Compilation returns the state and entry from a single load of the
// compilation record.
func (d *MethodDescriptor) Compilation() (CompilationState, CompiledEntry) {
	c := d.comp.Load()
	return c.state, c.entry
}

func (d *MethodDescriptor) String() string {
	return fmt.Sprintf("%s%s#%d", d.name, d.sig, d.index)
}

// ---------------------------------------------------------------------------
// MethodTable
// ---------------------------------------------------------------------------

// MethodTable maps method indices to descriptors. It is shared by reference
// with every frame and is the only structure in the core that may be read
// from several goroutines at once.
//
// Lookups are lock-free: the table publishes an immutable slice header after
// each registration, so readers never observe an entry being appended.
type MethodTable struct {
	mu      sync.Mutex // serializes writers
	entries atomic.Pointer[[]*MethodDescriptor]
	byName  sync.Map // string -> MethodIndex
}

// NewMethodTable creates an empty method table with room for capacity
// entries before the first grow.
func NewMethodTable(capacity int) *MethodTable {
	t := &MethodTable{}
	s := make([]*MethodDescriptor, 0, capacity)
	t.entries.Store(&s)
	return t
}

// Register adds a bytecode method and returns its index. The code slice is
// owned by the table from now on.
func (t *MethodTable) Register(name string, code []byte, sig Signature, maxLocals, maxStack int) (MethodIndex, error) {
	if maxLocals < sig.Arity() {
		return 0, fmt.Errorf("%w: %s has %d locals for %d arguments",
			ErrInvalidDescriptor, name, maxLocals, sig.Arity())
	}
	if maxStack < 0 {
		return 0, fmt.Errorf("%w: %s has negative max stack", ErrInvalidDescriptor, name)
	}
	d := &MethodDescriptor{
		name:      name,
		code:      code,
		sig:       sig,
		maxLocals: maxLocals,
		maxStack:  maxStack,
	}
	d.comp.Store(notCompiledRecord)
	return t.add(d), nil
}

// RegisterNative adds a host function as an already compiled method.
func (t *MethodTable) RegisterNative(name string, sig Signature, entry CompiledEntry) (MethodIndex, error) {
	if entry == nil {
		return 0, fmt.Errorf("%w: native %s has no entry", ErrInvalidDescriptor, name)
	}
	d := &MethodDescriptor{
		name:      name,
		sig:       sig,
		maxLocals: sig.Arity(),
		native:    true,
	}
	d.comp.Store(&compilation{state: Compiled, entry: entry})
	return t.add(d), nil
}

func (t *MethodTable) add(d *MethodDescriptor) MethodIndex {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.entries.Load()
	d.index = MethodIndex(len(cur))
	// Appending may write into spare capacity of the backing array, but only
	// at an index no published header covers yet.
	next := append(cur, d)
	t.entries.Store(&next)
	if d.name != "" {
		t.byName.LoadOrStore(d.name, d.index)
	}
	return d.index
}

// Lookup returns the descriptor for idx.
func (t *MethodTable) Lookup(idx MethodIndex) (*MethodDescriptor, error) {
	entries := *t.entries.Load()
	if uint64(idx) >= uint64(len(entries)) {
		return nil, fmt.Errorf("%w: index %d (table holds %d)", ErrUnknownMethod, idx, len(entries))
	}
	return entries[idx], nil
}

// ByName returns the index of the first method registered under name.
func (t *MethodTable) ByName(name string) (MethodIndex, bool) {
	v, ok := t.byName.Load(name)
	if !ok {
		return 0, false
	}
	return v.(MethodIndex), true
}

// Len returns the number of registered methods.
func (t *MethodTable) Len() int {
	return len(*t.entries.Load())
}

// Each calls fn for every registered method in index order.
func (t *MethodTable) Each(fn func(*MethodDescriptor)) {
	for _, d := range *t.entries.Load() {
		fn(d)
	}
}

// MarkCompiling moves a method from NotCompiled to Compiling.
func (t *MethodTable) MarkCompiling(idx MethodIndex) error {
	d, err := t.Lookup(idx)
	if err != nil {
		return err
	}
	cur := d.comp.Load()
	if cur.state != NotCompiled {
		return fmt.Errorf("%w: %s is %s", ErrInvalidStateTransition, d, cur.state)
	}
	if !d.comp.CompareAndSwap(cur, &compilation{state: Compiling}) {
		return fmt.Errorf("%w: %s changed state concurrently", ErrInvalidStateTransition, d)
	}
	return nil
}

// MarkCompiled publishes a compiled entry for a method. Compilation is
// one-shot: a method that is already Compiled is rejected, whichever caller
// got there first.
func (t *MethodTable) MarkCompiled(idx MethodIndex, entry CompiledEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: nil compiled entry for method %d", ErrInvalidDescriptor, idx)
	}
	d, err := t.Lookup(idx)
	if err != nil {
		return err
	}
	next := &compilation{state: Compiled, entry: entry}
	for {
		cur := d.comp.Load()
		if cur.state == Compiled {
			return fmt.Errorf("%w: %s is already compiled", ErrInvalidStateTransition, d)
		}
		if d.comp.CompareAndSwap(cur, next) {
			return nil
		}
	}
}
