package vm

// Heap is the embedder's object heap. The execution core only forwards it;
// natives and compiled code may type-assert it to something concrete.
type Heap interface{}

// ClassLibrary is the embedder's class and object-model library, forwarded
// the same way as Heap.
type ClassLibrary interface{}

// ExecutionContext is the state every call carries: the managed stack, the
// base of the active frame, and the three shared handles. It is passed by
// value and never diverges from its caller's copy except through WithBase.
type ExecutionContext struct {
	Stack   *ManagedStack
	Base    int
	Heap    Heap
	Classes ClassLibrary
	Methods *MethodTable
}

// WithBase returns the context for a callee frame starting at base.
func (c ExecutionContext) WithBase(base int) ExecutionContext {
	c.Base = base
	return c
}

// Local returns local i of the frame at Base.
func (c ExecutionContext) Local(i int) Slot {
	return c.Stack.Get(c.Base + i)
}

// SetLocal stores v into local i of the frame at Base.
func (c ExecutionContext) SetLocal(i int, v Slot) {
	c.Stack.Set(c.Base+i, v)
}

// Leave releases the frame at Base. Compiled code and natives call it
// before returning, on both the value and the throw path.
func (c ExecutionContext) Leave() {
	if err := c.Stack.ReleaseFrame(c.Base); err != nil {
		fatal(err, NoMethod, -1, "")
	}
}
