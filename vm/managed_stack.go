package vm

import "fmt"

// ManagedStack is the bytecode language's own locals/operand stack, kept
// apart from the Go call stack. Frames are laid out contiguously; the stack
// never frees memory, a return just rewinds top.
//
// A ManagedStack belongs to one logical thread of control and is not safe
// for concurrent use.
type ManagedStack struct {
	slots    []Slot
	top      int // index of the next free slot
	depth    int // active calls
	maxDepth int
}

// DefaultMaxDepth bounds nested calls on a stack. Frames of zero slots
// would otherwise recurse until the Go stack is exhausted.
const DefaultMaxDepth = 4096

// NewManagedStack creates a stack holding at most size slots and
// DefaultMaxDepth nested calls.
func NewManagedStack(size int) *ManagedStack {
	if size < 0 {
		size = 0
	}
	return &ManagedStack{slots: make([]Slot, size), maxDepth: DefaultMaxDepth}
}

// SetMaxDepth changes the call depth bound. Values below 1 restore
// DefaultMaxDepth.
func (s *ManagedStack) SetMaxDepth(n int) {
	if n < 1 {
		n = DefaultMaxDepth
	}
	s.maxDepth = n
}

// Depth returns the number of calls currently active on the stack.
func (s *ManagedStack) Depth() int { return s.depth }

// MaxDepth returns the call depth bound.
func (s *ManagedStack) MaxDepth() int { return s.maxDepth }

// descend counts a call entering the stack.
func (s *ManagedStack) descend() error {
	if s.depth >= s.maxDepth {
		return fmt.Errorf("%w: call depth exceeds %d", ErrStackOverflow, s.maxDepth)
	}
	s.depth++
	return nil
}

func (s *ManagedStack) ascend() { s.depth-- }

func (s *ManagedStack) restoreDepth(depth int) { s.depth = depth }

// Top returns the top cursor: the index of the next free slot.
func (s *ManagedStack) Top() int { return s.top }

// Cap returns the fixed capacity in slots.
func (s *ManagedStack) Cap() int { return len(s.slots) }

// Remaining returns how many slots can still be pushed.
func (s *ManagedStack) Remaining() int { return len(s.slots) - s.top }

// Push places v on top of the stack.
func (s *ManagedStack) Push(v Slot) error {
	if s.top >= len(s.slots) {
		return ErrStackOverflow
	}
	s.slots[s.top] = v
	s.top++
	return nil
}

// Pop removes and returns the top slot.
func (s *ManagedStack) Pop() (Slot, error) {
	if s.top == 0 {
		return Zero, ErrStackUnderflow
	}
	s.top--
	return s.slots[s.top], nil
}

// Peek returns the top slot without removing it.
func (s *ManagedStack) Peek() (Slot, error) {
	if s.top == 0 {
		return Zero, ErrStackUnderflow
	}
	return s.slots[s.top-1], nil
}

// Get returns the slot at absolute index i, which must be below top.
func (s *ManagedStack) Get(i int) Slot {
	if i < 0 || i >= s.top {
		panic(fmt.Sprintf("managed stack: read of slot %d above top %d", i, s.top))
	}
	return s.slots[i]
}

// Set stores v at absolute index i, which must be below top.
func (s *ManagedStack) Set(i int, v Slot) {
	if i < 0 || i >= s.top {
		panic(fmt.Sprintf("managed stack: write of slot %d above top %d", i, s.top))
	}
	s.slots[i] = v
}

// ReserveFrame opens a frame of locals zeroed slots at the current top and
// returns its base. On overflow top is left unmodified.
func (s *ManagedStack) ReserveFrame(locals int) (int, error) {
	if locals < 0 {
		return s.top, fmt.Errorf("%w: negative frame size %d", ErrFrameCorruption, locals)
	}
	if locals > s.Remaining() {
		return s.top, fmt.Errorf("%w: frame of %d slots with %d remaining", ErrStackOverflow, locals, s.Remaining())
	}
	base := s.top
	clear(s.slots[base : base+locals])
	s.top = base + locals
	return base, nil
}

// enterFrame turns the arity slots on top of the stack into the first
// locals of a new frame of size locals. It is Pop(arity) + ReserveFrame +
// copy arguments, done in place.
func (s *ManagedStack) enterFrame(arity, locals int) (int, error) {
	if arity > s.top {
		return s.top, fmt.Errorf("%w: %d arguments with %d slots on the stack", ErrStackUnderflow, arity, s.top)
	}
	if locals < arity {
		return s.top, fmt.Errorf("%w: frame of %d locals for %d arguments", ErrFrameCorruption, locals, arity)
	}
	extra := locals - arity
	if extra > s.Remaining() {
		return s.top, fmt.Errorf("%w: frame of %d slots with %d remaining", ErrStackOverflow, extra, s.Remaining())
	}
	base := s.top - arity
	clear(s.slots[s.top : s.top+extra])
	s.top += extra
	return base, nil
}

// ReleaseFrame rewinds top to base, discarding the frame and everything
// above it.
func (s *ManagedStack) ReleaseFrame(base int) error {
	if base < 0 || base > s.top {
		return fmt.Errorf("%w: release to base %d with top %d", ErrFrameCorruption, base, s.top)
	}
	s.top = base
	return nil
}

// Reset empties the stack and forgets any active calls.
func (s *ManagedStack) Reset() {
	s.top = 0
	s.depth = 0
}

// Snapshot copies the live region, bottom first. Used for diagnostics.
func (s *ManagedStack) Snapshot() []Slot {
	out := make([]Slot, s.top)
	copy(out, s.slots[:s.top])
	return out
}
