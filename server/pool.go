package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/springboard/vm"
)

// ErrPoolStopped is returned for work submitted to a stopped pool.
var ErrPoolStopped = errors.New("worker pool stopped")

// Work is a unit of execution against the VM. It runs on a worker's own
// managed stack.
type Work func(v *vm.VM, stack *vm.ManagedStack) (vm.Slot, error)

// poolRequest represents a unit of work to be executed by a worker.
type poolRequest struct {
	ctx  context.Context
	fn   Work
	done chan poolResult
}

// poolResult holds the return value from a unit of work.
type poolResult struct {
	value vm.Slot
	err   error
}

// Pool runs work on a fixed set of goroutines. Each worker owns one managed
// stack, so a stack only ever sees one logical thread of control, while the
// VM's method table is shared by all of them.
type Pool struct {
	vm       *vm.VM
	requests chan poolRequest
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool creates a pool of n workers and starts them.
func NewPool(v *vm.VM, n int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		vm:       v,
		requests: make(chan poolRequest, 64),
		quit:     make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.loop(v.NewStack())
	}
	return p
}

// loop processes requests sequentially on one worker's stack.
func (p *Pool) loop(stack *vm.ManagedStack) {
	defer p.wg.Done()
	for {
		select {
		case req := <-p.requests:
			req.done <- p.execute(req, stack)
		case <-p.quit:
			return
		}
	}
}

// execute runs one request, recovering from panics. A request whose context
// ended while it was queued is not run.
func (p *Pool) execute(req poolRequest, stack *vm.ManagedStack) (result poolResult) {
	if err := req.ctx.Err(); err != nil {
		return poolResult{err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			// The stack may hold a half-built frame.
			stack.Reset()
			if ie, ok := r.(*vm.InternalError); ok {
				result = poolResult{err: ie}
			} else {
				result = poolResult{err: fmt.Errorf("panic: %v", r)}
			}
		}
	}()
	v, err := req.fn(p.vm, stack)
	return poolResult{value: v, err: err}
}

// Do submits work and blocks until a worker has run it. Cancellation of ctx
// is honoured only until the work starts.
func (p *Pool) Do(ctx context.Context, fn Work) (vm.Slot, error) {
	req := poolRequest{
		ctx:  ctx,
		fn:   fn,
		done: make(chan poolResult, 1),
	}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return vm.Zero, ctx.Err()
	case <-p.quit:
		return vm.Zero, ErrPoolStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-p.quit:
		return vm.Zero, ErrPoolStopped
	}
}

// Stop shuts down the workers and waits for running work to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
