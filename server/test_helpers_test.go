package server

import (
	"context"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/springboard/asm"
	"github.com/chazu/springboard/bundle"
	"github.com/chazu/springboard/vm"
)

const testSource = `
.method add (II)I
    load 0
    load 1
    add
    return_value
.end
.method scale (F)F
    load 0
    push_float 1.5
    fmul
    return_value
.end
.method boom ()V
    push 7
    throw
.end
.method broken ()I        ; falls off the end
    push 1
.end
.method id (L)L
    load 0
    return_value
.end
.method nop ()V
    return
.end
.method spin ()V locals=0 stack=0   ; recurses without using stack slots
    invoke spin
    return
.end
.native explode ()V
`

// newTestVM links testSource into a fresh interpreter-only VM.
func newTestVM(t *testing.T) *vm.VM {
	t.Helper()
	opts := vm.DefaultOptions()
	opts.StackSlots = 1024
	opts.JIT = false
	v, err := vm.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(v.Close)

	b, err := asm.AssembleString("server-test", testSource)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	natives := bundle.Natives{
		"explode": vm.Native(func(vm.ExecutionContext, []vm.Slot) (vm.Slot, error) {
			panic("kaboom")
		}),
	}
	if _, err := bundle.Link(v.Methods, b, natives); err != nil {
		t.Fatalf("link: %v", err)
	}
	return v
}

// newTestService creates an InvocationService with its own pool.
func newTestService(t *testing.T, workers int) *InvocationService {
	t.Helper()
	v := newTestVM(t)
	pool := NewPool(v, workers)
	t.Cleanup(pool.Stop)
	return NewInvocationService(v, pool)
}

func invokeRequest(t *testing.T, fields map[string]interface{}) *connect.Request[structpb.Struct] {
	t.Helper()
	st, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatal(err)
	}
	return connect.NewRequest(st)
}

func bg() context.Context {
	return context.Background()
}
