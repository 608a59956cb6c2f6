package main

import (
	"fmt"
	"io"

	"github.com/chazu/springboard/bundle"
	"github.com/chazu/springboard/vm"
)

// Natives returns the host functions bundles may bind to, writing to w.
//
//	print  (I)V  prints an integer on its own line
//	printf (F)V  prints a float on its own line
func Natives(w io.Writer) bundle.Natives {
	return bundle.Natives{
		"print": vm.Native(func(_ vm.ExecutionContext, args []vm.Slot) (vm.Slot, error) {
			fmt.Fprintln(w, args[0].Int())
			return vm.Zero, nil
		}),
		"printf": vm.Native(func(_ vm.ExecutionContext, args []vm.Slot) (vm.Slot, error) {
			fmt.Fprintln(w, vm.FormatSlot(args[0], vm.KindFloat))
			return vm.Zero, nil
		}),
	}
}
