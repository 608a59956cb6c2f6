package asm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/springboard/bundle"
	"github.com/chazu/springboard/vm"
)

// Disassemble renders a bundle as assembler source. Assembling the result
// yields a bundle with the same methods and code.
func Disassemble(b *bundle.Bundle) (string, error) {
	var sb strings.Builder
	if b.Name != "" {
		fmt.Fprintf(&sb, ".bundle %s\n", b.Name)
	}
	for i := range b.Methods {
		m := &b.Methods[i]
		if m.IsNative() {
			if m.Native == m.Name {
				fmt.Fprintf(&sb, ".native %s %s\n", m.Name, m.Signature)
			} else {
				fmt.Fprintf(&sb, ".native %s %s %s\n", m.Name, m.Signature, m.Native)
			}
			continue
		}
		if err := disassembleMethod(&sb, b, m); err != nil {
			return "", fmt.Errorf("asm: method %s: %w", m.Name, err)
		}
	}
	return sb.String(), nil
}

func disassembleMethod(sb *strings.Builder, b *bundle.Bundle, m *bundle.Method) error {
	insts, err := vm.DecodeAll(m.Code)
	if err != nil {
		return err
	}
	starts := make(map[int]bool, len(insts))
	for _, in := range insts {
		starts[in.PC] = true
	}
	targets := make(map[int]bool)
	for _, in := range insts {
		if !in.Op.IsBranch() {
			continue
		}
		if !starts[in.Target()] && in.Target() != len(m.Code) {
			return fmt.Errorf("branch at %d lands mid-instruction at %d", in.PC, in.Target())
		}
		targets[in.Target()] = true
	}

	fmt.Fprintf(sb, ".method %s %s locals=%d stack=%d\n", m.Name, m.Signature, m.MaxLocals, m.MaxStack)
	for _, in := range insts {
		if targets[in.PC] {
			fmt.Fprintf(sb, "%s:\n", labelName(in.PC))
		}
		text, err := formatOperation(b, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(sb, "    %s\n", text)
	}
	// A branch to the end of the code still needs its label.
	if targets[len(m.Code)] {
		fmt.Fprintf(sb, "%s:\n", labelName(len(m.Code)))
	}
	sb.WriteString(".end\n")
	return nil
}

func labelName(pc int) string {
	return fmt.Sprintf("L%04d", pc)
}

func formatOperation(b *bundle.Bundle, in vm.Instruction) (string, error) {
	name := strings.ToLower(in.Op.Name())
	switch {
	case in.Op.IsBranch():
		return name + " " + labelName(in.Target()), nil
	case in.Op == vm.OpInvoke:
		callee := int(in.Method())
		if callee >= len(b.Methods) {
			return "", fmt.Errorf("invoke at %d targets method %d of %d", in.PC, callee, len(b.Methods))
		}
		return name + " " + b.Methods[callee].Name, nil
	case in.Op == vm.OpPushFloat:
		return name + " " + strconv.FormatFloat(in.Float(), 'g', -1, 64), nil
	case in.Op == vm.OpLoad || in.Op == vm.OpStore:
		return fmt.Sprintf("%s %d", name, in.Local), nil
	case in.Op == vm.OpInc:
		return fmt.Sprintf("%s %d %d", name, in.Local, in.Imm), nil
	case in.Op.OperandBytes() > 0:
		return fmt.Sprintf("%s %d", name, in.Imm), nil
	}
	return name, nil
}

// Listing renders every bytecode method of b in the numbered listing form
// of vm.Disassemble, with invoke targets annotated by name.
func Listing(b *bundle.Bundle) string {
	var sb strings.Builder
	for i := range b.Methods {
		m := &b.Methods[i]
		if m.IsNative() {
			fmt.Fprintf(&sb, "#%d %s %s native %s\n\n", i, m.Name, m.Signature, m.Native)
			continue
		}
		fmt.Fprintf(&sb, "#%d %s %s locals=%d stack=%d\n", i, m.Name, m.Signature, m.MaxLocals, m.MaxStack)
		names := invokedNames(b, m.Code)
		for _, line := range strings.Split(strings.TrimRight(vm.Disassemble(m.Code), "\n"), "\n") {
			pc, err := strconv.Atoi(strings.Fields(line + " x")[0])
			if name, ok := names[pc]; ok && err == nil {
				line += "  ; " + name
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// invokedNames maps the pc of each decodable invoke to its callee's name.
func invokedNames(b *bundle.Bundle, code []byte) map[int]string {
	names := make(map[int]string)
	r := vm.NewBytecodeReader(code)
	for r.HasMore() {
		in, err := r.Next()
		if err != nil {
			break
		}
		if in.Op == vm.OpInvoke && int(in.Method()) < len(b.Methods) {
			names[in.PC] = b.Methods[in.Method()].Name
		}
	}
	return names
}

// Names returns the bundle's method names in sorted order.
func Names(b *bundle.Bundle) []string {
	names := make([]string, 0, len(b.Methods))
	for i := range b.Methods {
		names = append(names, b.Methods[i].Name)
	}
	sort.Strings(names)
	return names
}
