package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chazu/springboard/vm"
	"github.com/tliron/commonlog"
)

// ErrLink is wrapped by every error Link returns for a malformed bundle.
var ErrLink = errors.New("bundle: link")

// Natives maps native names, as they appear in Method.Native, to the host
// functions that implement them.
type Natives map[string]vm.CompiledEntry

// Linked is a bundle loaded into a method table.
type Linked struct {
	Bundle  *Bundle
	Hash    string
	Indices []vm.MethodIndex          // table index of each bundle method
	byName  map[string]vm.MethodIndex // first method per name
}

// Method returns the table index of the bundle method called name.
func (l *Linked) Method(name string) (vm.MethodIndex, bool) {
	idx, ok := l.byName[name]
	return idx, ok
}

// Names returns a table-index to method-name map for the linked methods.
func (l *Linked) Names() map[vm.MethodIndex]string {
	names := make(map[vm.MethodIndex]string, len(l.Indices))
	for i, idx := range l.Indices {
		names[idx] = l.Bundle.Methods[i].Name
	}
	return names
}

// Link registers every method of b in table, in bundle order. INVOKE
// operands are relocated from bundle-local indices to table indices, and
// native methods are bound to the entry of the same name in natives.
//
// Indices are allocated up front from table.Len(), so no other goroutine may
// register methods in table while Link runs.
func Link(table *vm.MethodTable, b *Bundle, natives Natives) (*Linked, error) {
	hash, err := Hash(b)
	if err != nil {
		return nil, err
	}
	base := vm.MethodIndex(table.Len())

	type prepared struct {
		sig   vm.Signature
		code  []byte
		entry vm.CompiledEntry
	}
	// Validate and relocate everything before the table is touched, so a
	// bad bundle leaves no partial registration behind.
	preps := make([]prepared, len(b.Methods))
	for i := range b.Methods {
		m := &b.Methods[i]
		sig, err := vm.ParseSignature(m.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: method %s: %v", ErrLink, m.Name, err)
		}
		preps[i].sig = sig
		if m.IsNative() {
			entry, ok := natives[m.Native]
			if !ok {
				return nil, fmt.Errorf("%w: method %s: no native named %q", ErrLink, m.Name, m.Native)
			}
			preps[i].entry = entry
			continue
		}
		if m.MaxLocals < sig.Arity() || m.MaxStack < 0 {
			return nil, fmt.Errorf("%w: method %s: %d locals, max stack %d for %d arguments",
				ErrLink, m.Name, m.MaxLocals, m.MaxStack, sig.Arity())
		}
		code, err := relocate(m.Code, base, len(b.Methods))
		if err != nil {
			return nil, fmt.Errorf("%w: method %s: %v", ErrLink, m.Name, err)
		}
		preps[i].code = code
	}

	l := &Linked{
		Bundle:  b,
		Hash:    hash,
		Indices: make([]vm.MethodIndex, len(b.Methods)),
		byName:  make(map[string]vm.MethodIndex, len(b.Methods)),
	}
	for i, p := range preps {
		m := &b.Methods[i]
		var idx vm.MethodIndex
		if m.IsNative() {
			idx, err = table.RegisterNative(m.Name, p.sig, p.entry)
		} else {
			idx, err = table.Register(m.Name, p.code, p.sig, m.MaxLocals, m.MaxStack)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: method %s: %v", ErrLink, m.Name, err)
		}
		if want := base + vm.MethodIndex(i); idx != want {
			return nil, fmt.Errorf("%w: method %s registered at %d, want %d (concurrent registration)", ErrLink, m.Name, idx, want)
		}
		l.Indices[i] = idx
		if _, seen := l.byName[m.Name]; !seen {
			l.byName[m.Name] = idx
		}
	}

	commonlog.GetLogger("springboard.bundle").Info("linked bundle",
		"bundle", b.Name, "methods", len(b.Methods), "base", int(base), "hash", hash[:12])
	return l, nil
}

// relocate returns a copy of code with every INVOKE operand moved from a
// bundle-local index to base plus that index.
func relocate(code []byte, base vm.MethodIndex, count int) ([]byte, error) {
	insts, err := vm.DecodeAll(code)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(code))
	copy(out, code)
	for _, in := range insts {
		if in.Op != vm.OpInvoke {
			continue
		}
		local := in.Method()
		if int(local) >= count {
			return nil, fmt.Errorf("invoke at %d targets method %d of %d", in.PC, local, count)
		}
		binary.LittleEndian.PutUint32(out[in.PC+1:], uint32(base+local))
	}
	return out, nil
}
