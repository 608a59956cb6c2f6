// Package bundle is the on-disk form of a set of methods: a small header
// followed by the canonical CBOR encoding of a Bundle. Link loads a bundle
// into a method table.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Version is the current bundle format version.
const Version byte = 1

// magic starts every encoded bundle.
var magic = []byte("SPRB")

// ErrBadHeader is returned when data does not start with a bundle header
// of a supported version.
var ErrBadHeader = errors.New("bundle: bad header")

// Method is one method of a bundle. A method with Native set has no code;
// it is bound at link time to the host function registered under that name.
type Method struct {
	Name      string `cbor:"1,keyasint"`
	Signature string `cbor:"2,keyasint"`
	MaxLocals int    `cbor:"3,keyasint"`
	MaxStack  int    `cbor:"4,keyasint"`
	Code      []byte `cbor:"5,keyasint,omitempty"`
	Native    string `cbor:"6,keyasint,omitempty"`
}

// IsNative reports whether m is bound to a host function.
func (m *Method) IsNative() bool {
	return m.Native != ""
}

// Bundle is a named, ordered set of methods. INVOKE operands inside a
// bundle's code are indices into Methods.
type Bundle struct {
	Name    string   `cbor:"1,keyasint"`
	Methods []Method `cbor:"2,keyasint"`
}

// Index returns the bundle-local index of the method called name.
func (b *Bundle) Index(name string) (int, bool) {
	for i := range b.Methods {
		if b.Methods[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bundle: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal encodes b with its header.
func Marshal(b *Bundle) ([]byte, error) {
	body, err := cborEncMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("bundle: marshal %s: %w", b.Name, err)
	}
	out := make([]byte, 0, len(magic)+1+len(body))
	out = append(out, magic...)
	out = append(out, Version)
	return append(out, body...), nil
}

// Unmarshal decodes a bundle produced by Marshal.
func Unmarshal(data []byte) (*Bundle, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrBadHeader
	}
	if v := data[len(magic)]; v != Version {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadHeader, v, Version)
	}
	var b Bundle
	if err := cbor.Unmarshal(data[len(magic)+1:], &b); err != nil {
		return nil, fmt.Errorf("bundle: unmarshal: %w", err)
	}
	return &b, nil
}

// Hash identifies a bundle by the sha256 of its canonical encoding, as a
// hex string. Equal bundles hash equally.
func Hash(b *Bundle) (string, error) {
	body, err := cborEncMode.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("bundle: hash %s: %w", b.Name, err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// ReadFile reads and decodes a bundle file.
func ReadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// WriteFile encodes b and writes it to path.
func WriteFile(path string, b *Bundle) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
