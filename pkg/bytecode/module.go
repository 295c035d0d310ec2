package bytecode

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so the same module always encodes to the
// same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

var ErrDigestMismatch = errors.New("module digest does not match contents")

// ModuleWord is a named word in a Module.
type ModuleWord struct {
	Name string `cbor:"1,keyasint"`
	Code []byte `cbor:"2,keyasint"`
}

// Module is the host-side description of an upload: a main block and the
// named words it depends on, in file-relative index order. It is what
// tooling stores and exchanges; Container converts it to the .v4b layout
// the device accepts.
type Module struct {
	Name   string       `cbor:"1,keyasint"`
	Main   []byte       `cbor:"2,keyasint,omitempty"`
	Words  []ModuleWord `cbor:"3,keyasint,omitempty"`
	Digest [32]byte     `cbor:"4,keyasint"` // sha256 of the container bytes
}

// Container converts the module to a .v4b container.
func (m *Module) Container() *Container {
	c := NewContainer()
	c.Main = m.Main
	for _, w := range m.Words {
		c.AddWord(w.Name, w.Code)
	}
	return c
}

// ComputeDigest returns the sha256 of the module's container encoding.
func (m *Module) ComputeDigest() ([32]byte, error) {
	data, err := m.Container().Marshal()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Seal fills in Digest.
func (m *Module) Seal() error {
	d, err := m.ComputeDigest()
	if err != nil {
		return err
	}
	m.Digest = d
	return nil
}

// Verify checks Digest against the contents. A module that was never
// sealed (zero digest) verifies trivially.
func (m *Module) Verify() error {
	if m.Digest == ([32]byte{}) {
		return nil
	}
	d, err := m.ComputeDigest()
	if err != nil {
		return err
	}
	if d != m.Digest {
		return fmt.Errorf("%w: declared %x, computed %x", ErrDigestMismatch, m.Digest[:8], d[:8])
	}
	return nil
}

// ModuleFromContainer builds a Module from a parsed container.
func ModuleFromContainer(name string, c *Container) *Module {
	m := &Module{Name: name, Main: c.Main}
	for _, w := range c.Words {
		m.Words = append(m.Words, ModuleWord{Name: w.Name, Code: w.Code})
	}
	return m
}

// MarshalModule serializes a Module to CBOR bytes.
func MarshalModule(m *Module) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// UnmarshalModule deserializes a Module from CBOR bytes and verifies its
// digest.
func UnmarshalModule(data []byte) (*Module, error) {
	var m Module
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal module: %w", err)
	}
	if err := m.Verify(); err != nil {
		return nil, fmt.Errorf("bytecode: module %q: %w", m.Name, err)
	}
	return &m, nil
}
