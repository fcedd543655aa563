package command

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Codec errors
var (
	ErrCommandNotFound     = errors.New("command not found")
	ErrArgumentOutOfRange  = errors.New("argument out of range")
	ErrArgumentBadEncoding = errors.New("argument bad encoding")
)

// maxArgumentLength is the widest argument that still fits an unsigned 64-bit bound check.
const maxArgumentLength = 8

// ArgumentDescriptor describes a command that splices a caller-supplied value into a template.
type ArgumentDescriptor struct {
	Min      uint64
	Max      uint64
	Offset   int
	Length   int
	Template []byte
}

// Validate checks that the argument window fits the template and the bounds are ordered.
func (d ArgumentDescriptor) Validate() error {
	switch {
	case d.Length < 1 || d.Length > maxArgumentLength:
		return fmt.Errorf("argument length %d must be between 1 and %d", d.Length, maxArgumentLength)
	case d.Offset < 0:
		return fmt.Errorf("argument offset %d must not be negative", d.Offset)
	case d.Offset+d.Length > len(d.Template):
		return fmt.Errorf("argument window [%d,%d) exceeds template length %d", d.Offset, d.Offset+d.Length, len(d.Template))
	case d.Min > d.Max:
		return fmt.Errorf("minimum 0x%X exceeds maximum 0x%X", d.Min, d.Max)
	}
	return nil
}

// Table holds the immutable command tables used to build characteristic payloads.
// It is safe for concurrent use once constructed.
type Table struct {
	simple   map[string][]byte
	argument map[string]ArgumentDescriptor
}

// NewTable validates and copies the given descriptors into a Table.
func NewTable(simple map[string][]byte, argument map[string]ArgumentDescriptor) (*Table, error) {
	t := &Table{
		simple:   make(map[string][]byte, len(simple)),
		argument: make(map[string]ArgumentDescriptor, len(argument)),
	}
	for name, payload := range simple {
		if name == "" {
			return nil, errors.New("command name cannot be empty")
		}
		if len(payload) == 0 {
			return nil, fmt.Errorf("command %q: payload cannot be empty", name)
		}
		t.simple[name] = clone(payload)
	}
	for name, desc := range argument {
		if name == "" {
			return nil, errors.New("command name cannot be empty")
		}
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("command %q: %w", name, err)
		}
		desc.Template = clone(desc.Template)
		t.argument[name] = desc
	}
	return t, nil
}

// Merge returns a new Table with the given descriptors layered over t's.
func (t *Table) Merge(simple map[string][]byte, argument map[string]ArgumentDescriptor) (*Table, error) {
	s := make(map[string][]byte, len(t.simple)+len(simple))
	for name, payload := range t.simple {
		s[name] = payload
	}
	for name, payload := range simple {
		s[name] = payload
	}

	a := make(map[string]ArgumentDescriptor, len(t.argument)+len(argument))
	for name, desc := range t.argument {
		a[name] = desc
	}
	for name, desc := range argument {
		a[name] = desc
	}
	return NewTable(s, a)
}

// Encode builds the payload for name. An empty hexArgument selects the simple table.
func (t *Table) Encode(name, hexArgument string) ([]byte, error) {
	if hexArgument == "" {
		return t.EncodeSimple(name)
	}
	return t.EncodeWithArgument(name, hexArgument)
}

// EncodeSimple returns a copy of the fixed payload registered under name.
func (t *Table) EncodeSimple(name string) ([]byte, error) {
	payload, ok := t.simple[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotFound, name)
	}
	return clone(payload), nil
}

// EncodeWithArgument splices the big-endian hexArgument into the template of name.
// The argument must be exactly two hex digits per argument byte.
func (t *Table) EncodeWithArgument(name, hexArgument string) ([]byte, error) {
	desc, ok := t.argument[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotFound, name)
	}

	if len(hexArgument) != 2*desc.Length {
		return nil, fmt.Errorf("%w: %q must be %d hex digits", ErrArgumentBadEncoding, hexArgument, 2*desc.Length)
	}
	raw, err := hex.DecodeString(hexArgument)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrArgumentBadEncoding, hexArgument, err)
	}

	var value uint64
	for _, b := range raw {
		value = value<<8 | uint64(b)
	}
	if value < desc.Min || value > desc.Max {
		return nil, fmt.Errorf("%w: 0x%X not in [0x%X, 0x%X]", ErrArgumentOutOfRange, value, desc.Min, desc.Max)
	}

	payload := clone(desc.Template)
	copy(payload[desc.Offset:desc.Offset+desc.Length], raw)
	return payload, nil
}

// Simple returns a copy of the fixed payload for name.
func (t *Table) Simple(name string) ([]byte, bool) {
	payload, ok := t.simple[name]
	return clone(payload), ok
}

// Argument returns the descriptor for name.
func (t *Table) Argument(name string) (ArgumentDescriptor, bool) {
	desc, ok := t.argument[name]
	desc.Template = clone(desc.Template)
	return desc, ok
}

// SimpleNames returns the simple command names in lexical order.
func (t *Table) SimpleNames() []string {
	return sortedKeys(t.simple)
}

// ArgumentNames returns the argument command names in lexical order.
func (t *Table) ArgumentNames() []string {
	return sortedKeys(t.argument)
}

// ParseHex decodes a case-insensitive hex string such as "55FFAA".
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty hex string")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

// FormatHex renders a payload the way the command tables spell it.
func FormatHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
