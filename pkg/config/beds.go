package config

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Bed is one configured address/label pair.
type Bed struct {
	Address string
	Label   string
}

// Beds maps peripheral addresses to labels, preserving file order.
// Addresses and labels are each unique.
type Beds struct {
	byAddress *orderedmap.OrderedMap[string, string]
	labels    map[string]string // label -> address
}

func NewBeds() *Beds {
	return &Beds{
		byAddress: orderedmap.New[string, string](),
		labels:    make(map[string]string),
	}
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Add registers address under label.
func (b *Beds) Add(address, label string) error {
	addr := normalizeAddress(address)
	label = strings.TrimSpace(label)
	switch {
	case addr == "":
		return fmt.Errorf("bed %q: address cannot be empty", label)
	case label == "":
		return fmt.Errorf("bed %q: label cannot be empty", address)
	case strings.Contains(label, "/"):
		return fmt.Errorf("bed %q: label cannot contain '/'", label)
	}
	if existing, ok := b.byAddress.Get(addr); ok {
		return fmt.Errorf("duplicate bed address %q (labels %q and %q)", addr, existing, label)
	}
	if existing, ok := b.labels[label]; ok {
		return fmt.Errorf("duplicate bed label %q (addresses %q and %q)", label, existing, addr)
	}
	b.byAddress.Set(addr, label)
	b.labels[label] = addr
	return nil
}

func (b *Beds) Len() int {
	return b.byAddress.Len()
}

// Label returns the label configured for address.
func (b *Beds) Label(address string) (string, bool) {
	return b.byAddress.Get(normalizeAddress(address))
}

// List returns the beds in configuration order.
func (b *Beds) List() []Bed {
	out := make([]Bed, 0, b.byAddress.Len())
	for pair := b.byAddress.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, Bed{Address: pair.Key, Label: pair.Value})
	}
	return out
}

// UnmarshalYAML reads a mapping of address: label, rejecting duplicates.
func (b *Beds) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: beds must be a mapping of address: label", node.Line)
	}

	fresh := NewBeds()
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Kind != yaml.ScalarNode || value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: bed entries must be scalar address: label pairs", key.Line)
		}
		if err := fresh.Add(key.Value, value.Value); err != nil {
			return fmt.Errorf("line %d: %w", key.Line, err)
		}
	}
	*b = *fresh
	return nil
}

// MarshalYAML writes the beds back in configuration order.
func (b *Beds) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, bed := range b.List() {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: bed.Address, Style: yaml.DoubleQuotedStyle},
			&yaml.Node{Kind: yaml.ScalarNode, Value: bed.Label},
		)
	}
	return node, nil
}
