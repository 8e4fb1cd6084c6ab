package presence

import (
	"maps"
	"strings"
)

// Item is one piece of hardware reported by a Source.
type Item struct {
	// Name is the raw name the platform uses to address the item.
	Name string
	// Identifier is a vendor, model and serial identifier like the EDID based "SAM-7796-HNTXA00720". It may be empty,
	// or omit the serial.
	Identifier string
}

// NameMapper resolves raw hardware names to the names shown in Home Assistant. A nil NameMapper resolves every item
// to its raw name.
type NameMapper struct {
	mappings map[string]string
}

// NewNameMapper constructs a NameMapper from mappings. Keys are identifiers (with or without the serial) or raw names.
// Mappings to an empty name are ignored.
func NewNameMapper(mappings map[string]string) *NameMapper {
	m := maps.Clone(mappings)
	maps.DeleteFunc(m, func(_, v string) bool {
		return strings.TrimSpace(v) == ""
	})

	return &NameMapper{mappings: m}
}

// Resolve returns the display name for item. It tries the full identifier, then the model-only identifier, then the
// raw name, and falls back to the raw name if nothing matches.
func (n *NameMapper) Resolve(item Item) string {
	if n == nil || len(n.mappings) == 0 {
		return item.Name
	}

	if item.Identifier != "" {
		if name, ok := n.mappings[item.Identifier]; ok {
			return name
		}

		if model := modelIdentifier(item.Identifier); model != item.Identifier {
			if name, ok := n.mappings[model]; ok {
				return name
			}
		}
	}

	if name, ok := n.mappings[item.Name]; ok {
		return name
	}

	return item.Name
}

// ResolveName is Resolve for items without an identifier.
func (n *NameMapper) ResolveName(raw string) string {
	return n.Resolve(Item{Name: raw})
}

// Len returns the number of mappings.
func (n *NameMapper) Len() int {
	if n == nil {
		return 0
	}

	return len(n.mappings)
}

// modelIdentifier strips the serial from "MFG-PRODUCT-SERIAL".
func modelIdentifier(identifier string) string {
	parts := strings.SplitN(identifier, "-", 3)
	if len(parts) < 3 {
		return identifier
	}

	return parts[0] + "-" + parts[1]
}
