// Package entity describes the capabilities hqttd exposes to Home Assistant. An Entity is plain data plus a behavior
// contract. It never touches MQTT itself: the registry derives topics and discovery descriptors from it and routes
// commands back to it.
//
// Optional behavior is expressed with facet interfaces (Stateful, Commandable, Selectable, Classifiable). They are
// checked once with FacetsOf so callers can branch on a Facets set instead of repeating type assertions.
package entity

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/hass"
)

// Entity is implemented by everything that is published with a discovery descriptor.
type Entity interface {
	// Name is stable for the life of the entity and derives every topic. It must be unique within a registry.
	Name() string
	PrettyName() string
	UniqueID() string
	Icon() string
	Type() hass.EntityType

	// ConfigChanged notifies observers that the discovery descriptor must be published again.
	ConfigChanged() event.Observable[Entity]
}

// Stateful entities publish a current state to their state topic.
type Stateful interface {
	Entity

	// State returns the current state, or false if it is not known yet.
	State() (string, bool)
	Optimistic() bool

	// StateChanged notifies observers when State changes.
	StateChanged() event.Observable[Entity]
}

// Commandable entities receive the payload of every message published to their command topic.
type Commandable interface {
	Entity

	HandleCommand(payload string)
}

// Selectable entities offer a set of options. Order is irrelevant.
type Selectable interface {
	Entity

	Options() []string
}

// Classifiable entities carry a Home Assistant device class.
type Classifiable interface {
	Entity

	DeviceClass() hass.DeviceClass
}

// API is a raw command endpoint. It has a command topic but no discovery descriptor or state.
type API interface {
	Name() string
	HandleCommand(payload string)
}

// Facets is the set of optional interfaces an Entity implements.
type Facets uint8

const (
	FacetStateful Facets = 1 << iota
	FacetCommandable
	FacetSelectable
	FacetClassifiable
)

// FacetsOf checks which facet interfaces e implements.
func FacetsOf(e Entity) Facets {
	var f Facets

	if _, ok := e.(Stateful); ok {
		f |= FacetStateful
	}

	if _, ok := e.(Commandable); ok {
		f |= FacetCommandable
	}

	if _, ok := e.(Selectable); ok {
		f |= FacetSelectable
	}

	if _, ok := e.(Classifiable); ok {
		f |= FacetClassifiable
	}

	return f
}

// Has reports whether every facet in other is present in f.
func (f Facets) Has(other Facets) bool {
	return f&other == other
}

func (f Facets) String() string {
	var names []string
	for _, facet := range []struct {
		f    Facets
		name string
	}{
		{FacetStateful, "stateful"},
		{FacetCommandable, "commandable"},
		{FacetSelectable, "selectable"},
		{FacetClassifiable, "classifiable"},
	} {
		if f.Has(facet.f) {
			names = append(names, facet.name)
		}
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, "|")
}

func (f Facets) LogValue() slog.Value {
	return slog.StringValue(f.String())
}

// LogValue returns a slog.Value describing e.
func LogValue(e Entity) slog.Value {
	return slog.GroupValue(
		slog.String("name", e.Name()),
		slog.String("type", string(e.Type())),
		slog.Any("facets", FacetsOf(e)),
	)
}

// Describe is a convenience for fmt-style error messages.
func Describe(e Entity) string {
	return fmt.Sprintf("%s %q", e.Type(), e.Name())
}
