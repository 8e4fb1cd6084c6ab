package entity

import (
	"github.com/nlowe/hqttd/discovery"
	"github.com/nlowe/hqttd/mqtt"
)

// Namespace holds the prefixes and device identity every topic is derived from.
type Namespace struct {
	DiscoveryPrefix string
	AppPrefix       string
	DeviceID        string
	DeviceName      string

	// AvailabilityTopic is the shared status topic the connection manager publishes online/offline to.
	AvailabilityTopic string
}

// Topics are the topics derived from an entity name.
type Topics struct {
	Discovery string
	State     string
	Command   string
}

// StateTopic returns `<app prefix>/<device id>/<name>/state`.
func (n Namespace) StateTopic(name string) string {
	return mqtt.JoinTopic(n.AppPrefix, n.DeviceID, name, "state")
}

// CommandTopic returns `<app prefix>/<device id>/<name>/command`. Raw APIs use the same shape.
func (n Namespace) CommandTopic(name string) string {
	return mqtt.JoinTopic(n.AppPrefix, n.DeviceID, name, "command")
}

// TopicsFor derives every topic for e. State and Command are set even if e lacks the matching facet.
func (n Namespace) TopicsFor(e Entity) Topics {
	return Topics{
		Discovery: discovery.Topic(n.DiscoveryPrefix, e.Type(), n.DeviceID, e.Name()),
		State:     n.StateTopic(e.Name()),
		Command:   n.CommandTopic(e.Name()),
	}
}

// Device returns the device block shared by every entity in this Namespace.
func (n Namespace) Device() discovery.Device {
	return discovery.NewDevice(n.DeviceID, n.DeviceName)
}

// Descriptor builds the discovery descriptor for e. It returns discovery.ErrUnknownEntityType (possibly joined with
// other validation errors) if the descriptor would be rejected.
func (n Namespace) Descriptor(e Entity) (discovery.Descriptor, error) {
	facets := FacetsOf(e)
	topics := n.TopicsFor(e)

	d := discovery.Descriptor{
		Type:              e.Type(),
		Name:              e.PrettyName(),
		UniqueID:          e.UniqueID(),
		Icon:              e.Icon(),
		AvailabilityTopic: n.AvailabilityTopic,
		Device:            n.Device(),
	}

	if s, ok := e.(Stateful); ok {
		d.HasState = true
		d.StateTopic = topics.State
		d.Optimistic = s.Optimistic()
	}

	if facets.Has(FacetCommandable) {
		d.HasCommand = true
		d.CommandTopic = topics.Command
	}

	if s, ok := e.(Selectable); ok {
		d.HasOptions = true
		d.Options = s.Options()
	}

	if c, ok := e.(Classifiable); ok {
		d.DeviceClass = c.DeviceClass()
	}

	return d, d.Validate()
}
