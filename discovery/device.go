package discovery

import "net/url"

// Constants for the device and origin blocks shared by every entity discovery payload.
const (
	FieldDevice      = "dev"
	FieldOrigin      = "o"
	FieldIdentifiers = "ids"
)

// Device groups every entity published by one agent under a single Home Assistant device. It is encoded as the `dev`
// block of each entity's discovery payload.
//
// See https://www.home-assistant.io/integrations/mqtt/#discovery-payload
type Device struct {
	// The name of the device.
	Name string `json:"name,omitempty"`

	// A list of IDs that uniquely identify the device. Home Assistant requires at least one.
	Identifiers []string `json:"ids"`
}

// NewDevice constructs a Device identified by id. If name is empty, id is used as the name.
func NewDevice(id, name string) Device {
	if name == "" {
		name = id
	}

	return Device{Name: name, Identifiers: []string{id}}
}

// Origin provides information about the software providing devices over MQTT to Home Assistant. The origin details
// are logged in the Home Assistant core event log when an item is discovered or updated.
type Origin struct {
	// The name of the application that is the origin of the discovered MQTT item.
	Name string `json:"name"`
	// Software version of the application that supplies the discovered MQTT item.
	SoftwareVersion string `json:"sw,omitempty"`
	// Support URL of the application that supplies the discovered MQTT item.
	SupportURL *url.URL `json:"url,omitempty"`
}

var (
	hqttdSupportUrl, _ = url.Parse("https://github.com/nlowe/hqttd")

	// DefaultOrigin is used for descriptors that do not otherwise specify one.
	DefaultOrigin = Origin{
		Name:            "hqttd",
		SoftwareVersion: "master",
		SupportURL:      hqttdSupportUrl,
	}
)
