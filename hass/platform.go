package hass

// EntityType is the Home Assistant MQTT platform an entity is discovered as. It selects the discovery topic
// (`<prefix>/<type>/<object id>/config`) and the schema Home Assistant applies to the descriptor.
type EntityType string

const (
	EntityTypeBinarySensor EntityType = "binary_sensor"
	EntityTypeButton       EntityType = "button"
	EntityTypeLight        EntityType = "light"
	EntityTypeNumber       EntityType = "number"
	EntityTypeSelect       EntityType = "select"
	EntityTypeSensor       EntityType = "sensor"
	EntityTypeSwitch       EntityType = "switch"
	EntityTypeText         EntityType = "text"
)

// Valid reports whether t is one of the platforms this module knows how to describe.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeBinarySensor,
		EntityTypeButton,
		EntityTypeLight,
		EntityTypeNumber,
		EntityTypeSelect,
		EntityTypeSensor,
		EntityTypeSwitch,
		EntityTypeText:
		return true
	default:
		return false
	}
}

// DeviceClass refines how the frontend renders an entity of a given EntityType.
type DeviceClass string

const (
	DeviceClassSwitch  DeviceClass = "switch"
	DeviceClassOutlet  DeviceClass = "outlet"
	DeviceClassRestart DeviceClass = "restart"
)

// Icons used by the entities shipped with hqttd.
const (
	IconPowerSleep  = "mdi:power-sleep"
	IconMonitor     = "mdi:monitor"
	IconVolumeHigh  = "mdi:volume-high"
	IconApplication = "mdi:application"
)
