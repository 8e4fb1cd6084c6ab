package hass

import (
	"fmt"

	"github.com/nlowe/hqttd/mqtt"
)

// PowerState represents generic on/off state for devices. This may or may not refer to physical power depending on the
// underlying entity (For example, a process switch reports PowerStateOn while the process is running).
type PowerState string

var (
	PowerStateMarshaler mqtt.ValueMarshaler[PowerState] = func(v PowerState) ([]byte, error) {
		return mqtt.StringMarshaler(string(v))
	}

	PowerStateUnmarshaler mqtt.ValueUnmarshaler[PowerState] = func(bytes []byte) (PowerState, error) {
		v, err := mqtt.StringUnmarshaler(bytes)
		if err != nil {
			return "", err
		}

		return ParsePowerState(v)
	}
)

const (
	PowerStateOn  PowerState = "ON"
	PowerStateOff PowerState = "OFF"
)

// ErrInvalidPowerState is returned by ParsePowerState for payloads other than ON or OFF.
var ErrInvalidPowerState = fmt.Errorf("invalid power state")

// PowerStateOf returns PowerStateOn if on is true, PowerStateOff otherwise.
func PowerStateOf(on bool) PowerState {
	if on {
		return PowerStateOn
	}

	return PowerStateOff
}

// ParsePowerState parses a switch command payload. The payload must be exactly ON or OFF.
func ParsePowerState(payload string) (PowerState, error) {
	switch v := PowerState(payload); v {
	case PowerStateOn, PowerStateOff:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPowerState, payload)
	}
}
