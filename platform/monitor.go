package platform

import (
	"log/slog"
	"strings"

	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/hass"
	"github.com/nlowe/hqttd/log"
	"github.com/nlowe/hqttd/presence"
)

// MonitorActuator turns monitors on and off. Monitors are addressed by their raw platform name.
type MonitorActuator interface {
	SetEnabled(raw string, enabled bool) error
	// Apply enables exactly the monitors in raws and disables every other one.
	Apply(raws []string) error
}

// Displays is the view of the tracked monitors a MonitorSwitch needs. presence.Reconciler implements it.
type Displays interface {
	ActiveCount() int
	RawName(name string) (string, bool)
}

var monitorNameReplacer = strings.NewReplacer(" ", "_", "-", "_")

// MonitorEntityName derives the entity name for a monitor: `display_` plus the lowercased monitor name with spaces
// and dashes replaced by underscores.
func MonitorEntityName(monitor string) string {
	return "display_" + monitorNameReplacer.Replace(strings.ToLower(monitor))
}

// MonitorSwitch turns a single monitor on and off. Its state follows the active set reported by the display source,
// not the commands it receives.
//
// See https://www.home-assistant.io/integrations/switch.mqtt/.
type MonitorSwitch struct {
	entity.StatefulBase

	monitor  string
	displays Displays
	actuator MonitorActuator

	log *slog.Logger
}

var (
	_ entity.Commandable  = &MonitorSwitch{}
	_ entity.Classifiable = &MonitorSwitch{}
	_ presence.Member     = &MonitorSwitch{}
)

// NewMonitorSwitch constructs a MonitorSwitch for the monitor with the (resolved) name monitor.
func NewMonitorSwitch(monitor string, displays Displays, actuator MonitorActuator) *MonitorSwitch {
	name := MonitorEntityName(monitor)

	return &MonitorSwitch{
		StatefulBase: entity.NewStatefulBase(entity.Info{
			Name:       name,
			PrettyName: monitor,
			Icon:       hass.IconMonitor,
			Type:       hass.EntityTypeSwitch,
		}, false),

		monitor:  monitor,
		displays: displays,
		actuator: actuator,

		log: log.ForComponent("platform.monitor").With(log.Entity(name), slog.String("monitor", monitor)),
	}
}

// MonitorSwitches returns a presence.Factory creating a MonitorSwitch for every tracked monitor.
func MonitorSwitches(displays Displays, actuator MonitorActuator) presence.Factory {
	return func(name string) presence.Member {
		return NewMonitorSwitch(name, displays, actuator)
	}
}

func (m *MonitorSwitch) DeviceClass() hass.DeviceClass {
	return hass.DeviceClassSwitch
}

func (m *MonitorSwitch) SetActive(active bool) {
	m.SetPowerState(m, active)
}

func (m *MonitorSwitch) enabled() bool {
	state, known := m.State()
	return known && state == string(hass.PowerStateOn)
}

func (m *MonitorSwitch) HandleCommand(payload string) {
	desired, err := hass.ParsePowerState(payload)
	if err != nil {
		m.log.With(log.Error(err)).Warn("Invalid command")
		return
	}

	if desired == hass.PowerStateOff && m.enabled() && m.displays.ActiveCount() <= 1 {
		m.log.Warn("Refusing to disable the last active monitor")
		return
	}

	raw, ok := m.displays.RawName(m.monitor)
	if !ok {
		raw = m.monitor
	}

	if err = m.actuator.SetEnabled(raw, desired == hass.PowerStateOn); err != nil {
		m.log.With(log.Error(err), slog.String("raw", raw), slog.Any("desired", desired)).Error("Failed to switch monitor")
	}
}
