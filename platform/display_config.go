package platform

import (
	"log/slog"
	"slices"

	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/log"
	"github.com/nlowe/hqttd/mqtt"
)

// DisplayConfigAPIName is the name of the DisplayConfigAPI command topic.
const DisplayConfigAPIName = "display_config"

// DisplaySet is the view of the tracked monitors a DisplayConfigAPI needs. presence.Reconciler implements it.
type DisplaySet interface {
	Present(name string) bool
	RawNames(names []string) []string
}

// DisplayConfigAPI applies a whole monitor layout in one step. The payload is a JSON array of the (resolved) names of
// the monitors to leave enabled. Every other monitor is disabled. A layout that would leave no monitor enabled is
// refused.
type DisplayConfigAPI struct {
	displays DisplaySet
	actuator MonitorActuator

	unmarshal mqtt.ValueUnmarshaler[[]string]

	log *slog.Logger
}

var _ entity.API = &DisplayConfigAPI{}

func NewDisplayConfigAPI(displays DisplaySet, actuator MonitorActuator) *DisplayConfigAPI {
	return &DisplayConfigAPI{
		displays:  displays,
		actuator:  actuator,
		unmarshal: mqtt.JsonValueUnmarshaler[[]string](),
		log:       log.ForComponent("platform.display_config"),
	}
}

func (a *DisplayConfigAPI) Name() string {
	return DisplayConfigAPIName
}

func (a *DisplayConfigAPI) HandleCommand(payload string) {
	requested, err := a.unmarshal([]byte(payload))
	if err != nil {
		a.log.With(log.Error(err), slog.String("payload", payload)).Error("Failed to parse display configuration")
		return
	}

	if len(requested) == 0 {
		a.log.Warn("Refusing to apply display configuration, it would leave zero monitors active")
		return
	}

	slices.Sort(requested)
	requested = slices.Compact(requested)

	valid := make([]string, 0, len(requested))
	for _, name := range requested {
		if !a.displays.Present(name) {
			a.log.With(slog.String("monitor", name)).Warn("Monitor is not available, ignoring")
			continue
		}

		valid = append(valid, name)
	}

	if len(valid) == 0 {
		a.log.Warn("Refusing to apply display configuration, no valid monitors would be active")
		return
	}

	a.log.With(slog.Any("monitors", valid)).Info("Applying display configuration")
	if err = a.actuator.Apply(a.displays.RawNames(valid)); err != nil {
		a.log.With(log.Error(err)).Error("Failed to apply display configuration")
	}
}
