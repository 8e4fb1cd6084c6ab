package platform

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/hass"
	"github.com/nlowe/hqttd/log"
	"github.com/nlowe/hqttd/presence"
)

// AudioSelectName is the entity name of the AudioSelect.
const AudioSelectName = "audio"

// AudioDevice is an audio output reported by an AudioManager.
type AudioDevice struct {
	ID string
	// Name is the user-friendly name reported by the platform, before name mapping.
	Name   string
	Active bool
}

// AudioManager lists audio outputs and switches the default one.
type AudioManager interface {
	Devices() ([]AudioDevice, error)
	SetActiveDevice(id string) error

	// DevicesChanged is raised when the device list or the active device may have changed.
	DevicesChanged() event.Observable[struct{}]
}

// AudioSelect selects the default audio output. The options are the mapped device names and the state is the name of
// the active device.
//
// See https://www.home-assistant.io/integrations/select.mqtt/.
type AudioSelect struct {
	entity.StatefulBase

	manager AudioManager
	mapper  *presence.NameMapper

	mu      sync.RWMutex
	options []string
	sub     event.ID

	log *slog.Logger
}

var (
	_ entity.Selectable  = &AudioSelect{}
	_ entity.Commandable = &AudioSelect{}
)

// NewAudioSelect constructs an AudioSelect and loads the current devices from manager. mapper may be nil. Call Close
// to stop following manager.
func NewAudioSelect(manager AudioManager, mapper *presence.NameMapper) *AudioSelect {
	a := &AudioSelect{
		StatefulBase: entity.NewStatefulBase(entity.Info{
			Name:       AudioSelectName,
			PrettyName: "Audio",
			Icon:       hass.IconVolumeHigh,
			Type:       hass.EntityTypeSelect,
		}, false),

		manager: manager,
		mapper:  mapper,

		log: log.ForComponent("platform.audio").With(log.Entity(AudioSelectName)),
	}

	a.Refresh()
	a.sub = manager.DevicesChanged().Subscribe(func(struct{}) {
		a.Refresh()
	})

	return a
}

func (a *AudioSelect) Options() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return slices.Clone(a.options)
}

func (a *AudioSelect) HandleCommand(payload string) {
	devices, err := a.manager.Devices()
	if err != nil {
		a.log.With(log.Error(err)).Error("Failed to list audio devices")
		return
	}

	i := slices.IndexFunc(devices, func(d AudioDevice) bool {
		return a.mapper.ResolveName(d.Name) == payload
	})

	if i < 0 {
		a.log.With(slog.String("device", payload)).Warn("Audio device not found")
		return
	}

	if err = a.manager.SetActiveDevice(devices[i].ID); err != nil {
		a.log.With(log.Error(err), slog.String("device", payload), slog.String("id", devices[i].ID)).Error("Failed to select audio device")
	}
}

// Refresh reloads the device list. A changed set of names raises config-changed and a changed active device raises
// state-changed.
func (a *AudioSelect) Refresh() {
	devices, err := a.manager.Devices()
	if err != nil {
		a.log.With(log.Error(err)).Warn("Failed to list audio devices")
		return
	}

	options := make([]string, 0, len(devices))
	active := ""
	for _, d := range devices {
		name := a.mapper.ResolveName(d.Name)
		options = append(options, name)

		if d.Active && active == "" {
			active = name
		}
	}

	slices.Sort(options)
	options = slices.Compact(options)

	a.mu.Lock()
	changed := !slices.Equal(a.options, options)
	a.options = options
	a.mu.Unlock()

	if changed {
		a.log.With(slog.Any("options", options)).Debug("Audio devices changed")
		a.NotifyConfigChanged(a)
	}

	a.SetState(a, active)
}

// Close stops following the AudioManager.
func (a *AudioSelect) Close() {
	a.manager.DevicesChanged().Unsubscribe(a.sub)
}
