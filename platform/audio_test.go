package platform

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/hass"
	"github.com/nlowe/hqttd/presence"
)

type fakeAudioManager struct {
	mu sync.Mutex

	devices  []AudioDevice
	listErr  error
	selected []string

	changed event.Feed[struct{}]
}

func (f *fakeAudioManager) Devices() ([]AudioDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.devices), f.listErr
}

func (f *fakeAudioManager) SetActiveDevice(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.selected = append(f.selected, id)
	return nil
}

func (f *fakeAudioManager) DevicesChanged() event.Observable[struct{}] {
	return &f.changed
}

func (f *fakeAudioManager) set(devices ...AudioDevice) {
	f.mu.Lock()
	f.devices = devices
	f.mu.Unlock()

	f.changed.Emit(struct{}{})
}

func TestAudioSelect(t *testing.T) {
	manager := &fakeAudioManager{devices: []AudioDevice{
		{ID: "alsa_output.hdmi", Name: "Built-in Audio Digital Stereo (HDMI)"},
		{ID: "alsa_output.usb", Name: "Headset", Active: true},
	}}

	sut := NewAudioSelect(manager, presence.NewNameMapper(map[string]string{
		"Built-in Audio Digital Stereo (HDMI)": "TV",
	}))
	defer sut.Close()

	assert.Equal(t, AudioSelectName, sut.Name())
	assert.Equal(t, "Audio", sut.PrettyName())
	assert.Equal(t, hass.IconVolumeHigh, sut.Icon())
	assert.Equal(t, hass.EntityTypeSelect, sut.Type())
	assert.False(t, sut.Optimistic())
	assert.Equal(t, entity.FacetStateful|entity.FacetCommandable|entity.FacetSelectable, entity.FacetsOf(sut))

	assert.Equal(t, []string{"Headset", "TV"}, sut.Options())
	state, known := sut.State()
	require.True(t, known)
	assert.Equal(t, "Headset", state)

	var configChanges, stateChanges int
	sut.ConfigChanged().Subscribe(func(entity.Entity) { configChanges++ })
	sut.StateChanged().Subscribe(func(entity.Entity) { stateChanges++ })

	t.Run("Active Device Changed", func(t *testing.T) {
		manager.set(
			AudioDevice{ID: "alsa_output.hdmi", Name: "Built-in Audio Digital Stereo (HDMI)", Active: true},
			AudioDevice{ID: "alsa_output.usb", Name: "Headset"},
		)

		state, _ := sut.State()
		assert.Equal(t, "TV", state)
		assert.Equal(t, 0, configChanges)
		assert.Equal(t, 1, stateChanges)
	})

	t.Run("Device Set Changed", func(t *testing.T) {
		manager.set(
			AudioDevice{ID: "alsa_output.hdmi", Name: "Built-in Audio Digital Stereo (HDMI)", Active: true},
			AudioDevice{ID: "alsa_output.usb", Name: "Headset"},
			AudioDevice{ID: "bluez_output", Name: "Speaker"},
		)

		assert.Equal(t, []string{"Headset", "Speaker", "TV"}, sut.Options())
		assert.Equal(t, 1, configChanges)
		assert.Equal(t, 1, stateChanges)
	})

	t.Run("Select", func(t *testing.T) {
		sut.HandleCommand("TV")
		sut.HandleCommand("Speaker")
		sut.HandleCommand("Built-in Audio Digital Stereo (HDMI)")
		sut.HandleCommand("Nope")

		assert.Equal(t, []string{"alsa_output.hdmi", "bluez_output"}, manager.selected)
	})

	t.Run("List Failure Keeps Previous Options", func(t *testing.T) {
		manager.mu.Lock()
		manager.listErr = errors.New("pactl exploded")
		manager.mu.Unlock()

		manager.changed.Emit(struct{}{})
		assert.Equal(t, []string{"Headset", "Speaker", "TV"}, sut.Options())
	})
}

func TestAudioSelectClose(t *testing.T) {
	manager := &fakeAudioManager{}
	sut := NewAudioSelect(manager, nil)

	require.Equal(t, 1, manager.changed.Len())
	sut.Close()
	require.Zero(t, manager.changed.Len())

	state, known := sut.State()
	assert.True(t, known)
	assert.Empty(t, state)
	assert.Empty(t, sut.Options())
}
