package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlowe/hqttd/discovery"
	"github.com/nlowe/hqttd/hass"
)

type button struct {
	Base

	pressed []string
}

func (b *button) HandleCommand(payload string) {
	b.pressed = append(b.pressed, payload)
}

type selector struct {
	StatefulBase

	options []string
}

func (s *selector) HandleCommand(string) {}

func (s *selector) Options() []string { return s.options }

type classified struct {
	StatefulBase
}

func (classified) DeviceClass() hass.DeviceClass { return hass.DeviceClassSwitch }

var testNamespace = Namespace{
	DiscoveryPrefix:   "homeassistant",
	AppPrefix:         "ha",
	DeviceID:          "pc1",
	DeviceName:        "Office PC",
	AvailabilityTopic: "hqttd/pc1/status",
}

func TestFacetsOf(t *testing.T) {
	for _, tt := range []struct {
		name string
		sut  Entity
		want Facets
	}{
		{
			name: "Base",
			sut:  NewBase(Info{Name: "a", Type: hass.EntityTypeSensor}),
			want: 0,
		},
		{
			name: "Commandable",
			sut:  &button{Base: NewBase(Info{Name: "b", Type: hass.EntityTypeButton})},
			want: FacetCommandable,
		},
		{
			name: "Stateful Selectable Commandable",
			sut:  &selector{StatefulBase: NewStatefulBase(Info{Name: "c", Type: hass.EntityTypeSelect}, false)},
			want: FacetStateful | FacetCommandable | FacetSelectable,
		},
		{
			name: "Classifiable",
			sut:  classified{NewStatefulBase(Info{Name: "d", Type: hass.EntityTypeBinarySensor}, false)},
			want: FacetStateful | FacetClassifiable,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, FacetsOf(tt.sut))
		})
	}
}

func TestFacetsString(t *testing.T) {
	assert.Equal(t, "none", Facets(0).String())
	assert.Equal(t, "stateful|selectable", (FacetStateful | FacetSelectable).String())
	assert.True(t, (FacetStateful | FacetCommandable).Has(FacetCommandable))
	assert.False(t, FacetStateful.Has(FacetStateful|FacetCommandable))
}

func TestNamespaceTopics(t *testing.T) {
	sut := &button{Base: NewBase(Info{Name: "sleep_computer", Type: hass.EntityTypeButton})}

	require.Equal(t, Topics{
		Discovery: "homeassistant/button/pc1_sleep_computer/config",
		State:     "ha/pc1/sleep_computer/state",
		Command:   "ha/pc1/sleep_computer/command",
	}, testNamespace.TopicsFor(sut))
}

func TestNamespaceDescriptor(t *testing.T) {
	t.Run("Commandable", func(t *testing.T) {
		sut := &button{Base: NewBase(Info{Name: "sleep_computer", PrettyName: "Sleep", Icon: hass.IconPowerSleep, Type: hass.EntityTypeButton})}

		got, err := testNamespace.Descriptor(sut)
		require.NoError(t, err)

		assert.Equal(t, discovery.Descriptor{
			Type:              hass.EntityTypeButton,
			Name:              "Sleep",
			UniqueID:          "sleep_computer",
			Icon:              hass.IconPowerSleep,
			AvailabilityTopic: "hqttd/pc1/status",
			HasCommand:        true,
			CommandTopic:      "ha/pc1/sleep_computer/command",
			Device:            discovery.Device{Name: "Office PC", Identifiers: []string{"pc1"}},
		}, got)
	})

	t.Run("Every Facet", func(t *testing.T) {
		sut := &selector{
			StatefulBase: NewStatefulBase(Info{Name: "audio", UniqueID: "audio_uid", Type: hass.EntityTypeSelect}, true),
			options:      []string{"b", "a"},
		}

		got, err := testNamespace.Descriptor(sut)
		require.NoError(t, err)

		assert.True(t, got.HasState)
		assert.True(t, got.Optimistic)
		assert.Equal(t, "ha/pc1/audio/state", got.StateTopic)
		assert.True(t, got.HasOptions)
		assert.Equal(t, []string{"b", "a"}, got.Options)
		assert.Equal(t, "audio_uid", got.UniqueID)
	})

	t.Run("Classifiable", func(t *testing.T) {
		got, err := testNamespace.Descriptor(classified{NewStatefulBase(Info{Name: "d", Type: hass.EntityTypeBinarySensor}, false)})
		require.NoError(t, err)
		assert.Equal(t, hass.DeviceClassSwitch, got.DeviceClass)
		assert.False(t, got.HasCommand)
	})

	t.Run("Unknown Type", func(t *testing.T) {
		_, err := testNamespace.Descriptor(NewBase(Info{Name: "x", Type: "device_tracker"}))
		require.ErrorIs(t, err, discovery.ErrUnknownEntityType)
	})
}

func TestStatefulBase(t *testing.T) {
	sut := &selector{StatefulBase: NewStatefulBase(Info{Name: "audio", Type: hass.EntityTypeSelect}, false)}

	_, known := sut.State()
	require.False(t, known)

	var notified []Entity
	id := sut.StateChanged().Subscribe(func(e Entity) {
		notified = append(notified, e)
	})

	require.True(t, sut.SetState(sut, "Speakers"))
	require.False(t, sut.SetState(sut, "Speakers"), "same state should not notify")
	require.True(t, sut.SetState(sut, "Headphones"))

	state, known := sut.State()
	assert.True(t, known)
	assert.Equal(t, "Headphones", state)
	assert.Len(t, notified, 2)
	assert.Same(t, sut, notified[0])

	sut.StateChanged().Unsubscribe(id)
	sut.SetState(sut, "Speakers")
	assert.Len(t, notified, 2)
}

func TestSetPowerState(t *testing.T) {
	sut := classified{NewStatefulBase(Info{Name: "d", Type: hass.EntityTypeSwitch}, false)}

	require.True(t, sut.SetPowerState(sut, false))
	state, _ := sut.State()
	require.Equal(t, "OFF", state)
}

func TestNotifyConfigChanged(t *testing.T) {
	sut := &button{Base: NewBase(Info{Name: "b", Type: hass.EntityTypeButton})}

	count := 0
	sut.ConfigChanged().Subscribe(func(e Entity) {
		require.Same(t, sut, e)
		count++
	})
	sut.NotifyConfigChanged(sut)

	require.Equal(t, 1, count)
}
