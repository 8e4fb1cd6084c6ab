package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlowe/hqttd/hass"
)

const testOrigin = `"o":{"name":"hqttd","sw":"master","url":"https://github.com/nlowe/hqttd"}`

func TestDescriptorMarshal(t *testing.T) {
	device := NewDevice("pc1", "Office PC")

	for _, tt := range []struct {
		name string
		sut  Descriptor
		want string
	}{
		{
			name: "Button",
			sut: Descriptor{
				Type:              hass.EntityTypeButton,
				Name:              "Sleep",
				UniqueID:          "sleep_computer",
				Icon:              hass.IconPowerSleep,
				AvailabilityTopic: "hqttd/pc1/status",
				HasCommand:        true,
				CommandTopic:      "ha/pc1/sleep_computer/command",
				Device:            device,
			},
			want: `{"name":"Sleep","uniq_id":"sleep_computer","ic":"mdi:power-sleep","avty_t":"hqttd/pc1/status",` +
				`"cmd_t":"ha/pc1/sleep_computer/command","dev":{"name":"Office PC","ids":["pc1"]},` + testOrigin + `}`,
		},
		{
			name: "Switch emits opt when false",
			sut: Descriptor{
				Type:              hass.EntityTypeSwitch,
				Name:              "DELL U2720Q",
				UniqueID:          "display_dell_u2720q",
				Icon:              hass.IconMonitor,
				AvailabilityTopic: "status",
				HasState:          true,
				StateTopic:        "ha/pc1/display_dell_u2720q/state",
				HasCommand:        true,
				CommandTopic:      "ha/pc1/display_dell_u2720q/command",
				DeviceClass:       hass.DeviceClassSwitch,
				Device:            device,
			},
			want: `{"name":"DELL U2720Q","uniq_id":"display_dell_u2720q","ic":"mdi:monitor","avty_t":"status",` +
				`"stat_t":"ha/pc1/display_dell_u2720q/state","opt":false,"cmd_t":"ha/pc1/display_dell_u2720q/command",` +
				`"dev_cla":"switch","dev":{"name":"Office PC","ids":["pc1"]},` + testOrigin + `}`,
		},
		{
			name: "Select sorts options",
			sut: Descriptor{
				Type:              hass.EntityTypeSelect,
				Name:              "Audio",
				UniqueID:          "audio",
				AvailabilityTopic: "status",
				HasState:          true,
				StateTopic:        "ha/pc1/audio/state",
				Optimistic:        true,
				HasOptions:        true,
				Options:           []string{"Speakers", "Headphones", "Speakers"},
				Device:            device,
			},
			want: `{"name":"Audio","uniq_id":"audio","avty_t":"status","stat_t":"ha/pc1/audio/state","opt":true,` +
				`"ops":["Headphones","Speakers"],"dev":{"name":"Office PC","ids":["pc1"]},` + testOrigin + `}`,
		},
		{
			name: "Select without options",
			sut: Descriptor{
				Type:              hass.EntityTypeSelect,
				UniqueID:          "audio",
				AvailabilityTopic: "status",
				HasOptions:        true,
				Device:            device,
				Origin:            &Origin{Name: "test"},
			},
			want: `{"name":null,"uniq_id":"audio","avty_t":"status","ops":[],"dev":{"name":"Office PC","ids":["pc1"]},` +
				`"o":{"name":"test"}}`,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.sut.Marshal()
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(got))
			require.Equal(t, tt.want, string(got), "field order should be stable")
		})
	}
}

func TestDescriptorOptionsNotMutated(t *testing.T) {
	options := []string{"b", "a"}
	sut := Descriptor{
		Type:              hass.EntityTypeSelect,
		UniqueID:          "x",
		AvailabilityTopic: "status",
		HasOptions:        true,
		Options:           options,
		Device:            NewDevice("pc1", ""),
	}

	_, err := sut.Marshal()
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, options)
}

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{
		Type:              hass.EntityTypeButton,
		UniqueID:          "x",
		AvailabilityTopic: "status",
		Device:            NewDevice("pc1", ""),
	}
	require.NoError(t, valid.Validate())

	t.Run("Unknown Type", func(t *testing.T) {
		sut := valid
		sut.Type = "device_tracker"

		require.ErrorIs(t, sut.Validate(), ErrUnknownEntityType)

		_, err := sut.Marshal()
		require.ErrorIs(t, err, ErrUnknownEntityType)
	})

	t.Run("Missing Unique ID", func(t *testing.T) {
		sut := valid
		sut.UniqueID = ""

		require.ErrorIs(t, sut.Validate(), ErrValueRequired)
	})

	t.Run("Missing Topics", func(t *testing.T) {
		sut := valid
		sut.AvailabilityTopic = ""
		sut.HasState = true
		sut.HasCommand = true

		err := sut.Validate()
		require.ErrorIs(t, err, ErrTopicRequired)
		assert.Contains(t, err.Error(), "availability")
		assert.Contains(t, err.Error(), "state")
		assert.Contains(t, err.Error(), "command")
	})

	t.Run("Missing Device", func(t *testing.T) {
		sut := valid
		sut.Device = Device{}

		require.ErrorIs(t, sut.Validate(), ErrValueRequired)
	})
}

func TestTopic(t *testing.T) {
	require.Equal(
		t,
		"homeassistant/button/pc1_sleep_computer/config",
		Topic(DefaultPrefix, hass.EntityTypeButton, "pc1", "sleep_computer"),
	)
}

func TestNewDevice(t *testing.T) {
	assert.Equal(t, Device{Name: "pc1", Identifiers: []string{"pc1"}}, NewDevice("pc1", ""))
	assert.Equal(t, Device{Name: "Office", Identifiers: []string{"pc1"}}, NewDevice("pc1", "Office"))
}
