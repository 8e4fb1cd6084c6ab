package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hqttd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
agent:
  device_id: pc1
  device_name: Desktop
  app_prefix: ha
mqtt:
  host: broker.lan
  username: hqttd
  password: secret
displays:
  enabled: true
  grace_period: 30s
  list_command: [kscreen-hook, list]
  enable_command: [kscreen-hook, enable]
name_mappings:
  monitors:
    SAM-7796: Odyssey
process_switches:
  - name: steam
    pretty_name: Steam
    path: /usr/bin/steam
    start_args: [-silent]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pc1", cfg.Agent.DeviceID)
	assert.Equal(t, "Desktop", cfg.Agent.DeviceName)
	assert.Equal(t, "broker.lan", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port, "unset values keep their default")
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, "ha/pc1/status", cfg.MQTT.StatusTopic)
	assert.True(t, strings.HasPrefix(cfg.MQTT.ClientID, "hqttd-pc1-"), cfg.MQTT.ClientID)

	assert.True(t, cfg.Displays.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Displays.GracePeriod)
	assert.Equal(t, 5*time.Second, cfg.Displays.PollInterval)
	assert.Equal(t, []string{"kscreen-hook", "list"}, cfg.Displays.ListCommand)
	assert.Equal(t, map[string]string{"SAM-7796": "Odyssey"}, cfg.NameMappings.Monitors)

	require.Len(t, cfg.ProcessSwitches, 1)
	assert.Equal(t, "/usr/bin/steam", cfg.ProcessSwitches[0].Path)
	assert.Equal(t, []string{"-silent"}, cfg.ProcessSwitches[0].StartArgs)

	assert.Equal(t, []string{"systemctl", "suspend"}, cfg.Sleep.Command)
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  client_id: desk
  status_topic: custom/status
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "desk", cfg.MQTT.ClientID)
	assert.Equal(t, "custom/status", cfg.MQTT.StatusTopic)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HQTTD_MQTT_HOST", "10.0.0.2")
	t.Setenv("HQTTD_MQTT_PORT", "8883")
	t.Setenv("HQTTD_MQTT_USERNAME", "user")
	t.Setenv("HQTTD_MQTT_PASSWORD", "pass")
	t.Setenv("HQTTD_DEVICE_ID", "laptop")
	t.Setenv("HQTTD_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "mqtt:\n  host: ignored\n"))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2", cfg.MQTT.Host)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "user", cfg.MQTT.Username)
	assert.Equal(t, "pass", cfg.MQTT.Password)
	assert.Equal(t, "laptop", cfg.Agent.DeviceID)
	assert.Equal(t, "debug", cfg.Logging.Level)

	t.Run("Invalid Port", func(t *testing.T) {
		t.Setenv("HQTTD_MQTT_PORT", "mqtt")

		_, err := Load(writeConfig(t, ""))
		require.Error(t, err)
	})
}

func TestLoadErrors(t *testing.T) {
	t.Run("Missing File", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Invalid YAML", func(t *testing.T) {
		_, err := Load(writeConfig(t, "mqtt: [host"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalid)
	})

	t.Run("Validation", func(t *testing.T) {
		_, err := Load(writeConfig(t, "mqtt:\n  host: \" \"\n"))
		require.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "mqtt.host is required")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.deriveDefaults()

		return cfg
	}

	require.NoError(t, valid().Validate())

	for _, tt := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "Blank Device ID",
			mutate: func(c *Config) { c.Agent.DeviceID = "" },
			want:   "agent.device_id is required",
		},
		{
			name:   "Wildcard Device ID",
			mutate: func(c *Config) { c.Agent.DeviceID = "pc/+" },
			want:   "agent.device_id must not contain",
		},
		{
			name:   "Username Without Password",
			mutate: func(c *Config) { c.MQTT.Username = "user" },
			want:   "mqtt.username and mqtt.password must both be set or both be empty",
		},
		{
			name:   "Password Without Username",
			mutate: func(c *Config) { c.MQTT.Password = "pass" },
			want:   "mqtt.username and mqtt.password must both be set or both be empty",
		},
		{
			name:   "Blank Status Topic",
			mutate: func(c *Config) { c.MQTT.StatusTopic = "  " },
			want:   "mqtt.status_topic is required",
		},
		{
			name:   "Blank Discovery Prefix",
			mutate: func(c *Config) { c.MQTT.DiscoveryPrefix = "" },
			want:   "mqtt.discovery_prefix is required",
		},
		{
			name:   "Port Out Of Range",
			mutate: func(c *Config) { c.MQTT.Port = 70000 },
			want:   "mqtt.port must be between 1 and 65535",
		},
		{
			name:   "Zero Grace Period",
			mutate: func(c *Config) { c.Displays.GracePeriod = 0 },
			want:   "displays.grace_period must be positive",
		},
		{
			name:   "Displays Without Commands",
			mutate: func(c *Config) { c.Displays.Enabled = true },
			want:   "displays.list_command is required",
		},
		{
			name:   "Audio Without Commands",
			mutate: func(c *Config) { c.Audio.Enabled = true },
			want:   "audio.list_command and audio.select_command are required",
		},
		{
			name:   "Sleep Without Command",
			mutate: func(c *Config) { c.Sleep.Command = nil },
			want:   "sleep.command is required",
		},
		{
			name: "Incomplete Process Switch",
			mutate: func(c *Config) {
				c.ProcessSwitches = []ProcessSwitchConfig{{Name: "steam"}}
			},
			want: "process_switches[0].path is required",
		},
		{
			name: "Duplicate Process Switch",
			mutate: func(c *Config) {
				p := ProcessSwitchConfig{Name: "steam", PrettyName: "Steam", Path: "/usr/bin/steam"}
				c.ProcessSwitches = []ProcessSwitchConfig{p, p}
			},
			want: `process_switches[1].name "steam" is used more than once`,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hqttd.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().MQTT.Host, cfg.MQTT.Host)
	assert.Equal(t, Default().Displays.GracePeriod, cfg.Displays.GracePeriod)

	require.Error(t, WriteDefault(path), "an existing file is never overwritten")
}
