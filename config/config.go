// Package config loads the hqttd configuration from a YAML file.
//
// Values are resolved in order: built-in defaults, then the YAML file, then HQTTD_* environment variables. The result
// is validated before it is returned, so callers can rely on every required value being present.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nlowe/hqttd/mqtt"
)

// ErrInvalid is wrapped by the error Validate returns.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Agent           AgentConfig           `yaml:"agent"`
	MQTT            MQTTConfig            `yaml:"mqtt"`
	Logging         LoggingConfig         `yaml:"logging"`
	Displays        DisplaysConfig        `yaml:"displays"`
	Audio           AudioConfig           `yaml:"audio"`
	NameMappings    NameMappingsConfig    `yaml:"name_mappings"`
	Sleep           SleepConfig           `yaml:"sleep"`
	Power           PowerConfig           `yaml:"power"`
	ProcessSwitches []ProcessSwitchConfig `yaml:"process_switches"`
}

// AgentConfig identifies this host in Home Assistant.
type AgentConfig struct {
	// DeviceID is part of every topic and groups every entity under one device.
	DeviceID   string `yaml:"device_id"`
	DeviceName string `yaml:"device_name"`
	// AppPrefix is the first level of state and command topics.
	AppPrefix string `yaml:"app_prefix"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ClientID defaults to hqttd-<device id>-<random uuid>.
	ClientID string `yaml:"client_id"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// StatusTopic defaults to <app prefix>/<device id>/status.
	StatusTopic     string `yaml:"status_topic"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// LoggingConfig configures the log handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// DisplaysConfig configures the monitor switches and the display configuration API.
type DisplaysConfig struct {
	Enabled bool `yaml:"enabled"`

	// GracePeriod is how long a monitor may be missing before its switch is removed.
	GracePeriod  time.Duration `yaml:"grace_period"`
	PollInterval time.Duration `yaml:"poll_interval"`

	ListCommand   []string `yaml:"list_command"`
	EnableCommand []string `yaml:"enable_command"`
	ApplyCommand  []string `yaml:"apply_command"`
}

// AudioConfig configures the audio output select.
type AudioConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`

	ListCommand   []string `yaml:"list_command"`
	SelectCommand []string `yaml:"select_command"`
}

// NameMappingsConfig maps hardware names to the names shown in Home Assistant.
type NameMappingsConfig struct {
	// Monitors keys are EDID identifiers with or without the serial ("SAM-7796-HNTXA00720", "SAM-7796") or the name
	// the platform reports.
	Monitors map[string]string `yaml:"monitors"`
	// AudioDevices keys are the device names the platform reports.
	AudioDevices map[string]string `yaml:"audio_devices"`
}

// SleepConfig configures the sleep button.
type SleepConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command []string `yaml:"command"`
}

// PowerConfig configures suspend and resume detection.
type PowerConfig struct {
	// MonitorCommand prints `suspend` and `resume` lines. If empty, the connection is never suspended.
	MonitorCommand []string      `yaml:"monitor_command"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
}

// ProcessSwitchConfig describes one application exposed as a switch.
type ProcessSwitchConfig struct {
	Name       string `yaml:"name"`
	PrettyName string `yaml:"pretty_name"`
	Icon       string `yaml:"icon"`

	Path      string   `yaml:"path"`
	StartArgs []string `yaml:"start_args"`
	StopArgs  []string `yaml:"stop_args"`

	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the configuration used for any value the file does not set.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DeviceID:   "hqttd",
			DeviceName: "hqttd",
			AppPrefix:  "hqttd",
		},
		MQTT: MQTTConfig{
			Host:            "127.0.0.1",
			Port:            1883,
			DiscoveryPrefix: "homeassistant",
			KeepAlive:       30 * time.Second,
			ConnectTimeout:  1 * time.Second,
			PingInterval:    5 * time.Second,
			RetryDelay:      1 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Displays: DisplaysConfig{
			GracePeriod:  15 * time.Second,
			PollInterval: 5 * time.Second,
		},
		Audio: AudioConfig{
			PollInterval: 5 * time.Second,
		},
		Sleep: SleepConfig{
			Enabled: true,
			Command: []string{"systemctl", "suspend"},
		},
		Power: PowerConfig{
			RestartDelay: 5 * time.Second,
		},
	}
}

// Load reads the configuration file at path on top of Default, applies environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err = applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.deriveDefaults()

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WriteDefault writes Default to path as YAML. An existing file is not overwritten.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}

	if _, err = f.Write(data); err != nil {
		return errors.Join(fmt.Errorf("writing config file: %w", err), f.Close())
	}

	return f.Close()
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("HQTTD_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}

	if v := os.Getenv("HQTTD_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HQTTD_MQTT_PORT: %w", err)
		}

		cfg.MQTT.Port = port
	}

	if v := os.Getenv("HQTTD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}

	if v := os.Getenv("HQTTD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	if v := os.Getenv("HQTTD_DEVICE_ID"); v != "" {
		cfg.Agent.DeviceID = v
	}

	if v := os.Getenv("HQTTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

func (c *Config) deriveDefaults() {
	if strings.TrimSpace(c.Agent.DeviceName) == "" {
		c.Agent.DeviceName = c.Agent.DeviceID
	}

	if strings.TrimSpace(c.MQTT.StatusTopic) == "" && c.Agent.AppPrefix != "" && c.Agent.DeviceID != "" {
		c.MQTT.StatusTopic = mqtt.JoinTopic(c.Agent.AppPrefix, c.Agent.DeviceID, "status")
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = fmt.Sprintf("hqttd-%s-%s", c.Agent.DeviceID, uuid.NewString())
	}
}

// Validate checks the configuration for missing or inconsistent values. Every problem found is reported in one error
// wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Agent.DeviceID) == "" {
		errs = append(errs, "agent.device_id is required")
	} else if strings.ContainsAny(c.Agent.DeviceID, "/+#") {
		errs = append(errs, "agent.device_id must not contain /, + or #")
	}

	if strings.TrimSpace(c.Agent.AppPrefix) == "" {
		errs = append(errs, "agent.app_prefix is required")
	}

	if strings.TrimSpace(c.MQTT.Host) == "" {
		errs = append(errs, "mqtt.host is required")
	}

	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 1 and 65535")
	}

	if (c.MQTT.Username == "") != (c.MQTT.Password == "") {
		errs = append(errs, "mqtt.username and mqtt.password must both be set or both be empty")
	}

	if strings.TrimSpace(c.MQTT.StatusTopic) == "" {
		errs = append(errs, "mqtt.status_topic is required")
	}

	if strings.TrimSpace(c.MQTT.DiscoveryPrefix) == "" {
		errs = append(errs, "mqtt.discovery_prefix is required")
	}

	for name, d := range map[string]time.Duration{
		"mqtt.keep_alive":        c.MQTT.KeepAlive,
		"mqtt.connect_timeout":   c.MQTT.ConnectTimeout,
		"mqtt.ping_interval":     c.MQTT.PingInterval,
		"mqtt.retry_delay":       c.MQTT.RetryDelay,
		"displays.grace_period":  c.Displays.GracePeriod,
		"displays.poll_interval": c.Displays.PollInterval,
		"audio.poll_interval":    c.Audio.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	if c.Displays.Enabled {
		if len(c.Displays.ListCommand) == 0 {
			errs = append(errs, "displays.list_command is required when displays are enabled")
		}

		if len(c.Displays.EnableCommand) == 0 {
			errs = append(errs, "displays.enable_command is required when displays are enabled")
		}
	}

	if c.Audio.Enabled && (len(c.Audio.ListCommand) == 0 || len(c.Audio.SelectCommand) == 0) {
		errs = append(errs, "audio.list_command and audio.select_command are required when audio is enabled")
	}

	if c.Sleep.Enabled && len(c.Sleep.Command) == 0 {
		errs = append(errs, "sleep.command is required when sleep is enabled")
	}

	seen := map[string]struct{}{}
	for i, p := range c.ProcessSwitches {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Sprintf("process_switches[%d].name is required", i))
		} else if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Sprintf("process_switches[%d].name %q is used more than once", i, p.Name))
		} else {
			seen[p.Name] = struct{}{}
		}

		if strings.TrimSpace(p.PrettyName) == "" {
			errs = append(errs, fmt.Sprintf("process_switches[%d].pretty_name is required", i))
		}

		if strings.TrimSpace(p.Path) == "" {
			errs = append(errs, fmt.Sprintf("process_switches[%d].path is required", i))
		}
	}

	if len(errs) > 0 {
		// Map iteration above makes the order unstable.
		slices.Sort(errs)
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	return nil
}
