package hook

import (
	"context"
	"encoding/json/v2"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/log"
	"github.com/nlowe/hqttd/platform"
)

// AudioCommands configures Audio.
type AudioCommands struct {
	// List prints a JSON array of audio outputs:
	//
	//	[{"id": "alsa_output.pci-0000_00_1f.3.hdmi-stereo", "name": "Built-in Audio Digital Stereo (HDMI)", "active": true}]
	List []string
	// Select is invoked with the id of the output to make the default appended.
	Select []string

	PollInterval time.Duration
}

type audioEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Audio is a platform.AudioManager backed by AudioCommands. Devices returns the result of the most recent Poll.
type Audio struct {
	cmds AudioCommands
	run  Runner

	polling sync.Mutex

	mu      sync.RWMutex
	devices []platform.AudioDevice

	changed *event.Feed[struct{}]

	log *slog.Logger
}

var _ platform.AudioManager = &Audio{}

// NewAudio constructs Audio. A nil run uses Run.
func NewAudio(cmds AudioCommands, run Runner) *Audio {
	if run == nil {
		run = Run
	}

	return &Audio{
		cmds:    cmds,
		run:     run,
		changed: event.NewFeed[struct{}]("hook.audio.changed"),
		log:     log.ForComponent("hook.audio"),
	}
}

func (a *Audio) Devices() ([]platform.AudioDevice, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return slices.Clone(a.devices), nil
}

func (a *Audio) DevicesChanged() event.Observable[struct{}] {
	return a.changed
}

func (a *Audio) SetActiveDevice(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := a.run(ctx, with(a.cmds.Select, id)); err != nil {
		return fmt.Errorf("select audio device %q: %w", id, err)
	}

	if err := a.Poll(ctx); err != nil {
		a.log.With(log.Error(err)).Warn("Failed to refresh audio devices after change")
	}

	return nil
}

// Run polls the list command until ctx is cancelled.
func (a *Audio) Run(ctx context.Context) {
	poll(ctx, a.log, a.cmds.PollInterval, a.Poll)
}

// Poll runs the list command once and raises DevicesChanged if anything changed.
func (a *Audio) Poll(ctx context.Context) error {
	a.polling.Lock()
	defer a.polling.Unlock()

	out, err := a.run(ctx, a.cmds.List)
	if err != nil {
		return fmt.Errorf("list audio devices: %w", err)
	}

	var entries []audioEntry
	if err = json.Unmarshal(out, &entries); err != nil {
		return fmt.Errorf("parse audio device list: %w", err)
	}

	devices := make([]platform.AudioDevice, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}

		devices = append(devices, platform.AudioDevice{ID: e.ID, Name: e.Name, Active: e.Active})
	}

	a.mu.Lock()
	changed := !slices.Equal(a.devices, devices)
	a.devices = devices
	a.mu.Unlock()

	if changed {
		a.log.With(slog.Int("count", len(devices))).Debug("Audio devices changed")
		a.changed.Emit(struct{}{})
	}

	return nil
}
