package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/hass"
	"github.com/nlowe/hqttd/log"
)

const (
	// DefaultProcessPollInterval is how often a ProcessSwitch checks whether its process is running.
	DefaultProcessPollInterval = 1 * time.Second

	processCommandTimeout = 10 * time.Second
)

// Process starts, stops and inspects one application.
type Process interface {
	Running(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ProcessSwitch reports whether an application is running and starts or stops it on command. The state is only ever
// updated by polling, so a command that fails to change anything leaves it untouched.
//
// See https://www.home-assistant.io/integrations/switch.mqtt/.
type ProcessSwitch struct {
	entity.StatefulBase

	process  Process
	interval time.Duration

	log *slog.Logger
}

var (
	_ entity.Commandable  = &ProcessSwitch{}
	_ entity.Classifiable = &ProcessSwitch{}
)

// NewProcessSwitch constructs a ProcessSwitch. The type is always hass.EntityTypeSwitch and the icon defaults to
// hass.IconApplication. A non-positive interval uses DefaultProcessPollInterval.
func NewProcessSwitch(info entity.Info, process Process, interval time.Duration) *ProcessSwitch {
	info.Type = hass.EntityTypeSwitch
	if info.Icon == "" {
		info.Icon = hass.IconApplication
	}

	if interval <= 0 {
		interval = DefaultProcessPollInterval
	}

	return &ProcessSwitch{
		StatefulBase: entity.NewStatefulBase(info, false),

		process:  process,
		interval: interval,

		log: log.ForComponent("platform.process").With(log.Entity(info.Name)),
	}
}

func (p *ProcessSwitch) DeviceClass() hass.DeviceClass {
	return hass.DeviceClassSwitch
}

// Run polls the process until ctx is cancelled. The first poll happens immediately.
func (p *ProcessSwitch) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll checks the process once and updates the state if it changed.
func (p *ProcessSwitch) Poll(ctx context.Context) {
	running, err := p.process.Running(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.With(log.Error(err)).Warn("Failed to check whether the process is running")
		}

		return
	}

	if p.SetPowerState(p, running) {
		p.log.With(slog.Bool("running", running)).Debug("Process state changed")
	}
}

func (p *ProcessSwitch) HandleCommand(payload string) {
	desired, err := hass.ParsePowerState(payload)
	if err != nil {
		p.log.With(log.Error(err)).Warn("Invalid command")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), processCommandTimeout)
	defer cancel()

	if desired == hass.PowerStateOn {
		if err = p.process.Start(ctx); err != nil {
			p.log.With(log.Error(err)).Error("Failed to start process")
		}

		return
	}

	if err = p.process.Stop(ctx); err != nil {
		p.log.With(log.Error(err)).Error("Failed to stop process")
	}
}
