package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nlowe/hqttd/broker"
	"github.com/nlowe/hqttd/config"
	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/hook"
	hqttdlog "github.com/nlowe/hqttd/log"
	"github.com/nlowe/hqttd/mqtt/adapter/paho"
	"github.com/nlowe/hqttd/platform"
	"github.com/nlowe/hqttd/presence"
	"github.com/nlowe/hqttd/registry"
)

// agent owns every long-lived component of the daemon.
type agent struct {
	manager  *broker.Manager
	registry *registry.Registry
	power    *hook.Power

	displays   *hook.Displays
	reconciler *presence.Reconciler

	audio       *hook.Audio
	audioSelect *platform.AudioSelect

	processes []*platform.ProcessSwitch

	log *slog.Logger
}

func newAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	logger := hqttdlog.ForComponent("agent").With(
		slog.String("device_id", cfg.Agent.DeviceID),
		slog.String("broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)),
	)

	transport := paho.New(paho.Config{
		Host:      cfg.MQTT.Host,
		Port:      cfg.MQTT.Port,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		KeepAlive: cfg.MQTT.KeepAlive,
	})

	manager := broker.NewManager(transport, broker.Options{
		StatusTopic:    cfg.MQTT.StatusTopic,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PingInterval:   cfg.MQTT.PingInterval,
		RetryDelay:     cfg.MQTT.RetryDelay,
	})

	a := &agent{
		manager: manager,
		registry: registry.New(manager, entity.Namespace{
			DiscoveryPrefix:   cfg.MQTT.DiscoveryPrefix,
			AppPrefix:         cfg.Agent.AppPrefix,
			DeviceID:          cfg.Agent.DeviceID,
			DeviceName:        cfg.Agent.DeviceName,
			AvailabilityTopic: manager.StatusTopic(),
		}),
		power: hook.NewPower(hook.PowerCommands{
			Monitor:      cfg.Power.MonitorCommand,
			RestartDelay: cfg.Power.RestartDelay,
		}),
		log: logger,
	}

	if err := a.register(ctx, cfg); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// register creates and registers every configured entity and API. Registration errors are configuration mistakes, so
// the first one aborts startup.
func (a *agent) register(ctx context.Context, cfg *config.Config) error {
	if cfg.Sleep.Enabled {
		if err := a.registry.RegisterEntity(ctx, platform.NewSleepButton(hook.NewSleep(cfg.Sleep.Command, nil))); err != nil {
			return fmt.Errorf("registering sleep button: %w", err)
		}
	}

	if cfg.Displays.Enabled {
		a.displays = hook.NewDisplays(hook.DisplayCommands{
			List:         cfg.Displays.ListCommand,
			Enable:       cfg.Displays.EnableCommand,
			Apply:        cfg.Displays.ApplyCommand,
			PollInterval: cfg.Displays.PollInterval,
		}, nil)

		if err := a.displays.Poll(ctx); err != nil {
			a.log.With(hqttdlog.Error(err)).Warn("Failed to list displays, monitor switches will appear once the hook succeeds")
		}

		// The factory needs the reconciler it is passed to, so it is resolved lazily.
		var reconciler *presence.Reconciler
		a.reconciler = presence.NewReconciler(a.displays, a.registry, func(name string) presence.Member {
			return platform.NewMonitorSwitch(name, reconciler, a.displays)
		}, presence.Options{
			GracePeriod: cfg.Displays.GracePeriod,
			Mapper:      presence.NewNameMapper(cfg.NameMappings.Monitors),
		})
		reconciler = a.reconciler

		if err := a.registry.RegisterAPI(ctx, platform.NewDisplayConfigAPI(a.reconciler, a.displays)); err != nil {
			return fmt.Errorf("registering display configuration api: %w", err)
		}
	}

	if cfg.Audio.Enabled {
		a.audio = hook.NewAudio(hook.AudioCommands{
			List:         cfg.Audio.ListCommand,
			Select:       cfg.Audio.SelectCommand,
			PollInterval: cfg.Audio.PollInterval,
		}, nil)

		if err := a.audio.Poll(ctx); err != nil {
			a.log.With(hqttdlog.Error(err)).Warn("Failed to list audio outputs")
		}

		a.audioSelect = platform.NewAudioSelect(a.audio, presence.NewNameMapper(cfg.NameMappings.AudioDevices))
		if err := a.registry.RegisterEntity(ctx, a.audioSelect); err != nil {
			return fmt.Errorf("registering audio select: %w", err)
		}
	}

	for _, p := range cfg.ProcessSwitches {
		s := platform.NewProcessSwitch(entity.Info{
			Name:       p.Name,
			PrettyName: p.PrettyName,
			Icon:       p.Icon,
		}, hook.NewProcess(hook.ProcessCommands{
			Path:      p.Path,
			StartArgs: p.StartArgs,
			StopArgs:  p.StopArgs,
		}, nil, nil), p.PollInterval)

		if err := a.registry.RegisterEntity(ctx, s); err != nil {
			return fmt.Errorf("registering process switch %s: %w", p.Name, err)
		}

		a.processes = append(a.processes, s)
	}

	return nil
}

// run blocks until ctx is cancelled. The broker publishes its offline status before run returns.
func (a *agent) run(ctx context.Context) error {
	defer a.close()

	a.log.With(slog.Any("entities", a.registry.Entities())).Info("Starting up")

	stopWatchingPower := a.manager.WatchPower(a.power)
	defer stopWatchingPower()

	if a.reconciler != nil {
		a.reconciler.Start(ctx)
	}

	var wg sync.WaitGroup
	wg.Go(func() { a.power.Run(ctx) })

	if a.displays != nil {
		wg.Go(func() { a.displays.Run(ctx) })
	}

	if a.audio != nil {
		wg.Go(func() { a.audio.Run(ctx) })
	}

	for _, p := range a.processes {
		wg.Go(func() { p.Run(ctx) })
	}

	err := a.manager.Run(ctx)
	wg.Wait()

	a.log.Info("Shut down")
	return err
}

func (a *agent) close() {
	if a.reconciler != nil {
		a.reconciler.Close()
	}

	if a.audioSelect != nil {
		a.audioSelect.Close()
	}

	a.registry.Close()
}
