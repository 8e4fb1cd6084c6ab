package hook

import (
	"cmp"
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
	"github.com/nlowe/hqttd/presence"
)

const commandTimeout = 10 * time.Second

// DisplayCommands configures Displays.
type DisplayCommands struct {
	// List prints a JSON array of monitors:
	//
	//	[{"name": "DP-1", "identifier": "SAM-7796-HNTXA00720", "active": true}]
	//
	// The identifier is optional.
	List []string
	// Enable is invoked with `<raw name> on` or `<raw name> off` appended.
	Enable []string
	// Apply is invoked with the raw names of the monitors to leave enabled appended.
	Apply []string

	PollInterval time.Duration
}

type displayEntry struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier,omitempty"`
	Active     bool   `json:"active"`
}

// Displays is a presence.Source and platform.MonitorActuator backed by DisplayCommands.
type Displays struct {
	cmds DisplayCommands
	run  Runner

	// polling serializes Poll so notifications are raised in the order the lists were read.
	polling sync.Mutex

	mu        sync.RWMutex
	polled    bool
	available []presence.Item
	active    []string

	availableChanged *event.Feed[struct{}]
	activeChanged    *event.Feed[struct{}]

	log *slog.Logger
}

var (
	_ presence.Source          = &Displays{}
	_ platform.MonitorActuator = &Displays{}
)

// NewDisplays constructs Displays. A nil run uses Run.
func NewDisplays(cmds DisplayCommands, run Runner) *Displays {
	if run == nil {
		run = Run
	}

	return &Displays{
		cmds: cmds,
		run:  run,

		availableChanged: event.NewFeed[struct{}]("hook.displays.available"),
		activeChanged:    event.NewFeed[struct{}]("hook.displays.active"),

		log: log.ForComponent("hook.displays"),
	}
}

func (d *Displays) Available() []presence.Item {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Clone(d.available)
}

func (d *Displays) Active() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Clone(d.active)
}

func (d *Displays) AvailableChanged() event.Observable[struct{}] {
	return d.availableChanged
}

func (d *Displays) ActiveChanged() event.Observable[struct{}] {
	return d.activeChanged
}

// Run polls the list command until ctx is cancelled.
func (d *Displays) Run(ctx context.Context) {
	poll(ctx, d.log, d.cmds.PollInterval, d.Poll)
}

// Poll runs the list command once and raises change notifications for whatever changed.
func (d *Displays) Poll(ctx context.Context) error {
	d.polling.Lock()
	defer d.polling.Unlock()

	out, err := d.run(ctx, d.cmds.List)
	if err != nil {
		return fmt.Errorf("list displays: %w", err)
	}

	var entries []displayEntry
	if err = json.Unmarshal(out, &entries); err != nil {
		return fmt.Errorf("parse display list: %w", err)
	}

	available := make([]presence.Item, 0, len(entries))
	var active []string
	for _, e := range entries {
		if e.Name == "" {
			continue
		}

		available = append(available, presence.Item{Name: e.Name, Identifier: e.Identifier})
		if e.Active {
			active = append(active, e.Name)
		}
	}

	slices.SortFunc(available, func(a, b presence.Item) int {
		return cmp.Compare(a.Name, b.Name)
	})
	slices.Sort(active)

	d.mu.Lock()
	first := !d.polled
	availableChanged := first || !slices.Equal(d.available, available)
	activeChanged := first || !slices.Equal(d.active, active)
	d.polled = true
	d.available, d.active = available, active
	d.mu.Unlock()

	if first {
		// Users need the identifiers to write name mappings.
		for _, item := range available {
			d.log.With(slog.String("name", item.Name), slog.String("identifier", item.Identifier)).Info("Discovered monitor")
		}
	}

	if availableChanged {
		d.availableChanged.Emit(struct{}{})
	}

	if activeChanged {
		d.activeChanged.Emit(struct{}{})
	}

	return nil
}

func (d *Displays) SetEnabled(raw string, enabled bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	state := "off"
	if enabled {
		state = "on"
	}

	if _, err := d.run(ctx, with(d.cmds.Enable, raw, state)); err != nil {
		return fmt.Errorf("switch display %q %s: %w", raw, state, err)
	}

	d.refresh(ctx)
	return nil
}

func (d *Displays) Apply(raws []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if _, err := d.run(ctx, with(d.cmds.Apply, raws...)); err != nil {
		return fmt.Errorf("apply display configuration %v: %w", raws, err)
	}

	d.refresh(ctx)
	return nil
}

// refresh polls right after a change so the new state is published without waiting for the next tick.
func (d *Displays) refresh(ctx context.Context) {
	if err := d.Poll(ctx); err != nil {
		d.log.With(log.Error(err)).Warn("Failed to refresh displays after change")
	}
}
