package entity

import (
	"sync"

	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/hass"
)

// Info is the static identity of an Entity.
type Info struct {
	Name       string
	PrettyName string
	// If empty, Name is used.
	UniqueID string
	Icon     string
	Type     hass.EntityType
}

// Base implements Entity from an Info. Embed it and call NotifyConfigChanged when the descriptor changes.
type Base struct {
	info          Info
	configChanged *event.Feed[Entity]
}

// NewBase constructs a Base for info.
func NewBase(info Info) Base {
	if info.UniqueID == "" {
		info.UniqueID = info.Name
	}

	return Base{
		info:          info,
		configChanged: event.NewFeed[Entity](info.Name + ".config"),
	}
}

func (b Base) Name() string          { return b.info.Name }
func (b Base) PrettyName() string    { return b.info.PrettyName }
func (b Base) UniqueID() string      { return b.info.UniqueID }
func (b Base) Icon() string          { return b.info.Icon }
func (b Base) Type() hass.EntityType { return b.info.Type }

func (b Base) ConfigChanged() event.Observable[Entity] {
	return b.configChanged
}

// NotifyConfigChanged tells observers that self needs its descriptor republished.
func (b Base) NotifyConfigChanged(self Entity) {
	b.configChanged.Emit(self)
}

type stateCell struct {
	mu sync.RWMutex

	state string
	known bool
}

// StatefulBase extends Base with the state half of Stateful.
type StatefulBase struct {
	Base

	optimistic   bool
	cell         *stateCell
	stateChanged *event.Feed[Entity]
}

// NewStatefulBase constructs a StatefulBase with an unknown state.
func NewStatefulBase(info Info, optimistic bool) StatefulBase {
	return StatefulBase{
		Base:         NewBase(info),
		optimistic:   optimistic,
		cell:         &stateCell{},
		stateChanged: event.NewFeed[Entity](info.Name + ".state"),
	}
}

func (b StatefulBase) State() (string, bool) {
	b.cell.mu.RLock()
	defer b.cell.mu.RUnlock()

	return b.cell.state, b.cell.known
}

func (b StatefulBase) Optimistic() bool {
	return b.optimistic
}

func (b StatefulBase) StateChanged() event.Observable[Entity] {
	return b.stateChanged
}

// SetState records state and notifies observers with self. Setting the state it already holds is a no-op. It reports
// whether observers were notified.
func (b StatefulBase) SetState(self Entity, state string) bool {
	b.cell.mu.Lock()
	if b.cell.known && b.cell.state == state {
		b.cell.mu.Unlock()
		return false
	}

	b.cell.state, b.cell.known = state, true
	b.cell.mu.Unlock()

	b.stateChanged.Emit(self)
	return true
}

// SetPowerState is SetState for on/off entities.
func (b StatefulBase) SetPowerState(self Entity, on bool) bool {
	return b.SetState(self, string(hass.PowerStateOf(on)))
}
