// Package presence turns a changing set of hardware items into registered entities. Items that disappear are only
// unregistered after a grace period, so hardware that flickers off and back on (a monitor waking up, a dock
// re-enumerating) does not churn Home Assistant.
package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/log"
)

// DefaultGracePeriod is how long an item may be missing before its entity is unregistered.
const DefaultGracePeriod = 15 * time.Second

// DefaultOperationTimeout bounds every RegisterEntity and UnregisterEntity call made by a Reconciler.
const DefaultOperationTimeout = 10 * time.Second

// Source reports the hardware that is currently present, and the subset of it that is active.
type Source interface {
	Available() []Item
	// Active returns the raw names of active items.
	Active() []string

	AvailableChanged() event.Observable[struct{}]
	ActiveChanged() event.Observable[struct{}]
}

// Member is an entity tracked by a Reconciler. SetActive is called whenever the active subset changes.
type Member interface {
	entity.Entity

	SetActive(active bool)
}

// Factory creates the entity for a resolved name.
type Factory func(name string) Member

// Registrar is the part of registry.Registry a Reconciler depends on.
type Registrar interface {
	RegisterEntity(ctx context.Context, e entity.Entity) error
	UnregisterEntity(ctx context.Context, e entity.Entity)
}

// Timer is a pending call scheduled by AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run on its own goroutine after d. It matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// Options configures a Reconciler.
type Options struct {
	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration
	// Mapper may be nil.
	Mapper *NameMapper
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc AfterFunc
	// OperationTimeout defaults to DefaultOperationTimeout.
	OperationTimeout time.Duration
}

type tracked struct {
	member Member

	pending    Timer
	generation uint64
}

// Reconciler keeps one registered Member per item reported by a Source. Items are keyed by their resolved name.
type Reconciler struct {
	source   Source
	registry Registrar
	factory  Factory

	grace     time.Duration
	mapper    *NameMapper
	afterFunc AfterFunc
	opTimeout time.Duration

	// ops serializes reconciliation, expiry and Close so a key is never registered or unregistered twice at once.
	ops sync.Mutex

	mu      sync.RWMutex
	tracked map[string]*tracked
	present map[string]struct{}
	raw     map[string]string
	active  map[string]struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	detach []func()

	log *slog.Logger
}

// NewReconciler constructs a Reconciler. Nothing is registered until Start.
func NewReconciler(source Source, registry Registrar, factory Factory, opts Options) *Reconciler {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}

	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		source:   source,
		registry: registry,
		factory:  factory,

		grace:     opts.GracePeriod,
		mapper:    opts.Mapper,
		afterFunc: opts.AfterFunc,
		opTimeout: opts.OperationTimeout,

		tracked: map[string]*tracked{},
		present: map[string]struct{}{},
		raw:     map[string]string{},
		active:  map[string]struct{}{},

		ctx:    ctx,
		cancel: cancel,

		log: log.ForComponent("presence").With(slog.Duration("grace_period", opts.GracePeriod)),
	}
}

// Start registers a Member for every available item and starts following the Source.
func (r *Reconciler) Start(ctx context.Context) {
	r.reconcile(ctx)

	available := r.source.AvailableChanged().Subscribe(func(struct{}) {
		r.reconcile(r.ctx)
	})
	active := r.source.ActiveChanged().Subscribe(func(struct{}) {
		r.ops.Lock()
		defer r.ops.Unlock()

		r.refreshActive()
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	r.detach = append(r.detach,
		func() { r.source.AvailableChanged().Unsubscribe(available) },
		func() { r.source.ActiveChanged().Unsubscribe(active) },
	)
}

// Close stops following the Source and cancels every pending removal without firing it. Registered Members are left
// registered.
func (r *Reconciler) Close() {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true
	r.cancel()

	for _, fn := range r.detach {
		fn()
	}

	for _, t := range r.tracked {
		if t.pending != nil {
			t.pending.Stop()
			t.pending = nil
		}
	}
}

// Names returns the resolved names of every tracked item, including those pending removal, sorted.
func (r *Reconciler) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tracked))
	for name := range r.tracked {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

// Present reports whether name is currently reported by the Source.
func (r *Reconciler) Present(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.present[name]
	return ok
}

// RawName returns the raw name for the resolved name, so control operations can reach the underlying hardware.
func (r *Reconciler) RawName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	raw, ok := r.raw[name]
	return raw, ok
}

// RawNames maps every resolved name in names to its raw name, skipping names that are not tracked.
func (r *Reconciler) RawNames(names []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, 0, len(names))
	for _, name := range names {
		if raw, ok := r.raw[name]; ok {
			result = append(result, raw)
		}
	}

	return result
}

// IsActive reports whether the item with the resolved name is in the active subset.
func (r *Reconciler) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.active[name]
	return ok
}

// ActiveCount returns the size of the active subset.
func (r *Reconciler) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.active)
}

func (r *Reconciler) reconcile(ctx context.Context) {
	r.ops.Lock()
	defer r.ops.Unlock()

	if r.isClosed() {
		return
	}

	items := r.source.Available()

	present := make(map[string]struct{}, len(items))
	raw := make(map[string]string, len(items))
	for _, item := range items {
		name := r.mapper.Resolve(item)
		if other, ok := raw[name]; ok && other != item.Name {
			r.log.With(slog.String("name", name), slog.String("raw", item.Name), slog.String("other", other)).
				Warn("Multiple items resolve to the same name, ignoring duplicate")
			continue
		}

		present[name] = struct{}{}
		raw[name] = item.Name
	}

	r.mu.Lock()
	r.present = present
	for name, rawName := range raw {
		r.raw[name] = rawName
	}
	r.mu.Unlock()

	r.refreshActiveSet()

	var added []string
	for name := range present {
		r.mu.Lock()
		t, ok := r.tracked[name]
		if ok && t.pending != nil {
			t.pending.Stop()
			t.pending = nil
			t.generation++
			r.log.With(slog.String("name", name)).Info("Item came back, cancelled pending removal")
		}
		r.mu.Unlock()

		if !ok {
			added = append(added, name)
		}
	}

	slices.Sort(added)
	for _, name := range added {
		r.add(ctx, name)
	}

	r.mu.Lock()
	for name, t := range r.tracked {
		if _, ok := present[name]; ok || t.pending != nil {
			continue
		}

		t.generation++
		generation := t.generation
		t.pending = r.afterFunc(r.grace, func() {
			r.expire(name, generation)
		})

		r.log.With(slog.String("name", name)).Info("Item disappeared, scheduling removal")
	}
	r.mu.Unlock()

	r.applyActive()
}

func (r *Reconciler) add(ctx context.Context, name string) {
	member := r.factory(name)
	member.SetActive(r.IsActive(name))

	logger := r.log.With(slog.String("name", name), slog.Any("entity", entity.LogValue(member)))

	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.registry.RegisterEntity(ctx, member); err != nil {
		logger.With(log.Error(err)).Error("Failed to register entity")
		return
	}

	r.mu.Lock()
	r.tracked[name] = &tracked{member: member}
	r.mu.Unlock()

	logger.Info("Tracking new item")
}

// expire runs on the timer goroutine. It acts only if the removal it was scheduled for is still the current one.
func (r *Reconciler) expire(name string, generation uint64) {
	r.ops.Lock()
	defer r.ops.Unlock()

	r.mu.Lock()
	t, ok := r.tracked[name]
	_, present := r.present[name]
	if r.closed || !ok || t.pending == nil || t.generation != generation || present {
		r.mu.Unlock()
		return
	}

	delete(r.tracked, name)
	delete(r.raw, name)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, r.opTimeout)
	defer cancel()

	r.registry.UnregisterEntity(ctx, t.member)
	r.log.With(slog.String("name", name)).Info("Item gone for the grace period, removed")
}

func (r *Reconciler) refreshActive() {
	if r.isClosed() {
		return
	}

	r.refreshActiveSet()
	r.applyActive()
}

// refreshActiveSet resolves the Source's active raw names. It must be called with ops held.
func (r *Reconciler) refreshActiveSet() {
	rawActive := r.source.Active()

	r.mu.Lock()
	defer r.mu.Unlock()

	byRaw := make(map[string]string, len(r.raw))
	for name, raw := range r.raw {
		byRaw[raw] = name
	}

	active := make(map[string]struct{}, len(rawActive))
	for _, raw := range rawActive {
		name, ok := byRaw[raw]
		if !ok {
			name = r.mapper.ResolveName(raw)
		}

		active[name] = struct{}{}
	}

	r.active = active
}

// applyActive pushes the active subset to every tracked Member. It must be called with ops held.
func (r *Reconciler) applyActive() {
	r.mu.RLock()
	updates := make(map[Member]bool, len(r.tracked))
	for name, t := range r.tracked {
		_, ok := r.active[name]
		updates[t.member] = ok
	}
	r.mu.RUnlock()

	for member, active := range updates {
		member.SetActive(active)
	}
}

func (r *Reconciler) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.closed
}
