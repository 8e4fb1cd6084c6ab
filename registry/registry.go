// Package registry keeps registered entities and raw APIs synchronized onto MQTT. It publishes discovery descriptors
// and state, owns the command topic namespace, routes inbound commands, and replays everything each time the broker
// connection comes back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/nlowe/hqttd/discovery"
	"github.com/nlowe/hqttd/entity"
	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/hass"
	"github.com/nlowe/hqttd/log"
	"github.com/nlowe/hqttd/mqtt"
)

var (
	// ErrDuplicateEntity is returned by Registry.RegisterEntity when an entity with the same name is registered.
	ErrDuplicateEntity = errors.New("entity already registered")
	// ErrTopicClaimed is returned when a command topic is already owned by another entity or API.
	ErrTopicClaimed = errors.New("command topic already claimed")
)

// Broker is the part of broker.Manager the registry depends on.
type Broker interface {
	mqtt.Writer
	mqtt.Subscriber

	IsConnected() bool
	Connected() event.Observable[struct{}]
	Messages() event.Observable[mqtt.Message]
}

type registration struct {
	entity entity.Entity
	facets entity.Facets
	topics entity.Topics

	configSub event.ID
	stateSub  event.ID
}

func (r *registration) stateful() (entity.Stateful, bool) {
	s, ok := r.entity.(entity.Stateful)
	return s, ok
}

// Registry is the set of registered entities and APIs. The zero value is not usable, call New.
type Registry struct {
	broker Broker
	ns     entity.Namespace

	mu         sync.RWMutex
	entities   []*registration
	byName     map[string]*registration
	apis       map[string]entity.API
	commands   map[string]func(payload string)
	tombstones map[string]struct{}

	hassStatus *mqtt.RemoteValue[hass.Availability]

	// ctx bounds fire-and-forget publishes and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	detach    []func()

	log *slog.Logger
}

// New constructs a Registry publishing through b with topics derived from ns. It immediately starts listening for
// connected events and inbound messages on b.
func New(b Broker, ns entity.Namespace) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		broker: b,
		ns:     ns,

		byName:     map[string]*registration{},
		apis:       map[string]entity.API{},
		commands:   map[string]func(string){},
		tombstones: map[string]struct{}{},

		hassStatus: discovery.HomeAssistantAvailability(ns.DiscoveryPrefix),

		ctx:    ctx,
		cancel: cancel,

		log: log.ForComponent("registry").With(slog.String("device_id", ns.DeviceID)),
	}

	connected := b.Connected().Subscribe(func(struct{}) {
		r.log.Debug("Broker connected, resynchronizing")
		r.Resync(r.ctx)
	})
	messages := b.Messages().Subscribe(r.route)
	birth := r.hassStatus.Watch(r.onHassStatus)

	r.detach = append(r.detach,
		func() { b.Connected().Unsubscribe(connected) },
		func() { b.Messages().Unsubscribe(messages) },
		func() { r.hassStatus.Unwatch(birth) },
	)

	return r
}

// Namespace returns the Namespace topics are derived from.
func (r *Registry) Namespace() entity.Namespace {
	return r.ns
}

// RegisterEntity adds e to the registry. The descriptor is validated first, so an unknown entity type fails with
// discovery.ErrUnknownEntityType. A duplicate name fails with ErrDuplicateEntity and a command topic owned by another
// entity or API fails with ErrTopicClaimed. If the broker is connected the descriptor, state and command
// subscription are published immediately. Failures doing so are logged, not returned.
func (r *Registry) RegisterEntity(ctx context.Context, e entity.Entity) error {
	desc, err := r.ns.Descriptor(e)
	if err != nil {
		return fmt.Errorf("register %s: %w", entity.Describe(e), err)
	}

	reg := &registration{
		entity: e,
		facets: entity.FacetsOf(e),
		topics: r.ns.TopicsFor(e),
	}

	r.mu.Lock()
	if _, ok := r.byName[e.Name()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", entity.Describe(e), ErrDuplicateEntity)
	}

	if reg.facets.Has(entity.FacetCommandable) {
		if _, ok := r.commands[reg.topics.Command]; ok {
			r.mu.Unlock()
			return fmt.Errorf("register %s: %w: %s", entity.Describe(e), ErrTopicClaimed, reg.topics.Command)
		}

		r.commands[reg.topics.Command] = e.(entity.Commandable).HandleCommand
	}

	reg.configSub = e.ConfigChanged().Subscribe(r.onConfigChanged)
	if s, ok := reg.stateful(); ok {
		reg.stateSub = s.StateChanged().Subscribe(r.onStateChanged)
	}

	r.entities = append(r.entities, reg)
	r.byName[e.Name()] = reg
	delete(r.tombstones, reg.topics.Discovery)
	r.mu.Unlock()

	logger := r.log.With(slog.Any("entity", entity.LogValue(e)))
	logger.Info("Registered entity")

	if !r.broker.IsConnected() {
		return nil
	}

	r.publishDescriptor(ctx, reg, &desc)
	if _, ok := reg.stateful(); ok {
		r.publishState(ctx, reg)
	}

	if reg.facets.Has(entity.FacetCommandable) {
		r.subscribe(ctx, reg.topics.Command)
	}

	return nil
}

// UnregisterEntity removes e, publishes a retained tombstone to its discovery topic and unsubscribes its command topic.
// It is a no-op unless e itself is registered: a stale instance sharing the name of a newer registration is ignored.
// A tombstone that cannot be published now is published on
// the next connect instead.
func (r *Registry) UnregisterEntity(ctx context.Context, e entity.Entity) {
	r.mu.Lock()
	reg, ok := r.byName[e.Name()]
	if !ok || !sameInstance(reg.entity, e) {
		r.mu.Unlock()
		return
	}

	delete(r.byName, e.Name())
	r.entities = slices.DeleteFunc(r.entities, func(other *registration) bool {
		return other == reg
	})

	if reg.facets.Has(entity.FacetCommandable) {
		delete(r.commands, reg.topics.Command)
	}

	reg.entity.ConfigChanged().Unsubscribe(reg.configSub)
	if s, ok := reg.stateful(); ok {
		s.StateChanged().Unsubscribe(reg.stateSub)
	}

	r.tombstones[reg.topics.Discovery] = struct{}{}
	r.mu.Unlock()

	r.log.With(slog.Any("entity", entity.LogValue(e))).Info("Unregistered entity")

	if !r.broker.IsConnected() {
		return
	}

	r.publishTombstone(ctx, reg.topics.Discovery)
	if reg.facets.Has(entity.FacetCommandable) {
		r.unsubscribe(ctx, reg.topics.Command)
	}
}

// RegisterAPI claims the command topic for api. It fails with ErrTopicClaimed if an entity or another API owns it.
func (r *Registry) RegisterAPI(ctx context.Context, api entity.API) error {
	topic := r.ns.CommandTopic(api.Name())

	r.mu.Lock()
	if _, ok := r.commands[topic]; ok {
		r.mu.Unlock()
		return fmt.Errorf("register api %q: %w: %s", api.Name(), ErrTopicClaimed, topic)
	}

	r.apis[api.Name()] = api
	r.commands[topic] = api.HandleCommand
	r.mu.Unlock()

	r.log.With(slog.String("api", api.Name())).Info("Registered API")

	if r.broker.IsConnected() {
		r.subscribe(ctx, topic)
	}

	return nil
}

// UnregisterAPI releases the command topic for api. It is a no-op unless api itself is registered.
func (r *Registry) UnregisterAPI(ctx context.Context, api entity.API) {
	topic := r.ns.CommandTopic(api.Name())

	r.mu.Lock()
	if registered, ok := r.apis[api.Name()]; !ok || !sameInstance(registered, api) {
		r.mu.Unlock()
		return
	}

	delete(r.apis, api.Name())
	delete(r.commands, topic)
	r.mu.Unlock()

	r.log.With(slog.String("api", api.Name())).Info("Unregistered API")

	if r.broker.IsConnected() {
		r.unsubscribe(ctx, topic)
	}
}

// Entities returns the names of registered entities in registration order.
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entities))
	for i, reg := range r.entities {
		names[i] = reg.entity.Name()
	}

	return names
}

// Resync publishes every descriptor, state and pending tombstone and subscribes every command topic plus the Home
// Assistant status topic. Everything runs concurrently. A failure for one item is logged and does not stop the
// others. Resync returns once every operation has finished.
func (r *Registry) Resync(ctx context.Context) {
	r.mu.RLock()
	entities := slices.Clone(r.entities)
	topics := make([]string, 0, len(r.commands))
	for topic := range r.commands {
		topics = append(topics, topic)
	}
	tombstones := make([]string, 0, len(r.tombstones))
	for topic := range r.tombstones {
		tombstones = append(tombstones, topic)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, reg := range entities {
		wg.Go(func() {
			r.publishDescriptor(ctx, reg, nil)
		})

		if _, ok := reg.stateful(); ok {
			wg.Go(func() {
				r.publishState(ctx, reg)
			})
		}
	}

	for _, topic := range tombstones {
		wg.Go(func() {
			r.publishTombstone(ctx, topic)
		})
	}

	for _, topic := range topics {
		wg.Go(func() {
			r.subscribe(ctx, topic)
		})
	}

	wg.Go(func() {
		if err := r.broker.Subscribe(ctx, r.hassStatusSubscription()); err != nil {
			r.log.With(log.Error(err), log.Topic(r.hassStatus.FullyQualifiedTopic(""))).Warn("Failed to subscribe to Home Assistant status")
		}
	})

	wg.Wait()
	r.log.With(
		slog.Int("entities", len(entities)),
		slog.Int("command_topics", len(topics)),
		slog.Int("tombstones", len(tombstones)),
	).Debug("Resync complete")
}

// hassStatusSubscription skips the retained birth message. Resync already runs on every connect, so only a live
// birth (Home Assistant restarting) needs to trigger another.
func (r *Registry) hassStatusSubscription() mqtt.Subscription {
	s := r.hassStatus.Subscription()
	s.Options.RetainHandling = mqtt.RetainHandlingIgnoreRetained

	return s
}

// Close detaches the Registry from the broker and every registered entity. It does not unregister anything.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.cancel()

		for _, fn := range r.detach {
			fn()
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		for _, reg := range r.entities {
			reg.entity.ConfigChanged().Unsubscribe(reg.configSub)
			if s, ok := reg.stateful(); ok {
				s.StateChanged().Unsubscribe(reg.stateSub)
			}
		}
	})
}

func (r *Registry) lookup(name string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byName[name]
	return reg, ok
}

func (r *Registry) onConfigChanged(e entity.Entity) {
	if !r.broker.IsConnected() {
		return
	}

	reg, ok := r.lookup(e.Name())
	if !ok {
		return
	}

	go r.publishDescriptor(r.ctx, reg, nil)
}

// onStateChanged publishes without queueing. Two rapid changes may reach the broker out of order.
func (r *Registry) onStateChanged(e entity.Entity) {
	if !r.broker.IsConnected() {
		return
	}

	reg, ok := r.lookup(e.Name())
	if !ok {
		return
	}

	go r.publishState(r.ctx, reg)
}

func (r *Registry) onHassStatus(status hass.Availability) {
	if status != hass.Available || !r.broker.IsConnected() {
		return
	}

	r.log.Info("Home Assistant came online, resynchronizing")
	go r.Resync(r.ctx)
}

func (r *Registry) route(m mqtt.Message) {
	r.hassStatus.ServeMQTT(r.broker, m.Topic, []byte(m.Payload))

	r.mu.RLock()
	handler, ok := r.commands[m.Topic]
	r.mu.RUnlock()

	if !ok {
		return
	}

	r.log.With(slog.Any("message", m)).Debug("Routing command")
	handler(m.Payload)
}

// publishDescriptor builds the descriptor again unless desc is provided.
func (r *Registry) publishDescriptor(ctx context.Context, reg *registration, desc *discovery.Descriptor) {
	logger := r.log.With(log.Entity(reg.entity.Name()), log.Topic(reg.topics.Discovery))

	if desc == nil {
		d, err := r.ns.Descriptor(reg.entity)
		if err != nil {
			logger.With(log.Error(err)).Warn("Failed to build discovery descriptor")
			return
		}

		desc = &d
	}

	data, err := desc.Marshal()
	if err != nil {
		logger.With(log.Error(err)).Warn("Failed to marshal discovery descriptor")
		return
	}

	if err = r.broker.WriteTopic(ctx, reg.topics.Discovery, mqtt.Retained, data); err != nil {
		logger.With(log.Error(err)).Warn("Failed to publish discovery descriptor")
	}
}

// publishState publishes an empty payload while the state is unknown.
func (r *Registry) publishState(ctx context.Context, reg *registration) {
	s, ok := reg.stateful()
	if !ok {
		return
	}

	state, _ := s.State()
	if err := r.broker.WriteTopic(ctx, reg.topics.State, mqtt.Retained, []byte(state)); err != nil {
		r.log.With(log.Error(err), log.Entity(reg.entity.Name()), log.Topic(reg.topics.State)).Error("Failed to publish state")
	}
}

func (r *Registry) publishTombstone(ctx context.Context, topic string) {
	if err := r.broker.WriteTopic(ctx, topic, mqtt.Retained, nil); err != nil {
		r.log.With(log.Error(err), log.Topic(topic)).Warn("Failed to publish tombstone, will retry on reconnect")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tombstones, topic)
}

func (r *Registry) subscribe(ctx context.Context, topic string) {
	if err := r.broker.Subscribe(ctx, mqtt.Topics(topic)...); err != nil {
		r.log.With(log.Error(err), log.Topic(topic)).Error("Failed to subscribe to command topic")
	}
}

func (r *Registry) unsubscribe(ctx context.Context, topic string) {
	if err := r.broker.Unsubscribe(ctx, topic); err != nil {
		r.log.With(log.Error(err), log.Topic(topic)).Warn("Failed to unsubscribe from command topic")
	}
}

// sameInstance reports whether a and b are the same registered value. Entities and APIs are normally pointers, so this
// is pointer identity. Values whose dynamic type cannot be compared never match instead of panicking.
func sameInstance(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() || !va.Comparable() {
		return false
	}

	return va.Equal(vb)
}
