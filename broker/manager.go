// Package broker owns the single connection to the MQTT broker. The Manager keeps the connection alive with a
// retrying connect and liveness loop, publishes the agent's availability with a retained status and last will, and
// fans inbound messages out to observers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/hass"
	"github.com/nlowe/hqttd/log"
	"github.com/nlowe/hqttd/mqtt"
)

// ErrNotConnected is returned by Manager.WriteTopic, Manager.Subscribe and Manager.Unsubscribe while the Manager is
// not connected. Nothing is queued.
var ErrNotConnected = errors.New("mqtt client is not connected")

const (
	DefaultConnectTimeout = 1 * time.Second
	DefaultPingInterval   = 5 * time.Second
	DefaultRetryDelay     = 1 * time.Second
)

// State is the connection state of a Manager. It implements fmt.Stringer and slog.LogValuer.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("unknown (%d)", uint8(s))
	}
}

func (s State) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Options configures a Manager. Zero durations use the matching Default.
type Options struct {
	// StatusTopic receives a retained hass.Available after every connect and is the topic of the last will.
	StatusTopic string

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	RetryDelay     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}

	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}

	return o
}

// Manager owns a Transport and keeps it connected while Run is executing. It implements mqtt.Writer and
// mqtt.Subscriber on top of the Transport, refusing operations while disconnected.
type Manager struct {
	transport Transport
	opts      Options

	status *mqtt.Value[hass.Availability]

	// lifecycle serializes connecting, suspending and shutting down.
	lifecycle sync.Mutex

	mu    sync.RWMutex
	state State

	stayConnected atomic.Bool
	wake          chan struct{}

	connected    *event.Feed[struct{}]
	connectivity *event.Feed[bool]
	messages     *event.Feed[mqtt.Message]

	log *slog.Logger
}

var (
	_ mqtt.Writer     = &Manager{}
	_ mqtt.Subscriber = &Manager{}
)

// NewManager constructs a Manager for transport. Call Run to start connecting.
func NewManager(transport Transport, opts Options) *Manager {
	opts = opts.withDefaults()

	m := &Manager{
		transport: transport,
		opts:      opts,

		status: mqtt.NewValueWithOptions(opts.StatusTopic, hass.AvailabilityMarshaler, mqtt.Retained),

		wake: make(chan struct{}, 1),

		connected:    event.NewFeed[struct{}]("broker.connected"),
		connectivity: event.NewFeed[bool]("broker.connectivity"),
		messages:     event.NewFeed[mqtt.Message]("broker.messages"),

		log: log.ForComponent("broker").With(slog.String("status_topic", opts.StatusTopic)),
	}

	m.stayConnected.Store(true)
	transport.OnMessage(m.dispatch)

	return m
}

// StatusTopic returns the topic availability is published to.
func (m *Manager) StatusTopic() string {
	return m.opts.StatusTopic
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// IsConnected reports whether State is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Connected is raised after every successful connect, once the retained online status has been published. Each
// observer runs on its own goroutine.
func (m *Manager) Connected() event.Observable[struct{}] {
	return m.connected
}

// Connectivity is raised with the new value whenever IsConnected changes.
func (m *Manager) Connectivity() event.Observable[bool] {
	return m.connectivity
}

// Messages is raised for every inbound message with a valid UTF-8 payload.
func (m *Manager) Messages() event.Observable[mqtt.Message] {
	return m.messages
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	was := m.state
	m.state = s
	m.mu.Unlock()

	if was == s {
		return
	}

	m.log.With(slog.Any("from", was), slog.Any("to", s)).Debug("Connection state changed")
	if (was == Connected) != (s == Connected) {
		m.connectivity.Emit(s == Connected)
	}
}

func (m *Manager) WriteTopic(ctx context.Context, topic string, options mqtt.WriteOptions, value []byte) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	m.log.With(log.Topic(topic), slog.Any("options", options), slog.Int("bytes", len(value))).Debug("Publishing payload")
	return m.transport.Publish(ctx, topic, options, value)
}

func (m *Manager) Subscribe(ctx context.Context, subscriptions ...mqtt.Subscription) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	if len(subscriptions) == 0 {
		return nil
	}

	m.log.With(slog.Any("subscriptions", subscriptions)).Debug("Subscribing to MQTT Topic(s)")
	return m.transport.Subscribe(ctx, subscriptions...)
}

func (m *Manager) Unsubscribe(ctx context.Context, topics ...string) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	if len(topics) == 0 {
		return nil
	}

	m.log.With(slog.Any("topics", topics)).Debug("Unsubscribing from MQTT Topic(s)")
	return m.transport.Unsubscribe(ctx, topics...)
}

// Run connects and keeps the connection alive until ctx is cancelled, then publishes a best-effort offline status and
// disconnects. It always returns nil once ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Info("Starting connection loop")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown(ctx)
			m.log.Debug("Connection loop stopped")
			return nil
		case <-m.wake:
		case <-timer.C:
		}

		delay := m.opts.RetryDelay
		if m.tick(ctx) {
			delay = m.opts.PingInterval
		}

		timer.Reset(delay)
	}
}

// tick runs one iteration of the loop and reports whether the Manager is connected afterward.
func (m *Manager) tick(ctx context.Context) bool {
	if !m.stayConnected.Load() {
		return false
	}

	if m.IsConnected() {
		err := m.transport.Ping(ctx)
		if err == nil {
			return true
		}

		if ctx.Err() != nil {
			return false
		}

		m.log.With(log.Error(err)).Warn("Lost connection to MQTT broker, reconnecting")
		m.drop(ctx)
	}

	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	// Suspend may have won the race for the lifecycle lock.
	if !m.stayConnected.Load() || m.IsConnected() {
		return m.IsConnected()
	}

	m.setState(Connecting)

	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	if err := m.transport.Connect(connectCtx, m.will()); err != nil {
		m.setState(Disconnected)

		switch {
		case ctx.Err() != nil:
		case errors.Is(err, context.DeadlineExceeded):
			m.log.With(slog.Duration("timeout", m.opts.ConnectTimeout)).Warn("MQTT connection attempt timed out, will retry")
		default:
			m.log.With(log.Error(err)).Error("Failed to connect to MQTT broker, will retry")
		}

		return false
	}

	// A connection we can't announce ourselves on is as good as no connection.
	if _, err := m.status.Write(connectCtx, m.raw(), "", hass.Available); err != nil {
		m.log.With(log.Error(err)).Error("Failed to publish online status, will retry")
		m.disconnect(ctx)
		return false
	}

	m.setState(Connected)
	m.log.Info("Connected to MQTT broker")
	m.connected.Go(struct{}{})

	return true
}

// raw writes straight to the transport, bypassing the connected check. It is only used for status updates.
func (m *Manager) raw() mqtt.Writer {
	return mqtt.WriterFunc(m.transport.Publish)
}

func (m *Manager) will() Will {
	payload, _ := hass.AvailabilityMarshaler(hass.Unavailable)

	return Will{
		Topic:   m.opts.StatusTopic,
		Payload: payload,
		Options: mqtt.Retained,
	}
}

// drop tears down a connection that already went away.
func (m *Manager) drop(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.disconnect(ctx)
}

// disconnect must be called with the lifecycle lock held.
func (m *Manager) disconnect(ctx context.Context) {
	if err := m.transport.Disconnect(ctx); err != nil {
		m.log.With(log.Error(err)).Debug("Failed to disconnect cleanly")
	}

	m.setState(Disconnected)
}

// goOffline publishes a retained offline status and disconnects. It must be called with the lifecycle lock held.
func (m *Manager) goOffline(ctx context.Context) {
	if !m.IsConnected() {
		return
	}

	if _, err := m.status.Write(ctx, m.raw(), "", hass.Unavailable); err != nil {
		m.log.With(log.Error(err)).Warn("Failed to publish offline status")
	}

	m.disconnect(ctx)
}

func (m *Manager) shutdown(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ConnectTimeout)
	defer cancel()

	m.goOffline(ctx)
}

// Suspend stops the loop from reconnecting, publishes a best-effort offline status and disconnects. Call Resume to
// start connecting again.
func (m *Manager) Suspend(ctx context.Context) {
	m.stayConnected.Store(false)

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.log.Info("Suspending MQTT connection")
	m.goOffline(ctx)
}

// Resume allows the loop to reconnect and wakes it so it does so immediately.
func (m *Manager) Resume() {
	m.stayConnected.Store(true)
	m.log.Info("Resuming MQTT connection")

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// WatchPower suspends the Manager when source reports the host is going to sleep and resumes it on wake. The returned
// function stops watching.
func (m *Manager) WatchPower(source PowerSource) func() {
	suspending := source.Suspending().Subscribe(func(struct{}) {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		defer cancel()

		m.Suspend(ctx)
	})

	resumed := source.Resumed().Subscribe(func(struct{}) {
		m.Resume()
	})

	return func() {
		source.Suspending().Unsubscribe(suspending)
		source.Resumed().Unsubscribe(resumed)
	}
}

func (m *Manager) dispatch(topic string, payload []byte) {
	if !utf8.Valid(payload) {
		m.log.With(log.Topic(topic), slog.Int("bytes", len(payload))).Error("Dropping message with a payload that is not valid UTF-8")
		return
	}

	m.messages.Emit(mqtt.Message{Topic: topic, Payload: string(payload)})
}
