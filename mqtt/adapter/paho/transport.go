// Package paho implements broker.Transport on top of the eclipse paho MQTT v5 client. Reconnection is owned by
// broker.Manager, so every Connect dials a fresh paho.Client.
package paho

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nlowe/hqttd/broker"
	hqttdlog "github.com/nlowe/hqttd/log"
	"github.com/nlowe/hqttd/mqtt"
)

// ErrSubscriptionRejected is returned by Transport.Subscribe when the broker refuses one or more topics.
var ErrSubscriptionRejected = errors.New("subscription rejected")

// DialFunc opens the network connection for a session. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures a Transport.
type Config struct {
	Host     string
	Port     int
	ClientID string

	// Username and Password are only sent if Username is not empty.
	Username string
	Password string

	KeepAlive time.Duration

	// Dial defaults to a net.Dialer.
	Dial DialFunc
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type session struct {
	client *paho.Client

	dead atomic.Bool
	mu   sync.Mutex
	err  error
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}

	s.dead.Store(true)
}

func (s *session) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Transport is a broker.Transport backed by paho.Client.
type Transport struct {
	cfg Config

	mu      sync.Mutex
	current *session

	onMessage atomic.Pointer[func(topic string, payload []byte)]

	log *slog.Logger
}

var _ broker.Transport = &Transport{}

// New constructs a Transport for cfg. Nothing is dialed until Connect.
func New(cfg Config) *Transport {
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}

	return &Transport{
		cfg: cfg,
		log: hqttdlog.ForComponent("paho").With(
			slog.String("address", cfg.address()),
			slog.String("client_id", cfg.ClientID),
		),
	}
}

func (t *Transport) OnMessage(fn func(topic string, payload []byte)) {
	t.onMessage.Store(&fn)
}

func (t *Transport) Connect(ctx context.Context, will broker.Will) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A previous session is never reused.
	_ = t.closeLocked()

	conn, err := t.cfg.Dial(ctx, "tcp", t.cfg.address())
	if err != nil {
		return fmt.Errorf("mqtt: dial %s: %w", t.cfg.address(), err)
	}

	s := &session{}
	s.client = paho.NewClient(paho.ClientConfig{
		ClientID: t.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(rx paho.PublishReceived) (bool, error) {
				t.deliver(rx.Packet)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			t.log.With(hqttdlog.Error(err)).Warn("MQTT client error")
			s.fail(err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			t.log.With(slog.Int("reason_code", int(d.ReasonCode))).Warn("MQTT broker closed the connection")
			s.fail(fmt.Errorf("server disconnect (reason code %d)", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   t.cfg.ClientID,
		KeepAlive:  uint16(t.cfg.KeepAlive.Seconds()),
		CleanStart: true,
		WillMessage: &paho.WillMessage{
			Topic:   will.Topic,
			Payload: will.Payload,
			QoS:     byte(will.Options.QoS),
			Retain:  will.Options.Retain,
		},
	}

	if t.cfg.Username != "" {
		cp.UsernameFlag = true
		cp.Username = t.cfg.Username
		cp.PasswordFlag = true
		cp.Password = []byte(t.cfg.Password)
	}

	t.log.Debug("Connecting to MQTT broker")
	if _, err = s.client.Connect(ctx, cp); err != nil {
		_ = conn.Close()
		return fmt.Errorf("mqtt: connect to %s: %w", t.cfg.address(), err)
	}

	t.current = s
	return nil
}

func (t *Transport) deliver(p *paho.Publish) {
	fn := t.onMessage.Load()
	if fn == nil || p == nil {
		return
	}

	(*fn)(p.Topic, p.Payload)
}

func (t *Transport) active() (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return nil, broker.ErrConnectionLost
	}

	return t.current, nil
}

func (t *Transport) Ping(context.Context) error {
	s, err := t.active()
	if err != nil {
		return err
	}

	if s.dead.Load() {
		return fmt.Errorf("%w: %w", broker.ErrConnectionLost, s.cause())
	}

	return nil
}

func (t *Transport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	s := t.current
	t.current = nil

	if s == nil || s.dead.Load() {
		return nil
	}

	s.dead.Store(true)
	return s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

func (t *Transport) Publish(ctx context.Context, topic string, options mqtt.WriteOptions, payload []byte) error {
	s, err := t.active()
	if err != nil {
		return err
	}

	_, err = s.client.Publish(ctx, &paho.Publish{
		QoS:     byte(options.QoS),
		Retain:  options.Retain,
		Topic:   topic,
		Payload: payload,
	})

	return err
}

func (t *Transport) Subscribe(ctx context.Context, subscriptions ...mqtt.Subscription) error {
	s, err := t.active()
	if err != nil {
		return err
	}

	sub := &paho.Subscribe{
		Subscriptions: make([]paho.SubscribeOptions, len(subscriptions)),
	}

	for i, subscription := range subscriptions {
		sub.Subscriptions[i] = paho.SubscribeOptions{
			Topic:             subscription.Topic,
			QoS:               byte(subscription.Options.QoS),
			RetainHandling:    byte(subscription.Options.RetainHandling),
			NoLocal:           subscription.Options.NoLocal,
			RetainAsPublished: subscription.Options.RetainAsPublished,
		}
	}

	suback, err := s.client.Subscribe(ctx, sub)
	if err != nil {
		return err
	}

	var errs []error
	for i, reason := range suback.Reasons {
		// Reason codes of 0x80 and above are failures. Anything lower is the granted QoS.
		if reason >= 0x80 && i < len(subscriptions) {
			errs = append(errs, fmt.Errorf("%w: %s (reason code %#x)", ErrSubscriptionRejected, subscriptions[i].Topic, reason))
		}
	}

	return errors.Join(errs...)
}

func (t *Transport) Unsubscribe(ctx context.Context, topics ...string) error {
	s, err := t.active()
	if err != nil {
		return err
	}

	_, err = s.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: topics})
	return err
}
