package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/mqtt"
)

// ErrConnectionLost is returned by Transport.Ping when the underlying connection has gone away.
var ErrConnectionLost = errors.New("connection lost")

// Will is the message the broker publishes on our behalf if the connection drops without a clean disconnect. It
// implements slog.LogValuer.
type Will struct {
	Topic   string
	Payload []byte
	Options mqtt.WriteOptions
}

func (w Will) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("topic", w.Topic),
		slog.String("payload", string(w.Payload)),
		slog.Any("options", w.Options),
	)
}

// Transport is a single MQTT connection. Connect may be called again after Disconnect or after the connection is lost;
// implementations dial a fresh session each time. A Transport serializes its own I/O.
type Transport interface {
	Connect(ctx context.Context, will Will) error
	// Ping reports whether the session is still alive. It returns ErrConnectionLost (possibly wrapped) if it is not.
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Publish(ctx context.Context, topic string, options mqtt.WriteOptions, payload []byte) error
	Subscribe(ctx context.Context, subscriptions ...mqtt.Subscription) error
	Unsubscribe(ctx context.Context, topics ...string) error

	// OnMessage registers the callback invoked for every inbound publish. It is set once before the first Connect.
	OnMessage(fn func(topic string, payload []byte))
}

// PowerSource notifies the Manager when the host is about to sleep and when it wakes up again.
type PowerSource interface {
	Suspending() event.Observable[struct{}]
	Resumed() event.Observable[struct{}]
}
