package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlowe/hqttd/event"
	"github.com/nlowe/hqttd/mqtt"
)

const (
	testStatusTopic = "hqttd/pc1/status"
	waitFor         = time.Second
	tick            = time.Millisecond
)

type published struct {
	Topic   string
	Payload string
	Retain  bool
}

type fakeTransport struct {
	mu sync.Mutex

	connected bool
	will      Will
	connects  int

	connectErr error
	publishErr error
	pingErr    error

	published     []published
	subscribed    []string
	unsubscribed  []string
	disconnects   int
	onMessage     func(topic string, payload []byte)
	blockConnects chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context, will Will) error {
	f.mu.Lock()
	block := f.blockConnects
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	f.will = will
	if f.connectErr != nil {
		return f.connectErr
	}

	f.connected = true
	f.pingErr = nil
	return nil
}

func (f *fakeTransport) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pingErr
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, options mqtt.WriteOptions, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, published{Topic: topic, Payload: string(payload), Retain: options.Retain})
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, subscriptions ...mqtt.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range subscriptions {
		f.subscribed = append(f.subscribed, s.Topic)
	}

	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func (f *fakeTransport) OnMessage(fn func(topic string, payload []byte)) {
	f.onMessage = fn
}

func (f *fakeTransport) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]published(nil), f.published...)
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fn(f)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connects
}

// newTestManager starts a Manager with short timings. Each setup func runs before the loop starts.
func newTestManager(t *testing.T, transport *fakeTransport, setup ...func(*Manager)) (*Manager, func()) {
	t.Helper()

	sut := NewManager(transport, Options{
		StatusTopic:    testStatusTopic,
		ConnectTimeout: 50 * time.Millisecond,
		PingInterval:   5 * time.Millisecond,
		RetryDelay:     5 * time.Millisecond,
	})

	for _, fn := range setup {
		fn(sut)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- sut.Run(ctx)
	}()

	return sut, func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func TestManagerConnects(t *testing.T) {
	transport := &fakeTransport{}

	connected := make(chan struct{}, 1)
	sut, stop := newTestManager(t, transport, func(m *Manager) {
		m.Connected().Subscribe(func(struct{}) {
			connected <- struct{}{}
		})
	})

	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for connected event")
	}

	require.True(t, sut.IsConnected())
	assert.Equal(t, Will{Topic: testStatusTopic, Payload: []byte("offline"), Options: mqtt.Retained}, transport.will)
	assert.Equal(t, published{Topic: testStatusTopic, Payload: "online", Retain: true}, transport.snapshot()[0])

	stop()

	require.False(t, sut.IsConnected())
	got := transport.snapshot()
	assert.Equal(t, published{Topic: testStatusTopic, Payload: "offline", Retain: true}, got[len(got)-1])
	assert.Equal(t, Disconnected, sut.State())
}

func TestManagerNotConnected(t *testing.T) {
	transport := &fakeTransport{}
	sut := NewManager(transport, Options{StatusTopic: testStatusTopic})

	require.Equal(t, Disconnected, sut.State())
	require.ErrorIs(t, sut.WriteTopic(t.Context(), "a", mqtt.WriteOptions{}, nil), ErrNotConnected)
	require.ErrorIs(t, sut.Subscribe(t.Context(), mqtt.Topics("a")...), ErrNotConnected)
	require.ErrorIs(t, sut.Unsubscribe(t.Context(), "a"), ErrNotConnected)
	require.Empty(t, transport.snapshot())
}

func TestManagerRetries(t *testing.T) {
	transport := &fakeTransport{connectErr: errors.New("connection refused")}

	sut, stop := newTestManager(t, transport)
	defer stop()

	require.Eventually(t, func() bool {
		return transport.connectCount() >= 3
	}, waitFor, tick)
	require.False(t, sut.IsConnected())

	transport.set(func(f *fakeTransport) { f.connectErr = nil })

	require.Eventually(t, sut.IsConnected, waitFor, tick)
}

func TestManagerConnectTimeout(t *testing.T) {
	transport := &fakeTransport{blockConnects: make(chan struct{})}

	sut, stop := newTestManager(t, transport)
	defer stop()

	// Every attempt times out without completing, but the loop keeps retrying.
	time.Sleep(150 * time.Millisecond)
	require.False(t, sut.IsConnected())
	require.Zero(t, transport.connectCount())

	transport.set(func(f *fakeTransport) { f.blockConnects = nil })
	require.Eventually(t, sut.IsConnected, waitFor, tick)
}

func TestManagerOnlinePublishFailure(t *testing.T) {
	transport := &fakeTransport{publishErr: errors.New("dang")}

	sut, stop := newTestManager(t, transport)
	defer stop()

	require.Eventually(t, func() bool {
		return transport.connectCount() >= 2
	}, waitFor, tick)
	require.False(t, sut.IsConnected())

	transport.set(func(f *fakeTransport) { f.publishErr = nil })
	require.Eventually(t, sut.IsConnected, waitFor, tick)
}

func TestManagerReconnectsAfterLostConnection(t *testing.T) {
	transport := &fakeTransport{}

	var mu sync.Mutex
	var changes []bool
	sut, stop := newTestManager(t, transport, func(m *Manager) {
		m.Connectivity().Subscribe(func(v bool) {
			mu.Lock()
			defer mu.Unlock()

			changes = append(changes, v)
		})
	})
	defer stop()

	require.Eventually(t, sut.IsConnected, waitFor, tick)
	transport.set(func(f *fakeTransport) { f.pingErr = ErrConnectionLost })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(changes) >= 3
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, changes[:3])
	assert.GreaterOrEqual(t, transport.connectCount(), 2)
}

func TestManagerSuspendResume(t *testing.T) {
	transport := &fakeTransport{}

	sut := NewManager(transport, Options{
		StatusTopic:    testStatusTopic,
		ConnectTimeout: 50 * time.Millisecond,
		// Long enough that only Resume's wake-up can explain a prompt reconnect.
		PingInterval: time.Hour,
		RetryDelay:   time.Hour,
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = sut.Run(ctx)
	}()

	require.Eventually(t, sut.IsConnected, waitFor, tick)

	sut.Suspend(t.Context())
	require.False(t, sut.IsConnected())

	got := transport.snapshot()
	assert.Equal(t, published{Topic: testStatusTopic, Payload: "offline", Retain: true}, got[len(got)-1])
	require.ErrorIs(t, sut.WriteTopic(t.Context(), "a", mqtt.WriteOptions{}, nil), ErrNotConnected)

	connects := transport.connectCount()
	sut.Resume()

	require.Eventually(t, sut.IsConnected, waitFor, tick)
	assert.Equal(t, connects+1, transport.connectCount())
}

func TestManagerSuspendWhenOfflinePublishFails(t *testing.T) {
	transport := &fakeTransport{}

	sut := NewManager(transport, Options{
		StatusTopic:    testStatusTopic,
		ConnectTimeout: 50 * time.Millisecond,
		PingInterval:   time.Hour,
		RetryDelay:     time.Hour,
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = sut.Run(ctx)
	}()

	require.Eventually(t, sut.IsConnected, waitFor, tick)

	transport.set(func(f *fakeTransport) {
		f.publishErr = errors.New("broker hiccup")
	})

	sut.Suspend(t.Context())
	require.False(t, sut.IsConnected())

	transport.set(func(f *fakeTransport) {
		assert.Equal(t, 1, f.disconnects, "the connection is dropped even though offline could not be published")
		f.publishErr = nil
	})

	sut.Resume()
	require.Eventually(t, sut.IsConnected, waitFor, tick)
}

type fakePowerSource struct {
	suspending event.Feed[struct{}]
	resumed    event.Feed[struct{}]
}

func (f *fakePowerSource) Suspending() event.Observable[struct{}] { return &f.suspending }
func (f *fakePowerSource) Resumed() event.Observable[struct{}]    { return &f.resumed }

func TestManagerWatchPower(t *testing.T) {
	transport := &fakeTransport{}
	power := &fakePowerSource{}

	sut, stop := newTestManager(t, transport)
	defer stop()

	unwatch := sut.WatchPower(power)
	require.Eventually(t, sut.IsConnected, waitFor, tick)

	power.suspending.Emit(struct{}{})
	require.False(t, sut.IsConnected())

	// The loop must not reconnect while suspended.
	connects := transport.connectCount()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, connects, transport.connectCount())

	power.resumed.Emit(struct{}{})
	require.Eventually(t, sut.IsConnected, waitFor, tick)

	unwatch()
	require.Zero(t, power.suspending.Len())
	require.Zero(t, power.resumed.Len())
}

func TestManagerPassThrough(t *testing.T) {
	transport := &fakeTransport{}

	sut, stop := newTestManager(t, transport)
	defer stop()

	require.Eventually(t, sut.IsConnected, waitFor, tick)

	require.NoError(t, sut.WriteTopic(t.Context(), "a/b", mqtt.Retained, []byte("c")))
	require.NoError(t, sut.Subscribe(t.Context(), mqtt.Topics("x", "y")...))
	require.NoError(t, sut.Unsubscribe(t.Context(), "x"))

	assert.Contains(t, transport.snapshot(), published{Topic: "a/b", Payload: "c", Retain: true})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, []string{"x", "y"}, transport.subscribed)
	assert.Equal(t, []string{"x"}, transport.unsubscribed)
}

func TestManagerDispatch(t *testing.T) {
	transport := &fakeTransport{}
	sut := NewManager(transport, Options{StatusTopic: testStatusTopic})

	var got []mqtt.Message
	sut.Messages().Subscribe(func(m mqtt.Message) {
		got = append(got, m)
	})

	called := false
	sut.Messages().Subscribe(func(mqtt.Message) {
		called = true
		panic("boom")
	})

	transport.onMessage("ha/pc1/sleep_computer/command", []byte("PRESS"))
	transport.onMessage("ha/pc1/sleep_computer/command", []byte{0xff, 0xfe})

	assert.True(t, called)
	assert.Equal(t, []mqtt.Message{{Topic: "ha/pc1/sleep_computer/command", Payload: "PRESS"}}, got)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "unknown (9)", State(9).String())
}
