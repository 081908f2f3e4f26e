package listener

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backlogman/notifier/internal/broker"
	"github.com/backlogman/notifier/internal/models"
	"github.com/backlogman/notifier/internal/registry"
)

type broadcastCall struct {
	room    models.RoomKey
	payload string
	exclude registry.Conn
}

type mockBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
	err   error
}

func (m *mockBroadcaster) Broadcast(room models.RoomKey, payload []byte, exclude registry.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, broadcastCall{room: room, payload: string(payload), exclude: exclude})
	return nil
}

func (m *mockBroadcaster) getCalls() []broadcastCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]broadcastCall(nil), m.calls...)
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, string) (broker.Subscription, error) {
	return nil, broker.ErrUnavailable
}

func startListener(t *testing.T, sub broker.Subscriber, out Broadcaster) *Listener {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := New(Config{
		Subscriber:  sub,
		Channel:     "notifications",
		Broadcaster: out,
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
	})
	require.NoError(t, l.Start(ctx))
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestListener_RelaysEnvelopes(t *testing.T) {
	bus := broker.NewMemory()
	out := &mockBroadcaster{}
	startListener(t, bus, out)
	ctx := context.Background()

	bus.Publish(ctx, "notifications", []byte(`{"key":"story:42","data":{"type":"update"}}`))
	bus.Publish(ctx, "other-channel", []byte(`{"key":"story:42","data":{"type":"ignored"}}`))
	bus.Publish(ctx, "notifications", []byte(`{"key":"story:42","data":{"type":"second"}}`))

	require.Eventually(t, func() bool { return len(out.getCalls()) == 2 }, time.Second, 5*time.Millisecond)
	calls := out.getCalls()
	assert.Equal(t, models.RoomKey("story:42"), calls[0].room)
	assert.JSONEq(t, `{"type":"update"}`, calls[0].payload)
	assert.Nil(t, calls[0].exclude)
	assert.JSONEq(t, `{"type":"second"}`, calls[1].payload, "order must be preserved")
}

func TestListener_DropsMalformedEnvelopes(t *testing.T) {
	bus := broker.NewMemory()
	out := &mockBroadcaster{}
	startListener(t, bus, out)
	ctx := context.Background()

	for _, bad := range []string{
		`not json`,
		`["key","data"]`,
		`{"data":{"type":"update"}}`,
		`{"key":"story:42"}`,
	} {
		bus.Publish(ctx, "notifications", []byte(bad))
	}
	bus.Publish(ctx, "notifications", []byte(`{"key":"project:1","data":"still alive"}`))

	require.Eventually(t, func() bool { return len(out.getCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.RoomKey("project:1"), out.getCalls()[0].room)
	assert.Equal(t, `"still alive"`, out.getCalls()[0].payload)
}

func TestListener_RelaysScalarPayloads(t *testing.T) {
	bus := broker.NewMemory()
	out := &mockBroadcaster{}
	startListener(t, bus, out)
	ctx := context.Background()

	payloads := []string{`null`, `7`, `"renamed"`, `[1,2]`}
	for _, data := range payloads {
		bus.Publish(ctx, "notifications", []byte(`{"key":"story:42","data":`+data+`}`))
	}

	require.Eventually(t, func() bool { return len(out.getCalls()) == len(payloads) }, time.Second, 5*time.Millisecond)
	for i, call := range out.getCalls() {
		assert.Equal(t, payloads[i], call.payload)
	}
}

func TestListener_InitialSubscribeFailure(t *testing.T) {
	l := New(Config{Subscriber: failingSubscriber{}, Channel: "notifications", Broadcaster: &mockBroadcaster{}})

	err := l.Start(context.Background())

	assert.ErrorIs(t, err, broker.ErrUnavailable)
	select {
	case <-l.Done():
	default:
		t.Fatal("Done should be closed after a failed start")
	}
}

func TestListener_ResubscribesAfterDrop(t *testing.T) {
	bus := broker.NewMemory()
	out := &mockBroadcaster{}
	startListener(t, bus, out)

	// Closing the bus ends the listener's subscription.
	bus.Close()

	require.Eventually(t, func() bool {
		bus.Publish(context.Background(), "notifications", []byte(`{"key":"story:1","data":{"n":1}}`))
		return len(out.getCalls()) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListener_StopsWhenRegistryClosed(t *testing.T) {
	bus := broker.NewMemory()
	out := &mockBroadcaster{err: registry.ErrClosed}
	l := New(Config{Subscriber: bus, Channel: "notifications", Broadcaster: out})
	require.NoError(t, l.Start(context.Background()))

	bus.Publish(context.Background(), "notifications", []byte(`{"key":"story:1","data":{}}`))

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("listener should exit once the registry is closed")
	}
}

func TestListener_RedisRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := broker.NewRedis(mr.Addr(), 0)
	require.NoError(t, err)
	defer bus.Close()

	out := &mockBroadcaster{}
	startListener(t, bus, out)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "notifications", []byte(`{"key":"story:1","data":{"n":1}}`)))
	require.Eventually(t, func() bool { return len(out.getCalls()) == 1 }, time.Second, 5*time.Millisecond)

	mr.Close()
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, "notifications", []byte(`{"key":"story:1","data":{"n":2}}`))
		return len(out.getCalls()) >= 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestListener_RedisStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := broker.NewRedis(mr.Addr(), 0)
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	l := New(Config{Subscriber: bus, Channel: "notifications", Broadcaster: &mockBroadcaster{}})
	require.NoError(t, l.Start(ctx))

	cancel()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

func TestListener_EndToEndWithRegistry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := registry.New(0)
	go reg.Run(ctx)

	conn := &recordingConn{id: "c1"}
	other := &recordingConn{id: "c2"}
	require.NoError(t, reg.Register("story:42", conn))
	require.NoError(t, reg.Register("story:43", other))

	bus := broker.NewMemory()
	startListener(t, bus, reg)

	bus.Publish(ctx, "notifications", []byte(`{"key":"story:42","data":{"type":"update"}}`))

	require.Eventually(t, func() bool { return len(conn.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"type":"update"}`, conn.get()[0])
	assert.Empty(t, other.get())
}

type recordingConn struct {
	id  string
	mu  sync.Mutex
	got []string
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, string(data))
	return nil
}

func (c *recordingConn) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}
