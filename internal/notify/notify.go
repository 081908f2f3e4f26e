// Package notify publishes change events for watched entities onto the
// broker channel the relay listens on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/backlogman/notifier/internal/broker"
	"github.com/backlogman/notifier/internal/logging"
	"github.com/backlogman/notifier/internal/models"
)

const (
	// DefaultTimeout bounds one queued publish.
	DefaultTimeout = 5 * time.Second
	// DefaultQueueSize is the number of queued publishes a Publisher holds
	// before Notify starts dropping.
	DefaultQueueSize = 1024
)

var (
	// ErrEmptyPayload is returned when an envelope has no data field.
	ErrEmptyPayload = errors.New("notification payload is missing")
	// ErrQueueFull is returned when the publish queue has no room.
	ErrQueueFull = errors.New("notification queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("publisher closed")
)

// Target names one room by object type and id.
type Target struct {
	Type string
	ID   any
}

type job struct {
	ctx  context.Context
	key  models.RoomKey
	data json.RawMessage
}

// Publisher builds envelopes and publishes them on one channel. Queued
// publishes are sent by a single goroutine in the order they were queued.
type Publisher struct {
	pub     broker.Publisher
	channel string
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// New creates a Publisher for channel with the default queue size.
func New(pub broker.Publisher, channel string) *Publisher {
	return NewWithQueue(pub, channel, DefaultQueueSize)
}

// NewWithQueue creates a Publisher holding at most size queued publishes.
// The caller must Close it to stop the send goroutine.
func NewWithQueue(pub broker.Publisher, channel string, size int) *Publisher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	p := &Publisher{
		pub:     pub,
		channel: channel,
		timeout: DefaultTimeout,
		queue:   make(chan job, size),
		done:    make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish encodes payload into an envelope for the objectType/objectID room
// and publishes it synchronously. The returned key is the room the event was
// sent to.
func (p *Publisher) Publish(ctx context.Context, objectType string, objectID any, payload any) (models.RoomKey, error) {
	key, err := models.NewRoomKey(objectType, objectID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return key, fmt.Errorf("encode payload for %s: %w", key, err)
	}
	return key, p.PublishRaw(ctx, key, data)
}

// PublishRaw publishes already-encoded JSON data for key.
func (p *Publisher) PublishRaw(ctx context.Context, key models.RoomKey, data json.RawMessage) error {
	env := models.Envelope{Key: key, Data: data}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyPayload, err)
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope for %s: %w", key, err)
	}
	if err := p.pub.Publish(ctx, p.channel, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	slog.Debug("published notification", slog.String("room", key.String()), slog.String("channel", p.channel))
	return nil
}

// Enqueue queues data for every key. Either all keys are queued or none
// are. It never blocks; ErrQueueFull and ErrClosed report a refusal. The
// publishes outlive ctx cancellation but keep its values.
func (p *Publisher) Enqueue(ctx context.Context, keys []models.RoomKey, data json.RawMessage) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	ctx = context.WithoutCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if cap(p.queue)-len(p.queue) < len(keys) {
		return ErrQueueFull
	}
	for _, key := range keys {
		p.queue <- job{ctx: ctx, key: key, data: data}
	}
	return nil
}

// Notify queues a publish and never reports failure to the caller. Errors,
// including a full queue, are logged.
func (p *Publisher) Notify(ctx context.Context, objectType string, objectID any, payload any) {
	p.NotifyMany(ctx, []Target{{Type: objectType, ID: objectID}}, payload)
}

// NotifyMany queues the same payload for every target, in target order.
func (p *Publisher) NotifyMany(ctx context.Context, targets []Target, payload any) {
	if len(targets) == 0 {
		return
	}
	keys := make([]models.RoomKey, 0, len(targets))
	for _, t := range targets {
		key, err := models.NewRoomKey(t.Type, t.ID)
		if err != nil {
			slog.WarnContext(ctx, "notification not queued", slog.Any("error", logging.WrapError(err, "notify")))
			return
		}
		keys = append(keys, key)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.WarnContext(ctx, "notification not queued",
			slog.String("room", keys[0].String()),
			slog.Any("error", logging.WrapError(err, "encode payload")))
		return
	}
	if err := p.Enqueue(ctx, keys, data); err != nil {
		slog.WarnContext(ctx, "notification dropped",
			slog.String("room", keys[0].String()),
			slog.Int("targets", len(keys)),
			slog.String("error", err.Error()))
	}
}

// Close stops accepting publishes and waits until the queue is drained or
// ctx is done.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) drain() {
	defer close(p.done)
	for j := range p.queue {
		ctx, cancel := context.WithTimeout(j.ctx, p.timeout)
		if err := p.PublishRaw(ctx, j.key, j.data); err != nil {
			slog.WarnContext(ctx, "notification not published",
				slog.String("room", j.key.String()),
				slog.Any("error", logging.WrapError(err, "notify")))
		}
		cancel()
	}
}
