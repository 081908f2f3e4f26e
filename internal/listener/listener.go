// Package listener relays change events received from the broker channel
// into the connection registry.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/backlogman/notifier/internal/broker"
	"github.com/backlogman/notifier/internal/logging"
	"github.com/backlogman/notifier/internal/models"
	"github.com/backlogman/notifier/internal/registry"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Broadcaster is the registry surface the listener needs. Broadcast must be
// safe to call from the listener goroutine; the registry queues the work for
// its own goroutine.
type Broadcaster interface {
	Broadcast(room models.RoomKey, payload []byte, exclude registry.Conn) error
}

// Config configures a Listener.
type Config struct {
	Subscriber  broker.Subscriber
	Channel     string
	Broadcaster Broadcaster
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// Listener subscribes to one broker channel and broadcasts every valid
// envelope to the room it names.
type Listener struct {
	sub        broker.Subscriber
	channel    string
	out        Broadcaster
	minBackoff time.Duration
	maxBackoff time.Duration
	done       chan struct{}
}

// New creates a Listener.
func New(cfg Config) *Listener {
	l := &Listener{
		sub:        cfg.Subscriber,
		channel:    cfg.Channel,
		out:        cfg.Broadcaster,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		done:       make(chan struct{}),
	}
	if l.minBackoff <= 0 {
		l.minBackoff = defaultMinBackoff
	}
	if l.maxBackoff < l.minBackoff {
		l.maxBackoff = max(defaultMaxBackoff, l.minBackoff)
	}
	return l
}

// Start subscribes to the channel and runs the receive loop in its own
// goroutine until ctx is cancelled. A failure to subscribe initially is
// returned; later broker outages are retried with backoff.
func (l *Listener) Start(ctx context.Context) error {
	s, err := l.sub.Subscribe(ctx, l.channel)
	if err != nil {
		close(l.done)
		return fmt.Errorf("initial subscribe to %s: %w", l.channel, err)
	}
	slog.Info("listener subscribed", slog.String("channel", l.channel))
	go l.loop(ctx, s)
	return nil
}

// Done is closed when the receive loop exits.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) loop(ctx context.Context, s broker.Subscription) {
	defer close(l.done)
	defer func() {
		if s != nil {
			s.Close()
		}
	}()

	for {
		msg, err := s.Receive(ctx)
		if ctx.Err() != nil {
			slog.Debug("listener stopped", slog.String("channel", l.channel))
			return
		}
		if err != nil {
			slog.Warn("listener lost broker subscription", slog.String("channel", l.channel), slog.Any("error", logging.WrapError(err, "receive")))
			s.Close()
			s = l.resubscribe(ctx)
			if s == nil {
				return
			}
			continue
		}

		if err := l.handle(msg.Payload); errors.Is(err, registry.ErrClosed) {
			slog.Info("listener stopping, registry closed", slog.String("channel", l.channel))
			return
		}
	}
}

// resubscribe retries with exponential backoff until it succeeds or ctx is done.
func (l *Listener) resubscribe(ctx context.Context) broker.Subscription {
	backoff := l.minBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		s, err := l.sub.Subscribe(ctx, l.channel)
		if err == nil {
			slog.Info("listener resubscribed", slog.String("channel", l.channel), slog.Int("attempt", attempt))
			return s
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Error("listener resubscribe failed",
			slog.String("channel", l.channel),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", min(backoff*2, l.maxBackoff)),
			slog.String("error", err.Error()))
		backoff = min(backoff*2, l.maxBackoff)
	}
}

// handle decodes one envelope and hands it to the registry. Malformed
// envelopes are dropped.
func (l *Listener) handle(payload []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("dropping undecodable broker message", slog.String("channel", l.channel), slog.String("error", err.Error()))
		return nil
	}
	if err := env.Validate(); err != nil {
		slog.Warn("dropping malformed broker envelope", slog.String("channel", l.channel), slog.String("error", err.Error()))
		return nil
	}

	slog.Debug("relaying broker event", slog.String("room", env.Key.String()))
	return l.out.Broadcast(env.Key, env.Data, nil)
}
