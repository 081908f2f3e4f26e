// Package registry tracks the open client connections of every room.
//
// The room map is owned by a single goroutine started with Run. Register,
// Unregister and Broadcast hand their work to that goroutine through one
// ordered queue, so they may be called from socket goroutines and from the
// broker listener alike without sharing the map.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/backlogman/notifier/internal/models"
)

// DefaultQueueSize is the capacity of the operation queue.
const DefaultQueueSize = 1024

// drainPoll is how often Shutdown checks whether every connection is gone.
const drainPoll = 10 * time.Millisecond

// ErrClosed is returned once the owning goroutine has stopped.
var ErrClosed = errors.New("registry closed")

// Conn is a registered client connection. Send must not block; it returns an
// error when the underlying transport can no longer accept data.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// closer is implemented by connections Shutdown can close.
type closer interface {
	Close()
}

// Stats is a snapshot of registry occupancy.
type Stats struct {
	Rooms   int
	Clients int
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opBroadcast
	opCount
	opStats
	opSnapshot
)

type op struct {
	kind    opKind
	room    models.RoomKey
	conn    Conn
	exclude Conn
	payload []byte
	reply   chan Stats
	conns   chan []Conn
}

// Registry maps room keys to the set of connections currently open in them.
type Registry struct {
	ops   chan op
	done  chan struct{}
	rooms map[models.RoomKey]map[Conn]struct{}
}

// New creates a Registry with the given queue capacity. Call Run to start it.
func New(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		ops:   make(chan op, queueSize),
		done:  make(chan struct{}),
		rooms: make(map[models.RoomKey]map[Conn]struct{}),
	}
}

// Run processes queued operations until ctx is cancelled. It must be called
// exactly once.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("registry stopped")
			return
		case o := <-r.ops:
			r.apply(o)
		}
	}
}

// Done is closed when Run has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Register adds conn to room. Registering the same connection twice is a no-op.
func (r *Registry) Register(room models.RoomKey, conn Conn) error {
	return r.submit(op{kind: opRegister, room: room, conn: conn})
}

// Unregister removes conn from room. Unknown connections are ignored.
func (r *Registry) Unregister(room models.RoomKey, conn Conn) error {
	return r.submit(op{kind: opUnregister, room: room, conn: conn})
}

// Broadcast delivers payload to every connection in room except exclude,
// which may be nil. Connections whose Send fails are skipped and stay
// registered until they unregister themselves.
func (r *Registry) Broadcast(room models.RoomKey, payload []byte, exclude Conn) error {
	return r.submit(op{kind: opBroadcast, room: room, payload: payload, exclude: exclude})
}

// Count returns the number of connections in room once all previously queued
// operations have been applied.
func (r *Registry) Count(room models.RoomKey) (int, error) {
	s, err := r.query(op{kind: opCount, room: room})
	return s.Clients, err
}

// Stats returns the number of non-empty rooms and total connections.
func (r *Registry) Stats() (Stats, error) {
	return r.query(op{kind: opStats})
}

// Shutdown closes every registered connection that supports it and waits
// until all of them have unregistered or ctx is done. Run must still be
// going for the connections to unregister.
func (r *Registry) Shutdown(ctx context.Context) error {
	o := op{kind: opSnapshot, conns: make(chan []Conn, 1)}
	if err := r.submit(o); err != nil {
		return err
	}
	var conns []Conn
	select {
	case conns = <-o.conns:
	case <-r.done:
		return ErrClosed
	}

	closed := 0
	for _, c := range conns {
		if cl, ok := c.(closer); ok {
			cl.Close()
			closed++
		}
	}
	slog.Info("closing client connections", slog.Int("clients", len(conns)), slog.Int("closed", closed))

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		s, err := r.Stats()
		if err != nil {
			return err
		}
		if s.Clients == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Registry) submit(o op) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.ops <- o:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

func (r *Registry) query(o op) (Stats, error) {
	o.reply = make(chan Stats, 1)
	if err := r.submit(o); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-o.reply:
		return s, nil
	case <-r.done:
		return Stats{}, ErrClosed
	}
}

// apply runs on the Run goroutine only.
func (r *Registry) apply(o op) {
	switch o.kind {
	case opRegister:
		conns, ok := r.rooms[o.room]
		if !ok {
			conns = make(map[Conn]struct{})
			r.rooms[o.room] = conns
		}
		conns[o.conn] = struct{}{}
		slog.Info("client registered", slog.String("room", o.room.String()), slog.String("conn_id", o.conn.ID()), slog.Int("clients", len(conns)))

	case opUnregister:
		conns, ok := r.rooms[o.room]
		if !ok {
			return
		}
		if _, member := conns[o.conn]; !member {
			return
		}
		delete(conns, o.conn)
		slog.Info("client unregistered", slog.String("room", o.room.String()), slog.String("conn_id", o.conn.ID()), slog.Int("clients", len(conns)))
		if len(conns) == 0 {
			delete(r.rooms, o.room)
		}

	case opBroadcast:
		for c := range r.rooms[o.room] {
			if o.exclude != nil && c == o.exclude {
				continue
			}
			if err := c.Send(o.payload); err != nil {
				slog.Debug("skipping dead peer", slog.String("room", o.room.String()), slog.String("conn_id", c.ID()), slog.String("error", err.Error()))
			}
		}

	case opCount:
		o.reply <- Stats{Rooms: boolToInt(len(r.rooms[o.room]) > 0), Clients: len(r.rooms[o.room])}

	case opStats:
		var s Stats
		s.Rooms = len(r.rooms)
		for _, conns := range r.rooms {
			s.Clients += len(conns)
		}
		o.reply <- s

	case opSnapshot:
		var conns []Conn
		for _, set := range r.rooms {
			for c := range set {
				conns = append(conns, c)
			}
		}
		o.conns <- conns
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
