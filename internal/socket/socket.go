// Package socket implements the per-connection endpoint of a room: it
// registers the connection, relays inbound client messages to the other
// members of the room and writes outbound payloads to the peer.
package socket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/backlogman/notifier/internal/models"
	"github.com/backlogman/notifier/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	// ErrSendBufferFull is returned by Send when the peer is not keeping up.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrSocketClosed is returned by Send after Close.
	ErrSocketClosed = errors.New("socket closed")
)

// State is the lifecycle position of a Socket.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Registry is the part of the connection registry a socket uses.
type Registry interface {
	Register(room models.RoomKey, conn registry.Conn) error
	Unregister(room models.RoomKey, conn registry.Conn) error
	Broadcast(room models.RoomKey, payload []byte, exclude registry.Conn) error
}

// Options tunes transport liveness. Zero values use the package defaults.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = writeWait
	}
	if o.PongWait <= 0 {
		o.PongWait = pongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = maxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = sendBuffer
	}
	return o
}

// Socket is one authenticated client connection bound to a single room.
type Socket struct {
	id       string
	room     models.RoomKey
	username string
	ws       *websocket.Conn
	reg      Registry
	opts     Options

	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
}

// New wraps an upgraded connection. username is stamped on every message the
// client sends. The socket starts in StateConnecting.
func New(ws *websocket.Conn, room models.RoomKey, username string, reg Registry, opts Options) *Socket {
	opts = opts.withDefaults()
	return &Socket{
		id:       uuid.NewString(),
		room:     room,
		username: username,
		ws:       ws,
		reg:      reg,
		opts:     opts,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (s *Socket) ID() string           { return s.id }
func (s *Socket) Room() models.RoomKey { return s.room }
func (s *Socket) State() State         { return State(s.state.Load()) }

// Send queues data for the peer without blocking.
func (s *Socket) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSocketClosed
	default:
		return ErrSendBufferFull
	}
}

// Open registers the socket in its room and starts the write pump. If the
// registry refuses the connection the transport is closed.
func (s *Socket) Open() error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return ErrSocketClosed
	}
	if err := s.reg.Register(s.room, s); err != nil {
		s.state.Store(int32(StateClosed))
		s.closeOnce.Do(func() { close(s.done) })
		s.ws.Close()
		return err
	}
	go s.writePump()
	return nil
}

// Serve runs the read pump until the transport closes, then closes the
// socket. It blocks.
func (s *Socket) Serve() {
	defer s.Close()

	s.ws.SetReadLimit(s.opts.MaxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("socket read ended", slog.String("conn_id", s.id), slog.String("room", s.room.String()), slog.String("error", err.Error()))
			}
			return
		}
		if errors.Is(s.handle(data), registry.ErrClosed) {
			return
		}
	}
}

// Close unregisters the socket and stops the write pump, which closes the
// transport. Closing a closed socket is a no-op.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		if prev == StateOpen {
			if err := s.reg.Unregister(s.room, s); err != nil && !errors.Is(err, registry.ErrClosed) {
				slog.Warn("socket unregister failed", slog.String("conn_id", s.id), slog.String("error", err.Error()))
			}
		}
		close(s.done)
		if prev != StateOpen {
			s.ws.Close()
		}
	})
}

// handle stamps a client message with the sender's name and relays it to
// the rest of the room. Anything but a JSON object is dropped.
func (s *Socket) handle(data []byte) error {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
		slog.Debug("dropping malformed client message", slog.String("conn_id", s.id), slog.String("room", s.room.String()))
		return nil
	}
	name, err := json.Marshal(s.username)
	if err != nil {
		return nil
	}
	msg["username"] = name
	out, err := json.Marshal(msg)
	if err != nil {
		slog.Debug("dropping unencodable client message", slog.String("conn_id", s.id), slog.String("error", err.Error()))
		return nil
	}
	return s.reg.Broadcast(s.room, out, s)
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("socket write failed", slog.String("conn_id", s.id), slog.String("error", err.Error()))
				go s.Close()
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go s.Close()
				return
			}
		case <-s.done:
			s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteWait))
			return
		}
	}
}
