package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// outboundSize bounds the per-session delivery queue. Enqueues never
	// block: a full queue drops the frame instead.
	outboundSize = 64

	writeWait   = 10 * time.Second
	pingTimeout = 10 * time.Second
)

// pingInterval is a variable so tests can shorten the keepalive cadence.
var pingInterval = 30 * time.Second

// Conn is the transport surface a session writes to. *websocket.Conn
// satisfies it.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Session represents one registered WebSocket connection. All outbound
// frames flow through the bounded queue and are written by WriteLoop; the
// transport is never written from hub goroutines. Every termination path
// funnels through Close, which stops WriteLoop, which closes the transport.
type Session struct {
	id          string
	name        string
	conn        Conn
	outbound    chan []byte
	connectedAt time.Time

	roomMu      sync.RWMutex
	currentRoom string

	// drops counts consecutive enqueue failures. A successful enqueue
	// resets it.
	drops atomic.Int32

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   websocket.StatusCode
	closeReason string
}

// New creates a session for an authenticated connection.
func New(conn Conn, name string) *Session {
	return &Session{
		id:          uuid.NewString()[:8],
		name:        name,
		conn:        conn,
		outbound:    make(chan []byte, outboundSize),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// ID returns the short session identifier.
func (s *Session) ID() string {
	return s.id
}

// Name returns the registered username.
func (s *Session) Name() string {
	return s.name
}

// ConnectedAt returns the registration time.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Room returns the name of the room the session is in, or "" if none.
func (s *Session) Room() string {
	s.roomMu.RLock()
	defer s.roomMu.RUnlock()
	return s.currentRoom
}

// SetRoom records the session's current room.
func (s *Session) SetRoom(name string) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	s.currentRoom = name
}

// Enqueue offers a frame to the outbound queue without blocking. It reports
// whether the frame was accepted; on a full queue the frame is dropped and
// the consecutive-drop counter grows.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case s.outbound <- frame:
		s.drops.Store(0)
		return true
	default:
		s.drops.Add(1)
		return false
	}
}

// Drops returns the current consecutive-drop count.
func (s *Session) Drops() int32 {
	return s.drops.Load()
}

// Close requests termination with the given close frame. Only the first
// call takes effect; later calls are no-ops.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

// Done is closed once the session is terminating.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// WriteLoop drains the outbound queue onto the transport. It owns all
// writes to the connection and runs until Close is called or a write
// fails. On exit it closes the transport, which unblocks the reader.
func (s *Session) WriteLoop() {
	defer func() {
		_ = s.conn.Close(s.closeCode, s.closeReason)
	}()

	for {
		select {
		case frame := <-s.outbound:
			if err := s.writeFrame(frame); err != nil {
				s.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes any frames already queued at close time, so a goodbye
// enqueued just before Close still reaches the peer.
func (s *Session) flush() {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.writeFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeFrame(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

// PingLoop sends a protocol ping every pingInterval and terminates the
// session when the peer does not answer within pingTimeout.
func (s *Session) PingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.Close(websocket.StatusPolicyViolation, "keepalive timeout")
				return
			}
		case <-s.done:
			return
		}
	}
}
