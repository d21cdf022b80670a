package hub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"tertulia/internal/logging"
	"tertulia/internal/metrics"
	"tertulia/internal/protocol"
	"tertulia/internal/room"
	"tertulia/internal/session"
)

const (
	// defaultRoomName exists from startup and is never garbage collected.
	defaultRoomName = "General"
	defaultRoomBy   = "Sistema"

	// maxNameLen bounds display names, in runes.
	maxNameLen = 30

	// slowConsumerLimit is the consecutive-drop streak after which a
	// session is evicted.
	slowConsumerLimit = 8
)

var (
	ErrEmptyName    = errors.New("empty username")
	ErrNameTooLong  = errors.New("username too long")
	ErrNameInUse    = errors.New("username already in use")
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotInRoom    = errors.New("not a member of the room")
)

// Hub owns every live session and room. One mutex serializes all state
// transitions; effect frames are enqueued to session queues while the lock
// is held, which gives each room a single canonical event order. The lock
// never covers transport I/O: sessions drain their queues on their own
// write loops.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session.Session // session id → session
	names    map[string]string           // lowercased username → session id
	rooms    map[string]*room.Room
}

// New creates a hub holding only the immortal default room.
func New() *Hub {
	h := &Hub{
		sessions: make(map[string]*session.Session),
		names:    make(map[string]string),
		rooms:    make(map[string]*room.Room),
	}
	h.rooms[defaultRoomName] = room.New(defaultRoomName, defaultRoomBy)
	metrics.IncRoom()
	return h
}

// Register validates a display name and creates a session for conn. The
// acknowledgment and the initial rooms snapshot are queued on the new
// session while the lock is held, so no later broadcast can precede them.
func (h *Hub) Register(conn session.Conn, username string) (*session.Session, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return nil, ErrEmptyName
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return nil, ErrNameTooLong
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := strings.ToLower(name)
	if _, taken := h.names[key]; taken {
		return nil, ErrNameInUse
	}

	s := session.New(conn, name)
	h.sessions[s.ID()] = s
	h.names[key] = s.ID()

	h.deliverLocked(s, protocol.ConnectionAck(name, s.ID()))
	h.deliverLocked(s, protocol.RoomsList(h.roomInfosLocked()))

	metrics.IncConnection()
	logging.Info("user connected",
		zap.String("session_id", s.ID()),
		zap.String("username", name),
		zap.Int("sessions", len(h.sessions)))
	return s, nil
}

// CreateRoomAndJoin creates a room with s as its sole member. The duplicate
// check runs before the leave, so a rejected create leaves the caller's
// current room untouched.
func (h *Hub) CreateRoomAndJoin(s *session.Session, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rooms[name]; exists {
		return ErrRoomExists
	}

	h.leaveLocked(s)

	r := room.New(name, s.Name())
	h.rooms[name] = r
	r.Add(s)
	metrics.IncRoom()

	h.broadcastAllLocked(protocol.SystemMessage(fmt.Sprintf("Se ha creado la sala '%s'", name), ""))
	h.broadcastAllLocked(protocol.RoomsList(h.roomInfosLocked()))
	h.deliverLocked(s, protocol.RoomUsers(name, r.Members()))
	h.deliverLocked(s, protocol.SystemMessage(fmt.Sprintf("Has creado y te has unido a la sala '%s'", name), name))

	logging.Info("room created",
		zap.String("room", name),
		zap.String("created_by", s.Name()))
	return nil
}

// JoinRoom moves s into the named room. Joining the current room is a
// no-op. Leaving the previous room happens before the existence check, so
// a join to a missing room still leaves the old one.
func (h *Hub) JoinRoom(s *session.Session, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current := s.Room(); current != "" && current != name {
		h.leaveLocked(s)
	}

	r, ok := h.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if !r.Add(s) {
		return nil
	}

	h.broadcastRoomLocked(r, protocol.UserJoined(s.Name(), name), s)
	h.broadcastRoomLocked(r, protocol.RoomUsers(name, r.Members()), nil)
	h.deliverLocked(s, protocol.SystemMessage(fmt.Sprintf("Te has unido a la sala '%s'", name), name))
	h.broadcastAllLocked(protocol.RoomsList(h.roomInfosLocked()))

	logging.Info("user joined room",
		zap.String("username", s.Name()),
		zap.String("room", name))
	return nil
}

// LeaveRoom removes s from the named room. It reports whether a membership
// actually ended; leaving a missing room or one s is not in has no effect.
func (h *Hub) LeaveRoom(s *session.Session, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveNamedLocked(s, name)
}

// BroadcastChat fans a chat message out to every member of the room, the
// sender included, and records it in the room history.
func (h *Hub) BroadcastChat(s *session.Session, roomName, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomName]
	if !ok || !r.Has(s) {
		return ErrNotInRoom
	}

	r.AppendHistory(s.Name(), content)
	h.broadcastRoomLocked(r, protocol.ChatMessage(s.Name(), roomName, content), nil)

	logging.Debug("message sent",
		zap.String("username", s.Name()),
		zap.String("room", roomName))
	return nil
}

// ListRooms queues a rooms snapshot on s only.
func (h *Hub) ListRooms(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(s, protocol.RoomsList(h.roomInfosLocked()))
}

// SendError queues a non-fatal error frame for s. Error replies go through
// the hub so the slow-consumer accounting sees every enqueue.
func (h *Hub) SendError(s *session.Session, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(s, protocol.ErrorMessage(message))
}

// Disconnect unregisters s and closes it. Safe to call more than once and
// from any goroutine; only the first call mutates the registry.
func (h *Hub) Disconnect(s *session.Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID()]; !ok {
		h.mu.Unlock()
		s.Close(websocket.StatusNormalClosure, "")
		return
	}

	h.leaveLocked(s)
	delete(h.sessions, s.ID())
	delete(h.names, strings.ToLower(s.Name()))
	metrics.DecConnection()
	remaining := len(h.sessions)
	h.mu.Unlock()

	s.Close(websocket.StatusNormalClosure, "")
	logging.Info("user disconnected",
		zap.String("session_id", s.ID()),
		zap.String("username", s.Name()),
		zap.Int("sessions", remaining))
}

// Shutdown closes every session with a going-away frame and resets the
// registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	closing := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		closing = append(closing, s)
		metrics.DecConnection()
	}
	for name := range h.rooms {
		if name != defaultRoomName {
			metrics.DecRoom()
		}
	}
	h.sessions = make(map[string]*session.Session)
	h.names = make(map[string]string)
	h.rooms = map[string]*room.Room{defaultRoomName: room.New(defaultRoomName, defaultRoomBy)}
	h.mu.Unlock()

	for _, s := range closing {
		s.Close(websocket.StatusGoingAway, "server shutting down")
	}
	logging.Info("hub shut down", zap.Int("sessions_closed", len(closing)))
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// leaveLocked runs the full leave sequence for s's current room, if any.
func (h *Hub) leaveLocked(s *session.Session) {
	if current := s.Room(); current != "" {
		h.leaveNamedLocked(s, current)
	}
}

func (h *Hub) leaveNamedLocked(s *session.Session, name string) bool {
	r, ok := h.rooms[name]
	if !ok {
		return false
	}
	if !r.Remove(s) {
		return false
	}

	h.broadcastRoomLocked(r, protocol.UserLeft(s.Name(), name), nil)
	if r.Len() > 0 {
		h.broadcastRoomLocked(r, protocol.RoomUsers(name, r.Members()), nil)
	}
	if r.Len() == 0 && name != defaultRoomName {
		delete(h.rooms, name)
		metrics.DecRoom()
		logging.Info("room deleted", zap.String("room", name))
	}
	h.broadcastAllLocked(protocol.RoomsList(h.roomInfosLocked()))

	logging.Info("user left room",
		zap.String("username", s.Name()),
		zap.String("room", name))
	return true
}

// deliverLocked queues one frame for one session and applies the
// slow-consumer policy when the queue is full.
func (h *Hub) deliverLocked(s *session.Session, frame []byte) {
	if !s.Enqueue(frame) {
		h.noteDropLocked(s)
	}
}

// noteDropLocked records a dropped frame and evicts the session exactly
// once per streak when it reaches the limit. The disconnect is scheduled on
// its own goroutine because the hub lock is held here.
func (h *Hub) noteDropLocked(s *session.Session) {
	metrics.DroppedFrames.Inc()
	if s.Drops() != slowConsumerLimit {
		return
	}
	metrics.SlowConsumerDisconnects.Inc()
	logging.Warn("slow consumer evicted",
		zap.String("session_id", s.ID()),
		zap.String("username", s.Name()),
		zap.Int32("consecutive_drops", s.Drops()))
	go h.Disconnect(s)
}

func (h *Hub) broadcastAllLocked(frame []byte) {
	for _, s := range h.sessions {
		h.deliverLocked(s, frame)
	}
}

func (h *Hub) broadcastRoomLocked(r *room.Room, frame []byte, exclude *session.Session) {
	for _, s := range r.Broadcast(frame, exclude) {
		h.noteDropLocked(s)
	}
}

func (h *Hub) roomInfosLocked() []protocol.RoomInfo {
	infos := make([]protocol.RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		infos = append(infos, r.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
