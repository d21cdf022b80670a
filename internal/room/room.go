package room

import (
	"sort"
	"time"

	"tertulia/internal/protocol"
	"tertulia/internal/session"
)

// MaxHistory bounds the per-room message history. Appending past the
// bound evicts the oldest entries.
const MaxHistory = 100

// HistoryEntry is one retained chat message.
type HistoryEntry struct {
	Username  string
	Content   string
	Timestamp string
}

// Room is a named chat room. Rooms carry no lock of their own: every
// method must be called while holding the hub lock.
type Room struct {
	Name      string
	CreatedBy string
	CreatedAt time.Time

	members map[string]*session.Session // keyed by session ID
	history []HistoryEntry
}

// New creates an empty room.
func New(name, createdBy string) *Room {
	return &Room{
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
		members:   make(map[string]*session.Session),
	}
}

// Add puts s in the room and records the membership on the session. It
// reports false if s was already a member.
func (r *Room) Add(s *session.Session) bool {
	if _, ok := r.members[s.ID()]; ok {
		return false
	}
	r.members[s.ID()] = s
	s.SetRoom(r.Name)
	return true
}

// Remove takes s out of the room and clears the membership on the
// session. It reports false if s was not a member.
func (r *Room) Remove(s *session.Session) bool {
	if _, ok := r.members[s.ID()]; !ok {
		return false
	}
	delete(r.members, s.ID())
	s.SetRoom("")
	return true
}

// Has reports whether s is a member.
func (r *Room) Has(s *session.Session) bool {
	_, ok := r.members[s.ID()]
	return ok
}

// Len returns the member count.
func (r *Room) Len() int {
	return len(r.members)
}

// Members returns the member usernames sorted alphabetically.
func (r *Room) Members() []string {
	names := make([]string, 0, len(r.members))
	for _, s := range r.members {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}

// Sessions returns a snapshot of the member sessions.
func (r *Room) Sessions() []*session.Session {
	out := make([]*session.Session, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, s)
	}
	return out
}

// AppendHistory retains a chat message, evicting the oldest entries once
// the history exceeds MaxHistory.
func (r *Room) AppendHistory(username, content string) {
	r.history = append(r.history, HistoryEntry{
		Username:  username,
		Content:   content,
		Timestamp: protocol.Timestamp(),
	})
	if len(r.history) > MaxHistory {
		r.history = r.history[len(r.history)-MaxHistory:]
	}
}

// History returns a copy of the retained messages, oldest first.
func (r *Room) History() []HistoryEntry {
	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

// Broadcast enqueues frame to every member except exclude, which may be
// nil. It returns the members whose queues were full and did not take
// the frame.
func (r *Room) Broadcast(frame []byte, exclude *session.Session) []*session.Session {
	var full []*session.Session
	for _, s := range r.members {
		if s == exclude {
			continue
		}
		if !s.Enqueue(frame) {
			full = append(full, s)
		}
	}
	return full
}

// Info describes the room for listings.
func (r *Room) Info() protocol.RoomInfo {
	return protocol.RoomInfo{
		Name:      r.Name,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		UserCount: len(r.members),
		Users:     r.Members(),
	}
}
