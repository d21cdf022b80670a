package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies a protocol message.
type Type string

// The protocol tag set. Direction is client→server, server→client, or both
// (chat_message).
const (
	// Connection lifecycle
	TypeConnect         Type = "connect"
	TypeDisconnect      Type = "disconnect"
	TypeConnectionAck   Type = "connection_ack"
	TypeConnectionError Type = "connection_error"

	// Rooms
	TypeCreateRoom Type = "create_room"
	TypeJoinRoom   Type = "join_room"
	TypeLeaveRoom  Type = "leave_room"
	TypeListRooms  Type = "list_rooms"
	TypeRoomsList  Type = "rooms_list"
	TypeRoomUsers  Type = "room_users"

	// Chat
	TypeChatMessage   Type = "chat_message"
	TypeSystemMessage Type = "system_message"

	// Membership notifications
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"

	// Errors
	TypeError Type = "error"
)

var validTypes = map[Type]bool{
	TypeConnect:         true,
	TypeDisconnect:      true,
	TypeConnectionAck:   true,
	TypeConnectionError: true,
	TypeCreateRoom:      true,
	TypeJoinRoom:        true,
	TypeLeaveRoom:       true,
	TypeListRooms:       true,
	TypeRoomsList:       true,
	TypeRoomUsers:       true,
	TypeChatMessage:     true,
	TypeSystemMessage:   true,
	TypeUserJoined:      true,
	TypeUserLeft:        true,
	TypeError:           true,
}

// Valid reports whether t belongs to the protocol tag set.
func (t Type) Valid() bool {
	return validTypes[t]
}

// ErrMalformed marks frames that are not valid protocol messages: broken
// JSON, a missing type, or a type outside the tag set.
var ErrMalformed = errors.New("malformed message")

// Message is a decoded protocol frame. Every frame on the wire is a JSON
// object with exactly these three fields.
type Message struct {
	Type      Type    `json:"type"`
	Payload   Payload `json:"payload"`
	Timestamp string  `json:"timestamp"`
}

// Payload is the union of the payload fields of every message type. A sender
// fills the fields its type defines and leaves the rest zero.
type Payload struct {
	Username string     `json:"username"`
	UserID   string     `json:"user_id"`
	Reason   string     `json:"reason"`
	RoomName string     `json:"room_name"`
	Content  string     `json:"content"`
	Message  string     `json:"message"`
	Rooms    []RoomInfo `json:"rooms"`
	Users    []string   `json:"users"`
}

// RoomInfo is one entry of a rooms_list snapshot.
type RoomInfo struct {
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	CreatedAt string   `json:"created_at"`
	UserCount int      `json:"user_count"`
	Users     []string `json:"users"`
}

// Decode parses a wire frame. Errors satisfy errors.Is(err, ErrMalformed).
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return &m, nil
}

// Timestamp returns the ISO-8601 envelope timestamp for outgoing frames.
func Timestamp() string {
	return time.Now().Format(time.RFC3339)
}
