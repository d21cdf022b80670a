package protocol

import "encoding/json"

// frame is the envelope written to the wire. Payloads are typed per message
// so optional fields marshal the way each type defines them.
type frame struct {
	Type      Type   `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func encode(t Type, payload any) []byte {
	b, _ := json.Marshal(frame{Type: t, Payload: payload, Timestamp: Timestamp()})
	return b
}

type userPayload struct {
	Username string `json:"username"`
}

type ackPayload struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

type roomPayload struct {
	RoomName string `json:"room_name"`
}

type roomsPayload struct {
	Rooms []RoomInfo `json:"rooms"`
}

type roomUsersPayload struct {
	RoomName string   `json:"room_name"`
	Users    []string `json:"users"`
}

type chatPayload struct {
	Username string `json:"username"`
	RoomName string `json:"room_name"`
	Content  string `json:"content"`
}

type systemPayload struct {
	Content  string `json:"content"`
	RoomName string `json:"room_name,omitempty"`
}

type memberPayload struct {
	Username string `json:"username"`
	RoomName string `json:"room_name"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Connect builds the handshake request a client opens with.
func Connect(username string) []byte {
	return encode(TypeConnect, userPayload{Username: username})
}

// Disconnect builds a clean shutdown request.
func Disconnect(username string) []byte {
	return encode(TypeDisconnect, userPayload{Username: username})
}

// ConnectionAck confirms a successful handshake.
func ConnectionAck(username, userID string) []byte {
	return encode(TypeConnectionAck, ackPayload{Username: username, UserID: userID})
}

// ConnectionError rejects a handshake attempt.
func ConnectionError(reason string) []byte {
	return encode(TypeConnectionError, reasonPayload{Reason: reason})
}

// CreateRoom builds a create-and-join request.
func CreateRoom(roomName string) []byte {
	return encode(TypeCreateRoom, roomPayload{RoomName: roomName})
}

// JoinRoom builds a join request.
func JoinRoom(roomName string) []byte {
	return encode(TypeJoinRoom, roomPayload{RoomName: roomName})
}

// LeaveRoom builds a leave request. An empty room name means the current
// room.
func LeaveRoom(roomName string) []byte {
	return encode(TypeLeaveRoom, roomPayload{RoomName: roomName})
}

// ListRooms requests a rooms snapshot.
func ListRooms() []byte {
	return encode(TypeListRooms, struct{}{})
}

// RoomsList carries a snapshot of every live room.
func RoomsList(rooms []RoomInfo) []byte {
	return encode(TypeRoomsList, roomsPayload{Rooms: rooms})
}

// RoomUsers carries the membership of one room after a change.
func RoomUsers(roomName string, users []string) []byte {
	return encode(TypeRoomUsers, roomUsersPayload{RoomName: roomName, Users: users})
}

// ChatMessage is a user utterance fanned out to a room.
func ChatMessage(username, roomName, content string) []byte {
	return encode(TypeChatMessage, chatPayload{Username: username, RoomName: roomName, Content: content})
}

// SystemMessage is server narration, room-scoped when roomName is non-empty.
func SystemMessage(content, roomName string) []byte {
	return encode(TypeSystemMessage, systemPayload{Content: content, RoomName: roomName})
}

// UserJoined notifies a room that someone entered.
func UserJoined(username, roomName string) []byte {
	return encode(TypeUserJoined, memberPayload{Username: username, RoomName: roomName})
}

// UserLeft notifies a room that someone exited.
func UserLeft(username, roomName string) []byte {
	return encode(TypeUserLeft, memberPayload{Username: username, RoomName: roomName})
}

// ErrorMessage reports a non-fatal operational error to one session.
func ErrorMessage(message string) []byte {
	return encode(TypeError, errorPayload{Message: message})
}
