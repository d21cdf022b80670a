package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tertulia/internal/logging"
	"tertulia/internal/metrics"
	"tertulia/internal/protocol"
	"tertulia/internal/session"
)

// maxRoomNameLen bounds room names, in runes.
const maxRoomNameLen = 50

// directWriteWait caps pre-registration writes, which bypass the session
// queue because no session exists yet.
const directWriteWait = 10 * time.Second

// handleWebSocket upgrades the connection and runs its read loop. The first
// accepted message must be connect; the peer may retry the handshake on the
// same connection until it succeeds. Registered frames are decoded and
// dispatched until the peer closes, the transport fails, or a disconnect
// message arrives. The deferred finalizer funnels every exit through the
// hub's idempotent disconnect.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		logging.Warn("websocket upgrade failed",
			zap.String("remote", c.RealIP()),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade failed")
	}
	logging.Debug("connection opened", zap.String("remote", c.RealIP()))

	ctx := context.Background()
	var sess *session.Session
	defer func() {
		if sess != nil {
			s.hub.Disconnect(sess)
		} else {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logging.Debug("connection closed", zap.String("remote", c.RealIP()), zap.Error(err))
			return nil
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logging.Warn("malformed frame", zap.String("remote", c.RealIP()), zap.Error(err))
			if sess != nil {
				s.hub.SendError(sess, "mensaje inválido")
			} else {
				writeDirect(ctx, conn, protocol.ErrorMessage("mensaje inválido"))
			}
			continue
		}

		if sess == nil {
			sess = s.register(ctx, conn, msg)
			continue
		}

		if msg.Type == protocol.TypeDisconnect {
			return nil
		}

		s.dispatch(sess, msg)
	}
}

// register runs one handshake step. Rejections are written straight to the
// transport and return nil so the caller keeps waiting for a valid connect.
// On success the session's write and ping loops are started.
func (s *Server) register(ctx context.Context, conn *websocket.Conn, msg *protocol.Message) *session.Session {
	if msg.Type != protocol.TypeConnect {
		writeDirect(ctx, conn, protocol.ConnectionError("Primer mensaje debe ser de conexión"))
		return nil
	}

	sess, err := s.hub.Register(conn, msg.Payload.Username)
	if err != nil {
		logging.Warn("registration rejected",
			zap.String("username", msg.Payload.Username),
			zap.Error(err))
		writeDirect(ctx, conn, protocol.ConnectionError("Nombre de usuario inválido o ya en uso"))
		return nil
	}

	go sess.WriteLoop()
	go sess.PingLoop()
	return sess
}

func writeDirect(ctx context.Context, conn *websocket.Conn, frame []byte) {
	wctx, cancel := context.WithTimeout(ctx, directWriteWait)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		logging.Debug("handshake write failed", zap.Error(err))
	}
}

type handlerFunc func(*Server, *session.Session, *protocol.Message)

// handlers routes the client-originated tags. Tags missing here, such as a
// repeated connect or a server-to-client tag echoed back, are logged and
// ignored.
var handlers = map[protocol.Type]handlerFunc{
	protocol.TypeCreateRoom:  (*Server).handleCreateRoom,
	protocol.TypeJoinRoom:    (*Server).handleJoinRoom,
	protocol.TypeLeaveRoom:   (*Server).handleLeaveRoom,
	protocol.TypeListRooms:   (*Server).handleListRooms,
	protocol.TypeChatMessage: (*Server).handleChat,
}

func (s *Server) dispatch(sess *session.Session, msg *protocol.Message) {
	handler, ok := handlers[msg.Type]
	if !ok {
		logging.Warn("unhandled message type",
			zap.String("type", string(msg.Type)),
			zap.String("username", sess.Name()))
		return
	}

	metrics.InboundMessages.WithLabelValues(string(msg.Type)).Inc()
	start := time.Now()
	handler(s, sess, msg)
	metrics.DispatchDuration.WithLabelValues(string(msg.Type)).Observe(time.Since(start).Seconds())
}

func (s *Server) handleCreateRoom(sess *session.Session, msg *protocol.Message) {
	name := strings.TrimSpace(msg.Payload.RoomName)
	if name == "" {
		s.hub.SendError(sess, "El nombre de la sala no puede estar vacío")
		return
	}
	if utf8.RuneCountInString(name) > maxRoomNameLen {
		s.hub.SendError(sess, "El nombre de la sala es demasiado largo (máx. 50 caracteres)")
		return
	}

	if err := s.hub.CreateRoomAndJoin(sess, name); err != nil {
		s.hub.SendError(sess, fmt.Sprintf("La sala '%s' ya existe", name))
	}
}

func (s *Server) handleJoinRoom(sess *session.Session, msg *protocol.Message) {
	name := strings.TrimSpace(msg.Payload.RoomName)
	if name == "" {
		s.hub.SendError(sess, "Debe especificar el nombre de la sala")
		return
	}

	if err := s.hub.JoinRoom(sess, name); err != nil {
		s.hub.SendError(sess, fmt.Sprintf("La sala '%s' no existe", name))
	}
}

// handleLeaveRoom leaves the named room, or the current one when the
// payload names none. Leaving nothing is not an error.
func (s *Server) handleLeaveRoom(sess *session.Session, msg *protocol.Message) {
	name := msg.Payload.RoomName
	if name == "" {
		name = sess.Room()
	}
	if name == "" {
		return
	}
	s.hub.LeaveRoom(sess, name)
}

func (s *Server) handleListRooms(sess *session.Session, _ *protocol.Message) {
	s.hub.ListRooms(sess)
}

// handleChat fans a message out to the named room, defaulting to the
// sender's current one. Empty content is dropped without a reply.
func (s *Server) handleChat(sess *session.Session, msg *protocol.Message) {
	content := strings.TrimSpace(msg.Payload.Content)
	if content == "" {
		return
	}

	roomName := msg.Payload.RoomName
	if roomName == "" {
		roomName = sess.Room()
		if roomName == "" {
			s.hub.SendError(sess, "No estás en ninguna sala")
			return
		}
	}

	if err := s.hub.BroadcastChat(sess, roomName, content); err != nil {
		s.hub.SendError(sess, "No estás en esta sala")
	}
}
