package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tertulia/internal/protocol"
	"tertulia/internal/session"
)

type fakeConn struct {
	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Ping(_ context.Context) error { return nil }

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) closeState() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// messages decodes every frame written so far.
func (c *fakeConn) messages(t *testing.T) []*protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

type testClient struct {
	conn *fakeConn
	sess *session.Session
}

// connect registers a user and starts its write loop so enqueued frames
// land on the fake transport.
func connect(t *testing.T, h *Hub, name string) *testClient {
	t.Helper()
	conn := &fakeConn{}
	s, err := h.Register(conn, name)
	require.NoError(t, err)
	go s.WriteLoop()
	t.Cleanup(func() {
		s.Close(websocket.StatusNormalClosure, "")
	})
	return &testClient{conn: conn, sess: s}
}

// waitFrames blocks until conn has written at least n frames and returns
// them decoded.
func waitFrames(t *testing.T, conn *fakeConn, n int) []*protocol.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return conn.count() >= n
	}, time.Second, 5*time.Millisecond)
	return conn.messages(t)
}

func frameTypes(msgs []*protocol.Message) []protocol.Type {
	out := make([]protocol.Type, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestRegisterSendsAckThenRoomsList(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")

	msgs := waitFrames(t, ana.conn, 2)
	require.Equal(t, []protocol.Type{protocol.TypeConnectionAck, protocol.TypeRoomsList}, frameTypes(msgs))

	ack := msgs[0].Payload
	assert.Equal(t, "ana", ack.Username)
	assert.Equal(t, ana.sess.ID(), ack.UserID)
	assert.Len(t, ack.UserID, 8)

	rooms := msgs[1].Payload.Rooms
	require.Len(t, rooms, 1)
	assert.Equal(t, "General", rooms[0].Name)
	assert.Equal(t, "Sistema", rooms[0].CreatedBy)
	assert.Equal(t, 0, rooms[0].UserCount)
}

func TestRegisterRejectsInvalidNames(t *testing.T) {
	h := New()

	_, err := h.Register(&fakeConn{}, "")
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = h.Register(&fakeConn{}, "   ")
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = h.Register(&fakeConn{}, strings.Repeat("a", 31))
	assert.ErrorIs(t, err, ErrNameTooLong)

	// Multibyte names are measured in runes, not bytes.
	_, err = h.Register(&fakeConn{}, strings.Repeat("ñ", 30))
	assert.NoError(t, err)

	assert.Equal(t, 1, h.SessionCount())
}

func TestRegisterRejectsDuplicateNamesCaseInsensitively(t *testing.T) {
	h := New()
	connect(t, h, "Ana")

	_, err := h.Register(&fakeConn{}, "Ana")
	assert.ErrorIs(t, err, ErrNameInUse)
	_, err = h.Register(&fakeConn{}, "ana")
	assert.ErrorIs(t, err, ErrNameInUse)
	_, err = h.Register(&fakeConn{}, "ANA")
	assert.ErrorIs(t, err, ErrNameInUse)

	// Surrounding whitespace trims down to the same name.
	_, err = h.Register(&fakeConn{}, "  ana  ")
	assert.ErrorIs(t, err, ErrNameInUse)

	assert.Equal(t, 1, h.SessionCount())
}

func TestNameFreedAfterDisconnect(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")

	h.Disconnect(ana.sess)
	assert.Equal(t, 0, h.SessionCount())

	_, err := h.Register(&fakeConn{}, "ana")
	assert.NoError(t, err)
}

func TestCreateRoomAndJoinEffects(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	beto := connect(t, h, "beto")
	waitFrames(t, ana.conn, 2)
	waitFrames(t, beto.conn, 2)

	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Juegos"))

	// Creator: global announcement, refreshed list, membership snapshot,
	// private welcome, in that order.
	msgs := waitFrames(t, ana.conn, 6)[2:]
	require.Equal(t, []protocol.Type{
		protocol.TypeSystemMessage,
		protocol.TypeRoomsList,
		protocol.TypeRoomUsers,
		protocol.TypeSystemMessage,
	}, frameTypes(msgs))

	assert.Equal(t, "Se ha creado la sala 'Juegos'", msgs[0].Payload.Content)
	assert.Empty(t, msgs[0].Payload.RoomName, "announcement is global")

	rooms := msgs[1].Payload.Rooms
	require.Len(t, rooms, 2)
	assert.Equal(t, "General", rooms[0].Name)
	assert.Equal(t, "Juegos", rooms[1].Name)
	assert.Equal(t, "ana", rooms[1].CreatedBy)
	assert.Equal(t, 1, rooms[1].UserCount)
	assert.Equal(t, []string{"ana"}, rooms[1].Users)

	assert.Equal(t, "Juegos", msgs[2].Payload.RoomName)
	assert.Equal(t, []string{"ana"}, msgs[2].Payload.Users)

	assert.Equal(t, "Has creado y te has unido a la sala 'Juegos'", msgs[3].Payload.Content)
	assert.Equal(t, "Juegos", msgs[3].Payload.RoomName)

	// A bystander sees only the announcement and the refreshed list.
	betoMsgs := waitFrames(t, beto.conn, 4)[2:]
	require.Equal(t, []protocol.Type{
		protocol.TypeSystemMessage,
		protocol.TypeRoomsList,
	}, frameTypes(betoMsgs))

	assert.Equal(t, "Juegos", ana.sess.Room())
	assert.Empty(t, beto.sess.Room())
	assert.Equal(t, 2, h.RoomCount())
}

func TestCreateDuplicateRoomKeepsCurrentRoom(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	beto := connect(t, h, "beto")

	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Juegos"))
	require.NoError(t, h.CreateRoomAndJoin(beto.sess, "Cine"))

	err := h.CreateRoomAndJoin(beto.sess, "Juegos")
	assert.ErrorIs(t, err, ErrRoomExists)

	// The failed create never ran the leave sequence.
	assert.Equal(t, "Cine", beto.sess.Room())
	assert.Equal(t, 3, h.RoomCount())
}

func TestJoinRoomEffects(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))
	waitFrames(t, ana.conn, 6)

	beto := connect(t, h, "beto")
	waitFrames(t, beto.conn, 2)

	require.NoError(t, h.JoinRoom(beto.sess, "Cine"))

	// The incumbent sees the join notice, the refreshed membership, then
	// the refreshed room list.
	anaMsgs := waitFrames(t, ana.conn, 9)[6:]
	require.Equal(t, []protocol.Type{
		protocol.TypeUserJoined,
		protocol.TypeRoomUsers,
		protocol.TypeRoomsList,
	}, frameTypes(anaMsgs))
	assert.Equal(t, "beto", anaMsgs[0].Payload.Username)
	assert.Equal(t, "Cine", anaMsgs[0].Payload.RoomName)
	assert.Equal(t, []string{"ana", "beto"}, anaMsgs[1].Payload.Users)

	// The joiner gets the membership and a private welcome, never its own
	// join notice.
	betoMsgs := waitFrames(t, beto.conn, 5)[2:]
	require.Equal(t, []protocol.Type{
		protocol.TypeRoomUsers,
		protocol.TypeSystemMessage,
		protocol.TypeRoomsList,
	}, frameTypes(betoMsgs))
	assert.Equal(t, []string{"ana", "beto"}, betoMsgs[0].Payload.Users)
	assert.Equal(t, "Te has unido a la sala 'Cine'", betoMsgs[1].Payload.Content)
	assert.Equal(t, "Cine", betoMsgs[1].Payload.RoomName)

	assert.Equal(t, "Cine", beto.sess.Room())
}

func TestJoinMissingRoomStillLeavesCurrent(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))

	err := h.JoinRoom(ana.sess, "Nada")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	// The leave ran first, and the emptied room was collected.
	assert.Empty(t, ana.sess.Room())
	assert.Equal(t, 1, h.RoomCount())
}

func TestJoinCurrentRoomIsNoOp(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))
	before := len(waitFrames(t, ana.conn, 6))

	require.NoError(t, h.JoinRoom(ana.sess, "Cine"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, ana.conn.count())
	assert.Equal(t, "Cine", ana.sess.Room())
}

func TestLeaveRoomEffects(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))
	beto := connect(t, h, "beto")
	require.NoError(t, h.JoinRoom(beto.sess, "Cine"))
	waitFrames(t, ana.conn, 9)
	waitFrames(t, beto.conn, 5)

	assert.True(t, h.LeaveRoom(ana.sess, "Cine"))

	betoMsgs := waitFrames(t, beto.conn, 8)[5:]
	require.Equal(t, []protocol.Type{
		protocol.TypeUserLeft,
		protocol.TypeRoomUsers,
		protocol.TypeRoomsList,
	}, frameTypes(betoMsgs))
	assert.Equal(t, "ana", betoMsgs[0].Payload.Username)
	assert.Equal(t, []string{"beto"}, betoMsgs[1].Payload.Users)

	// The leaver only sees the refreshed room list.
	anaMsgs := waitFrames(t, ana.conn, 10)[9:]
	require.Equal(t, []protocol.Type{protocol.TypeRoomsList}, frameTypes(anaMsgs))
	assert.Empty(t, ana.sess.Room())
}

func TestLeaveReturnsFalseWhenNotMember(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	beto := connect(t, h, "beto")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))

	assert.False(t, h.LeaveRoom(beto.sess, "Cine"))
	assert.False(t, h.LeaveRoom(beto.sess, "Nada"))
}

func TestEmptyRoomIsCollected(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))
	require.Equal(t, 2, h.RoomCount())

	assert.True(t, h.LeaveRoom(ana.sess, "Cine"))
	assert.Equal(t, 1, h.RoomCount())

	// The refreshed list no longer carries the collected room.
	msgs := waitFrames(t, ana.conn, 7)
	last := msgs[len(msgs)-1]
	require.Equal(t, protocol.TypeRoomsList, last.Type)
	require.Len(t, last.Payload.Rooms, 1)
	assert.Equal(t, "General", last.Payload.Rooms[0].Name)
}

func TestGeneralSurvivesEmptiness(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")

	require.NoError(t, h.JoinRoom(ana.sess, "General"))
	assert.True(t, h.LeaveRoom(ana.sess, "General"))
	assert.Equal(t, 1, h.RoomCount())

	// Still joinable after being emptied.
	require.NoError(t, h.JoinRoom(ana.sess, "General"))
	assert.Equal(t, "General", ana.sess.Room())
}

func TestChatReachesEveryMemberIncludingSender(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))
	beto := connect(t, h, "beto")
	require.NoError(t, h.JoinRoom(beto.sess, "Cine"))
	anaBefore := len(waitFrames(t, ana.conn, 9))
	betoBefore := len(waitFrames(t, beto.conn, 5))

	require.NoError(t, h.BroadcastChat(ana.sess, "Cine", "hola a todos"))

	for _, tc := range []struct {
		conn   *fakeConn
		before int
	}{{ana.conn, anaBefore}, {beto.conn, betoBefore}} {
		msgs := waitFrames(t, tc.conn, tc.before+1)
		chat := msgs[len(msgs)-1]
		require.Equal(t, protocol.TypeChatMessage, chat.Type)
		assert.Equal(t, "ana", chat.Payload.Username)
		assert.Equal(t, "Cine", chat.Payload.RoomName)
		assert.Equal(t, "hola a todos", chat.Payload.Content)
	}

	h.mu.Lock()
	history := h.rooms["Cine"].History()
	h.mu.Unlock()
	require.Len(t, history, 1)
	assert.Equal(t, "ana", history[0].Username)
	assert.Equal(t, "hola a todos", history[0].Content)
}

func TestChatRejectedWhenNotMember(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))
	beto := connect(t, h, "beto")
	anaBefore := len(waitFrames(t, ana.conn, 6))

	assert.ErrorIs(t, h.BroadcastChat(beto.sess, "Cine", "hola"), ErrNotInRoom)
	assert.ErrorIs(t, h.BroadcastChat(beto.sess, "Nada", "hola"), ErrNotInRoom)

	// Nothing was broadcast and nothing was retained.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, anaBefore, ana.conn.count())

	h.mu.Lock()
	history := h.rooms["Cine"].History()
	h.mu.Unlock()
	assert.Empty(t, history)
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	h := New()

	// No write loop: the queue only fills.
	conn := &fakeConn{}
	slow, err := h.Register(conn, "tortuga")
	require.NoError(t, err)

	// Fill the queue; the fill loop's final rejected enqueue starts the
	// drop streak at one.
	for slow.Enqueue([]byte("fill")) {
	}
	for i := 0; i < slowConsumerLimit-1; i++ {
		h.ListRooms(slow)
	}

	require.Eventually(t, func() bool {
		return h.SessionCount() == 0
	}, time.Second, 5*time.Millisecond)

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("evicted session was not closed")
	}

	// The name is free again.
	_, err = h.Register(&fakeConn{}, "tortuga")
	assert.NoError(t, err)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))
	beto := connect(t, h, "beto")
	require.NoError(t, h.JoinRoom(beto.sess, "Cine"))
	waitFrames(t, ana.conn, 9)

	h.Disconnect(beto.sess)
	h.Disconnect(beto.sess)

	assert.Equal(t, 1, h.SessionCount())

	// The room saw exactly one departure.
	time.Sleep(50 * time.Millisecond)
	left := 0
	for _, m := range ana.conn.messages(t) {
		if m.Type == protocol.TypeUserLeft {
			left++
		}
	}
	assert.Equal(t, 1, left)
}

func TestShutdownClosesEverySession(t *testing.T) {
	h := New()
	ana := connect(t, h, "ana")
	beto := connect(t, h, "beto")
	require.NoError(t, h.CreateRoomAndJoin(ana.sess, "Cine"))

	h.Shutdown()

	for _, c := range []*fakeConn{ana.conn, beto.conn} {
		require.Eventually(t, c.isClosed, time.Second, 5*time.Millisecond)
		code, reason := c.closeState()
		assert.Equal(t, websocket.StatusGoingAway, code)
		assert.Equal(t, "server shutting down", reason)
	}

	assert.Equal(t, 0, h.SessionCount())
	assert.Equal(t, 1, h.RoomCount())
}

func TestConcurrentChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	h := New()
	const workers = 20
	const iterations = 10

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("user%02d", id)
			roomName := fmt.Sprintf("sala%d", id%5)

			for n := 0; n < iterations; n++ {
				s, err := h.Register(&fakeConn{}, name)
				if err != nil {
					continue
				}
				go s.WriteLoop()

				if err := h.CreateRoomAndJoin(s, roomName); err != nil {
					_ = h.JoinRoom(s, roomName)
				}
				_ = h.BroadcastChat(s, roomName, "hola")
				h.LeaveRoom(s, roomName)
				_ = h.JoinRoom(s, "General")
				h.Disconnect(s)
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return h.SessionCount() == 0 && h.RoomCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.names)
	assert.Equal(t, 0, h.rooms[defaultRoomName].Len())
}
