package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"

	"github.com/arsalan507/workchat-sub000/internal/broadcast"
	"github.com/arsalan507/workchat-sub000/internal/domain"
	mytesting "github.com/arsalan507/workchat-sub000/internal/testing"
)

// settle gives the server side time to process a handshake or client frame
// before the test publishes into the broadcaster.
const settle = 200 * time.Millisecond

func dialWS(t *testing.T, ts *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?token=" + signToken(t, testSecret, strconv.FormatInt(userID, 10))
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	time.Sleep(settle)
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, action string, chatID int64) {
	t.Helper()
	payload := `{"action":"` + action + `","chat":` + strconv.FormatInt(chatID, 10) + `}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
	time.Sleep(settle)
}

func readEvent(t *testing.T, conn *websocket.Conn) *fastjson.Value {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	v, err := fastjson.ParseBytes(frame)
	require.NoError(t, err)
	return v
}

// requireNoEvent asserts that nothing arrives before the deadline. The read
// error poisons the connection, so this must be the last use of conn.
func requireNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func createChatForWS(t *testing.T, h *handler, creator int64, users ...int64) int64 {
	t.Helper()

	body := `{"name":"` + mytesting.RandString() + `","users":[`
	for i, u := range users {
		if i > 0 {
			body += ","
		}
		body += strconv.FormatInt(u, 10)
	}
	body += `]}`

	rr, req := post(t, creator, body)
	h.createChat(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return parseBody(t, rr).GetInt64("id")
}

func TestWSChatRoomRequiresJoin(t *testing.T) {
	h := bootstrapHandler(t)
	ts := httptest.NewServer(h.serveWS(testSecret))
	defer ts.Close()

	member := registerUser(t, h)
	chatID := createChatForWS(t, h, member)

	conn := dialWS(t, ts, member)

	// chat-room traffic before any join frame must not reach the session;
	// the user-room marker published after it must be the first delivery
	h.broadcaster.Publish(broadcast.NewMessage{Message: domain.Message{ChatID: chatID}})
	h.broadcaster.Publish(broadcast.UnreadUpdated{ChatID: chatID, UserID: member})

	ev := readEvent(t, conn)
	require.Equal(t, "unread_updated", string(ev.GetStringBytes("type")))

	sendFrame(t, conn, "join", chatID)

	h.broadcaster.Publish(broadcast.NewMessage{Message: domain.Message{ChatID: chatID}})
	ev = readEvent(t, conn)
	require.Equal(t, "new_message", string(ev.GetStringBytes("type")))
}

func TestWSJoinRequiresMembership(t *testing.T) {
	h := bootstrapHandler(t)
	ts := httptest.NewServer(h.serveWS(testSecret))
	defer ts.Close()

	member := registerUser(t, h)
	outsider := registerUser(t, h)
	chatID := createChatForWS(t, h, member)

	conn := dialWS(t, ts, outsider)
	sendFrame(t, conn, "join", chatID)

	h.broadcaster.Publish(broadcast.NewMessage{Message: domain.Message{ChatID: chatID}})
	requireNoEvent(t, conn)
}

func TestWSTypingAndPresence(t *testing.T) {
	h := bootstrapHandler(t)
	ts := httptest.NewServer(h.serveWS(testSecret))
	defer ts.Close()

	a := registerUser(t, h)
	b := registerUser(t, h)
	chatID := createChatForWS(t, h, a, b)

	connA := dialWS(t, ts, a)
	sendFrame(t, connA, "join", chatID)

	connB := dialWS(t, ts, b)

	ev := readEvent(t, connA)
	require.Equal(t, "user_online", string(ev.GetStringBytes("type")))
	require.Equal(t, b, ev.GetInt64("payload", "user_id"))

	// typing before join is dropped server-side, only the post-join one lands
	sendFrame(t, connB, "typing", chatID)
	sendFrame(t, connB, "join", chatID)
	sendFrame(t, connB, "typing", chatID)

	ev = readEvent(t, connA)
	require.Equal(t, "user_typing", string(ev.GetStringBytes("type")))
	require.Equal(t, b, ev.GetInt64("payload", "user_id"))

	// user-room marker proves no second typing frame is queued ahead of it
	h.broadcaster.Publish(broadcast.UnreadUpdated{ChatID: chatID, UserID: a})
	ev = readEvent(t, connA)
	require.Equal(t, "unread_updated", string(ev.GetStringBytes("type")))

	require.NoError(t, connB.Close())
	ev = readEvent(t, connA)
	require.Equal(t, "user_offline", string(ev.GetStringBytes("type")))
	require.Equal(t, b, ev.GetInt64("payload", "user_id"))
}
