package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	"github.com/arsalan507/workchat-sub000/internal/broadcast"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// serveWS handles HTTP requests on "/ws" endpoint. It authenticates the
// connection, registers a session with the broadcaster and announces
// presence. Frames the client cannot keep up with are dropped by the
// broadcaster, never queued for later.
func (h *handler) serveWS(secret []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := parseActor(bearerToken(r), secret)
		if err != nil {
			http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Errorf("upgrading websocket connection: %v", err)
			return
		}

		session := broadcast.NewSession(userID, 0)
		h.broadcaster.Register(session)

		// presence fans out to the user's chats, but chat-room delivery
		// starts only once the client sends a join frame
		chatIDs, err := h.store.ChatIDsByUserID(r.Context(), userID)
		if err != nil {
			h.logger.Errorf("loading chats for user %d: %v", userID, err)
			chatIDs = nil
		}
		h.broadcaster.Publish(broadcast.NewUserOnline(userID, chatIDs), broadcast.ExcludeUser(userID))

		go h.writePump(conn, session)
		h.readPump(conn, session, userID)

		h.broadcaster.Unregister(session)
		h.broadcaster.Publish(broadcast.NewUserOffline(userID, chatIDs), broadcast.ExcludeUser(userID))
	}
}

// writePump forwards broadcast frames to the client and keeps the
// connection alive with pings. It exits when the session closes or a
// write fails.
func (h *handler) writePump(conn *websocket.Conn, session *broadcast.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-session.Receive():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// readPump consumes client frames until the connection drops. Clients may
// join or leave chat rooms they are members of and signal typing; anything
// else is ignored.
func (h *handler) readPump(conn *websocket.Conn, session *broadcast.Session, userID int64) {
	defer func() {
		_ = conn.Close()
	}()

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var parser fastjson.Parser
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		v, err := parser.ParseBytes(frame)
		if err != nil {
			continue
		}

		action := string(v.GetStringBytes("action"))
		chatID := v.GetInt64("chat")
		if chatID < 1 {
			continue
		}

		switch action {
		case "join":
			// room membership mirrors chat membership, never exceeds it
			if _, err := h.store.MemberRole(context.Background(), chatID, userID); err != nil {
				continue
			}
			h.broadcaster.Join(session, broadcast.ChatRoom(chatID))
		case "leave":
			h.broadcaster.Leave(session, broadcast.ChatRoom(chatID))
		case "typing":
			if !session.In(broadcast.ChatRoom(chatID)) {
				continue
			}
			h.broadcaster.Publish(
				broadcast.UserTyping{ChatID: chatID, UserID: userID},
				broadcast.ExcludeUser(userID),
			)
		}
	}
}
