// Package broadcast fans committed domain events out to subscribed
// connections. Rooms are keyed per chat and per user; delivery is
// at-most-once per connected session and never persisted.
package broadcast

import (
	"encoding/json"
	"strconv"

	"github.com/arsalan507/workchat-sub000/internal/domain"
)

// Room is a fan-out routing key: "chat:{id}" or "user:{id}".
type Room string

func ChatRoom(chatID int64) Room {
	return Room("chat:" + strconv.FormatInt(chatID, 10))
}

func UserRoom(userID int64) Room {
	return Room("user:" + strconv.FormatInt(userID, 10))
}

// Event is the closed catalog of things the broadcaster can deliver. Each
// variant is a concrete struct so payloads are compile-time checked; there
// is no string-keyed listener registry.
type Event interface {
	EventType() string
	EventRooms() []Room
	sealed()
}

type envelope struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

// Marshal renders the single wire form used for every delivery of ev.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(envelope{Type: ev.EventType(), Payload: ev})
}

type NewMessage struct {
	Message domain.Message `json:"message"`
}

func (NewMessage) EventType() string    { return "new_message" }
func (e NewMessage) EventRooms() []Room { return []Room{ChatRoom(e.Message.ChatID)} }
func (NewMessage) sealed()              {}

// ChatCreated goes to each member's user room so chat lists update across
// chats without a chat-room subscription.
type ChatCreated struct {
	Chat domain.Chat `json:"chat"`
}

func (ChatCreated) EventType() string { return "chat_created" }
func (e ChatCreated) EventRooms() []Room {
	rooms := make([]Room, 0, len(e.Chat.Members))
	for _, m := range e.Chat.Members {
		rooms = append(rooms, UserRoom(m.UserID))
	}
	return rooms
}
func (ChatCreated) sealed() {}

type MessageConvertedToTask struct {
	Task domain.Task `json:"task"`
}

func (MessageConvertedToTask) EventType() string    { return "message_converted_to_task" }
func (e MessageConvertedToTask) EventRooms() []Room { return []Room{ChatRoom(e.Task.ChatID)} }
func (MessageConvertedToTask) sealed()              {}

type TaskStatusChanged struct {
	TaskID  int64             `json:"task_id"`
	ChatID  int64             `json:"chat_id"`
	From    domain.TaskStatus `json:"from"`
	To      domain.TaskStatus `json:"to"`
	ActorID int64             `json:"actor_id"`
}

func (TaskStatusChanged) EventType() string    { return "task_status_changed" }
func (e TaskStatusChanged) EventRooms() []Room { return []Room{ChatRoom(e.ChatID)} }
func (TaskStatusChanged) sealed()              {}

type TaskStepCompleted struct {
	TaskID  int64           `json:"task_id"`
	ChatID  int64           `json:"chat_id"`
	Step    domain.TaskStep `json:"step"`
	ActorID int64           `json:"actor_id"`
}

func (TaskStepCompleted) EventType() string    { return "task_step_completed" }
func (e TaskStepCompleted) EventRooms() []Room { return []Room{ChatRoom(e.ChatID)} }
func (TaskStepCompleted) sealed()              {}

// MemberAdded also notifies each new member's user room: an invited user is
// not yet subscribed to the chat room.
type MemberAdded struct {
	ChatID  int64               `json:"chat_id"`
	Members []domain.ChatMember `json:"members"`
}

func (MemberAdded) EventType() string { return "member_added" }
func (e MemberAdded) EventRooms() []Room {
	rooms := []Room{ChatRoom(e.ChatID)}
	for _, m := range e.Members {
		rooms = append(rooms, UserRoom(m.UserID))
	}
	return rooms
}
func (MemberAdded) sealed() {}

type MemberRemoved struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

func (MemberRemoved) EventType() string { return "member_removed" }
func (e MemberRemoved) EventRooms() []Room {
	return []Room{ChatRoom(e.ChatID), UserRoom(e.UserID)}
}
func (MemberRemoved) sealed() {}

type MemberRoleChanged struct {
	ChatID int64       `json:"chat_id"`
	UserID int64       `json:"user_id"`
	Role   domain.Role `json:"role"`
}

func (MemberRoleChanged) EventType() string    { return "member_role_changed" }
func (e MemberRoleChanged) EventRooms() []Room { return []Room{ChatRoom(e.ChatID)} }
func (MemberRoleChanged) sealed()              {}

type MessageRead struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
	UserID    int64 `json:"user_id"`
}

func (MessageRead) EventType() string    { return "message_read" }
func (e MessageRead) EventRooms() []Room { return []Room{ChatRoom(e.ChatID)} }
func (MessageRead) sealed()              {}

type MessagesRead struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
	Count  int64 `json:"count"`
}

func (MessagesRead) EventType() string    { return "messages_read" }
func (e MessagesRead) EventRooms() []Room { return []Room{ChatRoom(e.ChatID)} }
func (MessagesRead) sealed()              {}

type UnreadUpdated struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
	Unread int64 `json:"unread"`
}

func (UnreadUpdated) EventType() string    { return "unread_updated" }
func (e UnreadUpdated) EventRooms() []Room { return []Room{UserRoom(e.UserID)} }
func (UnreadUpdated) sealed()              {}

type UserTyping struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

func (UserTyping) EventType() string    { return "user_typing" }
func (e UserTyping) EventRooms() []Room { return []Room{ChatRoom(e.ChatID)} }
func (UserTyping) sealed()              {}

// UserOnline / UserOffline are derived from connection lifecycle and fan out
// to the chat rooms the user belongs to at (dis)connect time.
type UserOnline struct {
	UserID int64 `json:"user_id"`
	rooms  []Room
}

func NewUserOnline(userID int64, chatIDs []int64) UserOnline {
	return UserOnline{UserID: userID, rooms: chatRooms(chatIDs)}
}

func (UserOnline) EventType() string    { return "user_online" }
func (e UserOnline) EventRooms() []Room { return e.rooms }
func (UserOnline) sealed()              {}

type UserOffline struct {
	UserID int64 `json:"user_id"`
	rooms  []Room
}

func NewUserOffline(userID int64, chatIDs []int64) UserOffline {
	return UserOffline{UserID: userID, rooms: chatRooms(chatIDs)}
}

func (UserOffline) EventType() string    { return "user_offline" }
func (e UserOffline) EventRooms() []Room { return e.rooms }
func (UserOffline) sealed()              {}

func chatRooms(chatIDs []int64) []Room {
	rooms := make([]Room, 0, len(chatIDs))
	for _, id := range chatIDs {
		rooms = append(rooms, ChatRoom(id))
	}
	return rooms
}
