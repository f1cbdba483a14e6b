package server

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/arsalan507/workchat-sub000/internal/broadcast"
	"github.com/arsalan507/workchat-sub000/internal/domain"
	"github.com/arsalan507/workchat-sub000/internal/storage"
)

// TODO limit reading from body

type parsers struct {
	userPool    fastjson.ParserPool
	chatPool    fastjson.ParserPool
	messagePool fastjson.ParserPool
	taskPool    fastjson.ParserPool
	memberPool  fastjson.ParserPool
	readPool    fastjson.ParserPool
}

type handler struct {
	logger      *zap.SugaredLogger
	store       *storage.Store
	broadcaster *broadcast.Broadcaster
	parsers     parsers
}

// actor resolves the authenticated user id attached by the auth middleware.
func (h *handler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := actorFrom(r.Context())
	if !ok {
		http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

// respondJSON writes v as the JSON response body.
func (h *handler) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// respondError maps the four expected error kinds to their status codes;
// anything else is an unexpected storage failure and stays opaque.
func (h *handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case domain.IsForbidden(err):
		http.Error(w, err.Error(), http.StatusForbidden)
	case domain.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case domain.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// publish fans committed events out. Broadcast failures never reach the
// command caller; the persisted state is already authoritative.
func (h *handler) publish(events ...broadcast.Event) {
	for _, ev := range events {
		h.broadcaster.Publish(ev)
	}
}

func requireID(w http.ResponseWriter, v *fastjson.Value, name string) (int64, bool) {
	if !v.Exists(name) {
		http.Error(w, "Missing Field \""+name+"\"", http.StatusBadRequest)
		return 0, false
	}

	id, err := v.Get(name).Int64()
	if err != nil {
		http.Error(w, "Field \""+name+"\" must be a 64-bit integer value", http.StatusBadRequest)
		return 0, false
	}
	if id < 1 {
		http.Error(w, "Field \""+name+"\" must be a valid id greater than zero", http.StatusBadRequest)
		return 0, false
	}

	return id, true
}

func requireIDArray(w http.ResponseWriter, v *fastjson.Value, name string) ([]int64, bool) {
	if !v.Exists(name) {
		http.Error(w, "Missing Field \""+name+"\"", http.StatusBadRequest)
		return nil, false
	}

	values, err := v.Get(name).Array()
	if err != nil {
		http.Error(w, "Field \""+name+"\" must be an array", http.StatusBadRequest)
		return nil, false
	}

	ids := make([]int64, 0, len(values))
	for _, item := range values {
		id, err := item.Int64()
		if err != nil || id < 1 {
			http.Error(w, "Each item in \""+name+"\" array must be a valid id greater than zero", http.StatusBadRequest)
			return nil, false
		}
		ids = append(ids, id)
	}

	return ids, true
}

func requireString(w http.ResponseWriter, v *fastjson.Value, name string) (string, bool) {
	if !v.Exists(name) {
		http.Error(w, "Missing Field \""+name+"\"", http.StatusBadRequest)
		return "", false
	}

	value, err := v.Get(name).StringBytes()
	if err != nil {
		http.Error(w, "Field \""+name+"\" must be a string", http.StatusBadRequest)
		return "", false
	}
	if len(value) == 0 {
		http.Error(w, "Field \""+name+"\" must have non-zero length", http.StatusBadRequest)
		return "", false
	}

	return string(value), true
}

func optionalString(w http.ResponseWriter, v *fastjson.Value, name string) (string, bool) {
	if !v.Exists(name) {
		return "", true
	}

	value, err := v.Get(name).StringBytes()
	if err != nil {
		http.Error(w, "Field \""+name+"\" must be a string", http.StatusBadRequest)
		return "", false
	}

	return string(value), true
}

// createUser handles HTTP requests on "/users/add" endpoint
func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.userPool.Get()
	defer h.parsers.userPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	username, ok := requireString(w, v, "username")
	if !ok {
		return
	}
	phone, ok := requireString(w, v, "phone")
	if !ok {
		return
	}
	displayName, ok := optionalString(w, v, "display_name")
	if !ok {
		return
	}

	user, err := h.store.CreateUser(r.Context(), username, displayName, phone)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, user)
}

// createChat handles HTTP requests on "/chats/add" endpoint
func (h *handler) createChat(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.chatPool.Get()
	defer h.parsers.chatPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	name, ok := optionalString(w, v, "name")
	if !ok {
		return
	}
	users, ok := requireIDArray(w, v, "users")
	if !ok {
		return
	}

	chatType := domain.ChatGroup
	if typeStr, ok := optionalString(w, v, "type"); !ok {
		return
	} else if typeStr != "" {
		chatType = domain.ChatType(typeStr)
		if chatType != domain.ChatDirect && chatType != domain.ChatGroup {
			http.Error(w, "Field \"type\" must be DIRECT or GROUP", http.StatusBadRequest)
			return
		}
	}
	if chatType == domain.ChatGroup && name == "" {
		http.Error(w, "Field \"name\" must have non-zero length", http.StatusBadRequest)
		return
	}

	chat, err := h.store.CreateChat(r.Context(), actor, name, chatType, users)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.publish(broadcast.ChatCreated{Chat: *chat})
	h.respondJSON(w, http.StatusCreated, chat)
}

// createMessage handles HTTP requests on "/messages/add" endpoint
func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.messagePool.Get()
	defer h.parsers.messagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	chatID, ok := requireID(w, v, "chat")
	if !ok {
		return
	}
	text, ok := requireString(w, v, "text")
	if !ok {
		return
	}
	fileURL, ok := optionalString(w, v, "file_url")
	if !ok {
		return
	}

	var replyTo *int64
	if v.Exists("reply_to") {
		id, ok := requireID(w, v, "reply_to")
		if !ok {
			return
		}
		replyTo = &id
	}

	msg, err := h.store.CreateMessage(r.Context(), actor, chatID, text, fileURL, replyTo)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.publish(broadcast.NewMessage{Message: *msg})
	h.respondJSON(w, http.StatusCreated, msg)
}

// chatsByUser handles HTTP requests on "/chats/get" endpoint
func (h *handler) chatsByUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	chats, err := h.store.ChatsByUserID(r.Context(), actor)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, chats)
}

// messagesByChat handles HTTP requests on "/messages/get" endpoint
func (h *handler) messagesByChat(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.messagePool.Get()
	defer h.parsers.messagePool.Put(parser)
	v, _ := parser.ParseBytes(body)

	chatID, ok := requireID(w, v, "chat")
	if !ok {
		return
	}

	messages, err := h.store.MessagesByChatID(r.Context(), actor, chatID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, messages)
}

// convertTask handles HTTP requests on "/tasks/convert" endpoint
func (h *handler) convertTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.taskPool.Get()
	defer h.parsers.taskPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	messageID, ok := requireID(w, v, "message")
	if !ok {
		return
	}
	ownerID, ok := requireID(w, v, "owner")
	if !ok {
		return
	}
	title, ok := optionalString(w, v, "title")
	if !ok {
		return
	}

	priority := domain.PriorityMedium
	if priorityStr, ok := optionalString(w, v, "priority"); !ok {
		return
	} else if priorityStr != "" {
		priority = domain.Priority(priorityStr)
		if !domain.ValidPriority(priority) {
			http.Error(w, "Field \"priority\" must be one of LOW, MEDIUM, HIGH, URGENT", http.StatusBadRequest)
			return
		}
	}

	var dueDate *time.Time
	if dueStr, ok := optionalString(w, v, "due_date"); !ok {
		return
	} else if dueStr != "" {
		parsed, err := time.Parse(time.RFC3339, dueStr)
		if err != nil {
			http.Error(w, "Field \"due_date\" must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		utc := parsed.UTC()
		dueDate = &utc
	}

	var steps []storage.StepParam
	if v.Exists("steps") {
		stepValues, err := v.Get("steps").Array()
		if err != nil {
			http.Error(w, "Field \"steps\" must be an array", http.StatusBadRequest)
			return
		}
		for _, sv := range stepValues {
			content, err := sv.Get("content").StringBytes()
			if err != nil || len(content) == 0 {
				http.Error(w, "Each step must have a non-empty \"content\" string", http.StatusBadRequest)
				return
			}
			steps = append(steps, storage.StepParam{
				Content:   string(content),
				Mandatory: sv.GetBool("mandatory"),
			})
		}
	}

	task, err := h.store.ConvertMessageToTask(r.Context(), actor, storage.ConvertTaskParams{
		MessageID:        messageID,
		OwnerID:          ownerID,
		Title:            title,
		DueDate:          dueDate,
		Priority:         priority,
		Steps:            steps,
		ApprovalRequired: v.GetBool("approval_required"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.publish(broadcast.MessageConvertedToTask{Task: *task})
	h.respondJSON(w, http.StatusCreated, task)
}

// updateTaskStatus handles HTTP requests on "/tasks/status" endpoint
func (h *handler) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.taskPool.Get()
	defer h.parsers.taskPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	taskID, ok := requireID(w, v, "task")
	if !ok {
		return
	}
	statusStr, ok := requireString(w, v, "status")
	if !ok {
		return
	}

	status := domain.TaskStatus(statusStr)
	if !domain.ValidStatus(status) {
		http.Error(w, "Field \"status\" must be one of PENDING, IN_PROGRESS, COMPLETED, APPROVED, REOPENED", http.StatusBadRequest)
		return
	}

	change, err := h.store.UpdateTaskStatus(r.Context(), actor, taskID, status)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.publish(broadcast.TaskStatusChanged{
		TaskID:  change.Task.ID,
		ChatID:  change.Task.ChatID,
		From:    change.From,
		To:      change.To,
		ActorID: change.ActorID,
	})
	h.respondJSON(w, http.StatusOK, change.Task)
}

// completeStep handles HTTP requests on "/tasks/steps/complete" endpoint
func (h *handler) completeStep(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.taskPool.Get()
	defer h.parsers.taskPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	taskID, ok := requireID(w, v, "task")
	if !ok {
		return
	}
	stepID, ok := requireID(w, v, "step")
	if !ok {
		return
	}

	completion, err := h.store.CompleteStep(r.Context(), actor, taskID, stepID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.publish(broadcast.TaskStepCompleted{
		TaskID:  completion.TaskID,
		ChatID:  completion.ChatID,
		Step:    completion.Step,
		ActorID: completion.ActorID,
	})
	h.respondJSON(w, http.StatusOK, completion.Step)
}

// taskByID handles HTTP requests on "/tasks/get" endpoint
func (h *handler) taskByID(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.taskPool.Get()
	defer h.parsers.taskPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	taskID, ok := requireID(w, v, "task")
	if !ok {
		return
	}

	task, err := h.store.TaskByID(r.Context(), actor, taskID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

// addProof handles HTTP requests on "/tasks/proofs/add" endpoint
func (h *handler) addProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.taskPool.Get()
	defer h.parsers.taskPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	taskID, ok := requireID(w, v, "task")
	if !ok {
		return
	}
	fileURL, ok := requireString(w, v, "file_url")
	if !ok {
		return
	}
	note, ok := optionalString(w, v, "note")
	if !ok {
		return
	}

	proof, err := h.store.AddProof(r.Context(), actor, taskID, fileURL, note)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, proof)
}

// addMembers handles HTTP requests on "/chats/members/add" endpoint
func (h *handler) addMembers(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.memberPool.Get()
	defer h.parsers.memberPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	chatID, ok := requireID(w, v, "chat")
	if !ok {
		return
	}
	users, ok := requireIDArray(w, v, "users")
	if !ok {
		return
	}

	change, err := h.store.AddMembers(r.Context(), actor, chatID, users)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if len(change.Added) > 0 {
		h.publish(broadcast.MemberAdded{ChatID: change.ChatID, Members: change.Added})
	}
	h.respondJSON(w, http.StatusOK, change.Added)
}

// removeMember handles HTTP requests on "/chats/members/remove" endpoint
func (h *handler) removeMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.memberPool.Get()
	defer h.parsers.memberPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	chatID, ok := requireID(w, v, "chat")
	if !ok {
		return
	}
	userID, ok := requireID(w, v, "user")
	if !ok {
		return
	}

	removal, err := h.store.RemoveMember(r.Context(), actor, chatID, userID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.publish(broadcast.MemberRemoved{ChatID: removal.ChatID, UserID: removal.UserID})
	w.WriteHeader(http.StatusNoContent)
}

// changeMemberRole backs the promote and demote endpoints
func (h *handler) changeMemberRole(w http.ResponseWriter, r *http.Request, promote bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.memberPool.Get()
	defer h.parsers.memberPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	chatID, ok := requireID(w, v, "chat")
	if !ok {
		return
	}
	userID, ok := requireID(w, v, "user")
	if !ok {
		return
	}

	var (
		change *storage.RoleChange
		err    error
	)
	if promote {
		change, err = h.store.PromoteMember(r.Context(), actor, chatID, userID)
	} else {
		change, err = h.store.DemoteMember(r.Context(), actor, chatID, userID)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.publish(broadcast.MemberRoleChanged{ChatID: change.ChatID, UserID: change.UserID, Role: change.Role})
	h.respondJSON(w, http.StatusOK, change)
}

// promoteMember handles HTTP requests on "/chats/members/promote" endpoint
func (h *handler) promoteMember(w http.ResponseWriter, r *http.Request) {
	h.changeMemberRole(w, r, true)
}

// demoteMember handles HTTP requests on "/chats/members/demote" endpoint
func (h *handler) demoteMember(w http.ResponseWriter, r *http.Request) {
	h.changeMemberRole(w, r, false)
}

// leaveChat handles HTTP requests on "/chats/leave" endpoint
func (h *handler) leaveChat(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.memberPool.Get()
	defer h.parsers.memberPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	chatID, ok := requireID(w, v, "chat")
	if !ok {
		return
	}

	result, err := h.store.LeaveChat(r.Context(), actor, chatID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	// successor promotion is announced before the departure
	if result.NewOwner != nil {
		h.publish(broadcast.MemberRoleChanged{
			ChatID: result.ChatID,
			UserID: result.NewOwner.UserID,
			Role:   result.NewOwner.Role,
		})
	}
	h.publish(broadcast.MemberRemoved{ChatID: result.ChatID, UserID: result.UserID})

	h.respondJSON(w, http.StatusOK, result)
}

// markRead handles HTTP requests on "/messages/read" endpoint
func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.readPool.Get()
	defer h.parsers.readPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	messageID, ok := requireID(w, v, "message")
	if !ok {
		return
	}

	receipt, err := h.store.MarkRead(r.Context(), actor, messageID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.broadcaster.Publish(broadcast.MessageRead{
		ChatID:    receipt.ChatID,
		MessageID: receipt.MessageID,
		UserID:    receipt.UserID,
	}, broadcast.ExcludeUser(actor))

	w.WriteHeader(http.StatusNoContent)
}

// markChatRead handles HTTP requests on "/chats/read" endpoint
func (h *handler) markChatRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.readPool.Get()
	defer h.parsers.readPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	chatID, ok := requireID(w, v, "chat")
	if !ok {
		return
	}

	result, err := h.store.MarkChatRead(r.Context(), actor, chatID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.broadcaster.Publish(broadcast.MessagesRead{
		ChatID: result.ChatID,
		UserID: result.UserID,
		Count:  result.Marked,
	}, broadcast.ExcludeUser(actor))
	h.publish(broadcast.UnreadUpdated{ChatID: result.ChatID, UserID: result.UserID, Unread: 0})

	h.respondJSON(w, http.StatusOK, result)
}
