package domain

import "time"

type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Phone       string    `json:"phone"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatType string

const (
	ChatDirect ChatType = "DIRECT"
	ChatGroup  ChatType = "GROUP"
)

type Chat struct {
	ID        int64        `json:"id"`
	Type      ChatType     `json:"type"`
	Name      string       `json:"name"`
	CreatorID int64        `json:"creator_id"`
	Members   []ChatMember `json:"members,omitempty"`
	Unread    int64        `json:"unread"`
	CreatedAt time.Time    `json:"created_at"`
}

type ChatMember struct {
	ChatID   int64     `json:"chat_id"`
	UserID   int64     `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Message is immutable once created except for the IsTask flip at conversion.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	AuthorID  int64     `json:"author_id"`
	Text      string    `json:"text"`
	FileURL   string    `json:"file_url,omitempty"`
	ReplyToID *int64    `json:"reply_to_id,omitempty"`
	IsTask    bool      `json:"is_task"`
	CreatedAt time.Time `json:"created_at"`
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is created only by converting an existing message and is never
// deleted, only transitioned. OwnerID is a work assignment and carries no
// chat authority.
type Task struct {
	ID               int64          `json:"id"`
	MessageID        int64          `json:"message_id"`
	ChatID           int64          `json:"chat_id"`
	OwnerID          int64          `json:"owner_id"`
	Title            string         `json:"title"`
	Priority         Priority       `json:"priority"`
	Status           TaskStatus     `json:"status"`
	DueDate          *time.Time     `json:"due_date,omitempty"`
	ApprovalRequired bool           `json:"approval_required"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty"`
	Steps            []TaskStep     `json:"steps,omitempty"`
	Proofs           []TaskProof    `json:"proofs,omitempty"`
	Activity         []TaskActivity `json:"activity,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type TaskStep struct {
	ID            int64      `json:"id"`
	TaskID        int64      `json:"task_id"`
	Position      int32      `json:"position"`
	Content       string     `json:"content"`
	IsMandatory   bool       `json:"is_mandatory"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CompletedByID *int64     `json:"completed_by_id,omitempty"`
}

type TaskProof struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	AddedByID int64     `json:"added_by_id"`
	FileURL   string    `json:"file_url"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskActivity is the append-only audit trail: one row per committed domain
// event affecting the task.
type TaskActivity struct {
	ID        int64             `json:"id"`
	TaskID    int64             `json:"task_id"`
	Action    string            `json:"action"`
	ActorID   int64             `json:"actor_id"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// MessageRead marks a message as read by a user. Insertion-only.
type MessageRead struct {
	MessageID int64     `json:"message_id"`
	UserID    int64     `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
