package storage

import (
	"context"
	"os"
	"testing"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arsalan507/workchat-sub000/internal/domain"
	mytesting "github.com/arsalan507/workchat-sub000/internal/testing"
)

// bootstrap connects to the database configured via DB_* env vars. Set
// WORKCHAT_TEST_DB=1 to run these tests against a migrated database.
func bootstrap(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("WORKCHAT_TEST_DB") == "" {
		t.Skip("WORKCHAT_TEST_DB not set")
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cfg := Config{}
	require.NoError(t, env.Parse(&cfg))

	s, err := New(context.Background(), logger.Sugar(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func createUser(t *testing.T, s *Store) int64 {
	t.Helper()
	user, err := s.CreateUser(context.Background(), mytesting.RandString(), mytesting.RandString(), mytesting.RandPhone())
	require.NoError(t, err)
	return user.ID
}

// createGroupChat creates a chat with the given creator and members, then
// promotes the listed admins. Members join in slice order.
func createGroupChat(t *testing.T, s *Store, creator int64, members []int64, admins ...int64) int64 {
	t.Helper()
	ctx := context.Background()

	chat, err := s.CreateChat(ctx, creator, mytesting.RandString(), domain.ChatGroup, nil)
	require.NoError(t, err)

	// one AddMembers call per user so joined_at ordering is deterministic
	for _, m := range members {
		_, err = s.AddMembers(ctx, creator, chat.ID, []int64{m})
		require.NoError(t, err)
	}
	for _, a := range admins {
		_, err = s.PromoteMember(ctx, creator, chat.ID, a)
		require.NoError(t, err)
	}
	return chat.ID
}

func sendMessage(t *testing.T, s *Store, author, chat int64, text string) int64 {
	t.Helper()
	msg, err := s.CreateMessage(context.Background(), author, chat, text, "", nil)
	require.NoError(t, err)
	return msg.ID
}

func convertTask(t *testing.T, s *Store, actor, message, owner int64, steps ...StepParam) *domain.Task {
	t.Helper()
	task, err := s.ConvertMessageToTask(context.Background(), actor, ConvertTaskParams{
		MessageID: message,
		OwnerID:   owner,
		Priority:  domain.PriorityMedium,
		Steps:     steps,
	})
	require.NoError(t, err)
	return task
}

func TestCreateUser(t *testing.T) {
	s := bootstrap(t)

	user, err := s.CreateUser(context.Background(), mytesting.RandString(), "Alice", mytesting.RandPhone())
	require.NoError(t, err)
	require.NotZero(t, user.ID)
}

func TestCreateUserExists(t *testing.T) {
	s := bootstrap(t)

	username := mytesting.RandString()
	_, err := s.CreateUser(context.Background(), username, "", mytesting.RandPhone())
	require.NoError(t, err)
	_, err = s.CreateUser(context.Background(), username, "", mytesting.RandPhone())
	require.True(t, domain.IsConflict(err))
}

func TestCreateChatUnknownUsers(t *testing.T) {
	s := bootstrap(t)

	creator := createUser(t, s)
	_, err := s.CreateChat(context.Background(), creator, mytesting.RandString(), domain.ChatGroup, []int64{-1})
	require.True(t, domain.IsValidation(err))
}

func TestCreateChatDuplicateUsers(t *testing.T) {
	s := bootstrap(t)

	creator := createUser(t, s)
	other := createUser(t, s)

	chat, err := s.CreateChat(context.Background(), creator, mytesting.RandString(), domain.ChatGroup, []int64{other, other, creator})
	require.NoError(t, err)
	require.Len(t, chat.Members, 2)
}

func TestCreateDirectChat(t *testing.T) {
	s := bootstrap(t)

	a := createUser(t, s)
	b := createUser(t, s)

	chat, err := s.CreateChat(context.Background(), a, "", domain.ChatDirect, []int64{b})
	require.NoError(t, err)
	require.Len(t, chat.Members, 2)

	roles := map[int64]domain.Role{}
	for _, m := range chat.Members {
		roles[m.UserID] = m.Role
	}
	require.Equal(t, domain.RoleOwner, roles[a])
	require.Equal(t, domain.RoleAdmin, roles[b])

	_, err = s.CreateChat(context.Background(), a, "", domain.ChatDirect, []int64{a})
	require.True(t, domain.IsValidation(err))
}

func TestCreateMessageNotMember(t *testing.T) {
	s := bootstrap(t)

	owner := createUser(t, s)
	outsider := createUser(t, s)
	chat := createGroupChat(t, s, owner, nil)

	_, err := s.CreateMessage(context.Background(), outsider, chat, "hi", "", nil)
	require.True(t, domain.IsForbidden(err))
}

// Chat with A(OWNER), B(ADMIN), C(MEMBER). A sends a message, B converts it
// to a task owned by C with one mandatory step. C completes the step and the
// task, B approves, and a further reopen attempt is rejected: APPROVED is
// terminal.
func TestTaskWorkflowEndToEnd(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	b := createUser(t, s)
	c := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b, c}, b)

	msg := sendMessage(t, s, a, chat, "ship the release")
	task := convertTask(t, s, b, msg, c, StepParam{Content: "tag the build", Mandatory: true})
	require.Equal(t, domain.StatusPending, task.Status)
	require.Len(t, task.Steps, 1)

	_, err := s.UpdateTaskStatus(ctx, c, task.ID, domain.StatusInProgress)
	require.NoError(t, err)

	// mandatory step still open
	_, err = s.UpdateTaskStatus(ctx, c, task.ID, domain.StatusCompleted)
	require.True(t, domain.IsValidation(err))

	_, err = s.CompleteStep(ctx, c, task.ID, task.Steps[0].ID)
	require.NoError(t, err)

	change, err := s.UpdateTaskStatus(ctx, c, task.ID, domain.StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, change.From)
	require.NotNil(t, change.Task.CompletedAt)

	change, err = s.UpdateTaskStatus(ctx, b, task.ID, domain.StatusApproved)
	require.NoError(t, err)
	require.NotNil(t, change.Task.ApprovedAt)

	_, err = s.UpdateTaskStatus(ctx, b, task.ID, domain.StatusReopened)
	require.True(t, domain.IsValidation(err))
}

func TestMemberCannotApprove(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	b := createUser(t, s)
	c := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b, c}, b)

	msg := sendMessage(t, s, a, chat, "review the doc")
	task := convertTask(t, s, b, msg, c)

	_, err := s.UpdateTaskStatus(ctx, c, task.ID, domain.StatusInProgress)
	require.NoError(t, err)
	_, err = s.UpdateTaskStatus(ctx, c, task.ID, domain.StatusCompleted)
	require.NoError(t, err)

	// plain MEMBER may not approve
	_, err = s.UpdateTaskStatus(ctx, c, task.ID, domain.StatusApproved)
	require.True(t, domain.IsForbidden(err))

	_, err = s.UpdateTaskStatus(ctx, b, task.ID, domain.StatusApproved)
	require.NoError(t, err)

	loaded, err := s.TaskByID(ctx, b, task.ID)
	require.NoError(t, err)

	var approvals int
	for _, act := range loaded.Activity {
		if act.Action == string(domain.StatusApproved) {
			approvals++
			require.Equal(t, "COMPLETED", act.Details["from"])
			require.Equal(t, "APPROVED", act.Details["to"])
		}
	}
	require.Equal(t, 1, approvals)
}

func TestConvertMessageTwiceConflicts(t *testing.T) {
	s := bootstrap(t)

	a := createUser(t, s)
	chat := createGroupChat(t, s, a, nil)
	msg := sendMessage(t, s, a, chat, "todo")

	convertTask(t, s, a, msg, a)
	_, err := s.ConvertMessageToTask(context.Background(), a, ConvertTaskParams{
		MessageID: msg, OwnerID: a, Priority: domain.PriorityLow,
	})
	require.True(t, domain.IsConflict(err))
}

func TestConvertTaskOwnerMustBeMember(t *testing.T) {
	s := bootstrap(t)

	a := createUser(t, s)
	outsider := createUser(t, s)
	chat := createGroupChat(t, s, a, nil)
	msg := sendMessage(t, s, a, chat, "todo")

	_, err := s.ConvertMessageToTask(context.Background(), a, ConvertTaskParams{
		MessageID: msg, OwnerID: outsider, Priority: domain.PriorityLow,
	})
	require.True(t, domain.IsValidation(err))
}

func TestCompleteStepTwiceConflicts(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	chat := createGroupChat(t, s, a, nil)
	msg := sendMessage(t, s, a, chat, "todo")
	task := convertTask(t, s, a, msg, a, StepParam{Content: "only step", Mandatory: true})

	_, err := s.CompleteStep(ctx, a, task.ID, task.Steps[0].ID)
	require.NoError(t, err)
	_, err = s.CompleteStep(ctx, a, task.ID, task.Steps[0].ID)
	require.True(t, domain.IsConflict(err))
}

func TestCompleteStepOwnerOnly(t *testing.T) {
	s := bootstrap(t)

	a := createUser(t, s)
	b := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b})
	msg := sendMessage(t, s, a, chat, "todo")
	task := convertTask(t, s, a, msg, b, StepParam{Content: "step", Mandatory: false})

	// even the chat OWNER may not complete steps of someone else's task
	_, err := s.CompleteStep(context.Background(), a, task.ID, task.Steps[0].ID)
	require.True(t, domain.IsForbidden(err))
}

func TestAddMembersSkipsExisting(t *testing.T) {
	s := bootstrap(t)

	a := createUser(t, s)
	b := createUser(t, s)
	c := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b})

	change, err := s.AddMembers(context.Background(), a, chat, []int64{b, c})
	require.NoError(t, err)
	require.Len(t, change.Added, 1)
	require.Equal(t, c, change.Added[0].UserID)
	require.Equal(t, domain.RoleMember, change.Added[0].Role)
}

func TestRemoveMemberRules(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	owner := createUser(t, s)
	admin := createUser(t, s)
	admin2 := createUser(t, s)
	member := createUser(t, s)
	chat := createGroupChat(t, s, owner, []int64{admin, admin2, member}, admin, admin2)

	// MEMBER may not remove anyone
	_, err := s.RemoveMember(ctx, member, chat, admin)
	require.True(t, domain.IsForbidden(err))

	// ADMIN may not remove another ADMIN
	_, err = s.RemoveMember(ctx, admin, chat, admin2)
	require.True(t, domain.IsForbidden(err))

	// nobody removes the OWNER
	_, err = s.RemoveMember(ctx, admin, chat, owner)
	require.True(t, domain.IsValidation(err))

	// OWNER may not remove themself
	_, err = s.RemoveMember(ctx, owner, chat, owner)
	require.True(t, domain.IsValidation(err))

	// ADMIN removes a MEMBER
	removal, err := s.RemoveMember(ctx, admin, chat, member)
	require.NoError(t, err)
	require.Equal(t, member, removal.UserID)
}

func TestPromoteDemote(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	owner := createUser(t, s)
	admin := createUser(t, s)
	member := createUser(t, s)
	chat := createGroupChat(t, s, owner, []int64{admin, member}, admin)

	// promotion is OWNER-only
	_, err := s.PromoteMember(ctx, admin, chat, member)
	require.True(t, domain.IsForbidden(err))

	// the OWNER role cannot change hands this way
	_, err = s.DemoteMember(ctx, owner, chat, owner)
	require.True(t, domain.IsValidation(err))

	// promoting an ADMIN again conflicts
	_, err = s.PromoteMember(ctx, owner, chat, admin)
	require.True(t, domain.IsConflict(err))

	change, err := s.DemoteMember(ctx, owner, chat, admin)
	require.NoError(t, err)
	require.Equal(t, domain.RoleMember, change.Role)
}

// OWNER A leaves a 3-member chat where B is ADMIN (joined before C, a
// MEMBER); afterward B is OWNER and A has no member row.
func TestOwnerLeaveTransfersOwnership(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	b := createUser(t, s)
	c := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b, c}, b)

	result, err := s.LeaveChat(ctx, a, chat)
	require.NoError(t, err)
	require.False(t, result.ChatDeleted)
	require.NotNil(t, result.NewOwner)
	require.Equal(t, b, result.NewOwner.UserID)

	role, err := s.MemberRole(ctx, chat, b)
	require.NoError(t, err)
	require.Equal(t, domain.RoleOwner, role)

	_, err = s.MemberRole(ctx, chat, a)
	require.True(t, domain.IsNotFound(err))
}

func TestOwnerLeaveFallsBackToEarliestMember(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	b := createUser(t, s)
	c := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b, c})

	result, err := s.LeaveChat(ctx, a, chat)
	require.NoError(t, err)
	require.NotNil(t, result.NewOwner)
	require.Equal(t, b, result.NewOwner.UserID)
}

func TestLeaveSingleMemberChatDeletesChat(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	chat := createGroupChat(t, s, a, nil)

	result, err := s.LeaveChat(ctx, a, chat)
	require.NoError(t, err)
	require.True(t, result.ChatDeleted)

	_, err = s.MessagesByChatID(ctx, a, chat)
	require.True(t, domain.IsNotFound(err))
}

func TestMarkChatReadIdempotent(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	b := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b})

	sendMessage(t, s, a, chat, "one")
	sendMessage(t, s, a, chat, "two")
	sendMessage(t, s, b, chat, "from b")

	unread, err := s.UnreadCount(ctx, b, chat)
	require.NoError(t, err)
	require.Equal(t, int64(2), unread)

	result, err := s.MarkChatRead(ctx, b, chat)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Marked)

	unread, err = s.UnreadCount(ctx, b, chat)
	require.NoError(t, err)
	require.Zero(t, unread)

	// second call inserts nothing and unread stays zero
	result, err = s.MarkChatRead(ctx, b, chat)
	require.NoError(t, err)
	require.Zero(t, result.Marked)

	unread, err = s.UnreadCount(ctx, b, chat)
	require.NoError(t, err)
	require.Zero(t, unread)
}

func TestMarkReadIdempotent(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	b := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b})
	msg := sendMessage(t, s, a, chat, "hello")

	for i := 0; i < 2; i++ {
		receipt, err := s.MarkRead(ctx, b, msg)
		require.NoError(t, err)
		require.Equal(t, chat, receipt.ChatID)
	}

	unread, err := s.UnreadCount(ctx, b, chat)
	require.NoError(t, err)
	require.Zero(t, unread)
}

func TestChatsByUserIDUnread(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	b := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b})
	sendMessage(t, s, a, chat, "unread for b")

	chats, err := s.ChatsByUserID(ctx, b)
	require.NoError(t, err)

	var found bool
	for _, c := range chats {
		if c.ID == chat {
			found = true
			require.Equal(t, int64(1), c.Unread)
			require.Len(t, c.Members, 2)
		}
	}
	require.True(t, found)
}

func TestAddProofOwnerOnly(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a := createUser(t, s)
	b := createUser(t, s)
	chat := createGroupChat(t, s, a, []int64{b})
	msg := sendMessage(t, s, a, chat, "todo")
	task := convertTask(t, s, a, msg, b)

	_, err := s.AddProof(ctx, a, task.ID, "https://files.example/1.png", "")
	require.True(t, domain.IsForbidden(err))

	proof, err := s.AddProof(ctx, b, task.ID, "https://files.example/1.png", "screenshot")
	require.NoError(t, err)
	require.NotZero(t, proof.ID)
}
