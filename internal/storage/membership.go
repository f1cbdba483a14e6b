package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	"github.com/arsalan507/workchat-sub000/internal/domain"
)

// MembershipChange is the committed outcome of AddMembers.
type MembershipChange struct {
	ChatID  int64
	ActorID int64
	Added   []domain.ChatMember
}

// RoleChange is the committed outcome of a promotion or demotion.
type RoleChange struct {
	ChatID  int64
	UserID  int64
	Role    domain.Role
	ActorID int64
}

// Removal is the committed outcome of RemoveMember.
type Removal struct {
	ChatID  int64
	UserID  int64
	ActorID int64
}

// LeaveResult is the committed outcome of LeaveChat. When the last member
// leaves, the chat is deleted and ChatDeleted is set; when the OWNER leaves
// a larger chat, NewOwner names the promoted successor.
type LeaveResult struct {
	ChatID      int64
	UserID      int64
	ChatDeleted bool
	NewOwner    *domain.ChatMember
}

func loadMembers(ctx context.Context, q querier, chatID int64) ([]domain.ChatMember, error) {
	sql := `select chat_id, user_id, role, joined_at
			  from chat_members where chat_id = $1 order by joined_at asc, user_id asc`
	rows, err := q.Query(ctx, sql, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.ChatMember
	for rows.Next() {
		var m domain.ChatMember
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// AddMembers inserts any userIDs not already members with role MEMBER.
// Already-present ids are silently skipped. Unknown user ids reject the
// whole command.
func (s *Store) AddMembers(ctx context.Context, actorID, chatID int64, userIDs []int64) (*MembershipChange, error) {
	s.logger.Debugf("User %d adding members %v to chat %d", actorID, userIDs, chatID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.Background())

	chatType, err := lockChat(ctx, tx, chatID)
	if err != nil {
		return nil, err
	}
	if chatType == domain.ChatDirect {
		return nil, domain.Validationf("members cannot be added to a direct chat")
	}

	role, err := requireMember(ctx, tx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := domain.Authorize(role, domain.ActionAddMember); err != nil {
		return nil, err
	}

	existing, err := loadMembers(ctx, tx, chatID)
	if err != nil {
		return nil, err
	}
	present := make(map[int64]struct{}, len(existing))
	for _, m := range existing {
		present[m.UserID] = struct{}{}
	}

	now := time.Now().UTC()
	var (
		added []domain.ChatMember
		rows  []memberRow
	)
	for _, id := range userIDs {
		if _, ok := present[id]; ok {
			continue
		}
		present[id] = struct{}{}
		added = append(added, domain.ChatMember{ChatID: chatID, UserID: id, Role: domain.RoleMember, JoinedAt: now})
		rows = append(rows, memberRow{chatID: chatID, userID: id, role: domain.RoleMember, joinedAt: now})
	}

	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"chat_members"}, memberColumns, copyFromMembers(rows))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return nil, domain.Validationf("member list contains unknown users")
			}
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Debugf("Added %d members to chat %d", len(added), chatID)

	return &MembershipChange{ChatID: chatID, ActorID: actorID, Added: added}, nil
}

// RemoveMember removes another user from the chat. OWNER may remove anyone
// except themself; ADMIN may remove only MEMBER-role users; removing the
// OWNER is always rejected.
func (s *Store) RemoveMember(ctx context.Context, actorID, chatID, userID int64) (*Removal, error) {
	s.logger.Debugf("User %d removing user %d from chat %d", actorID, userID, chatID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.Background())

	if _, err := lockChat(ctx, tx, chatID); err != nil {
		return nil, err
	}

	actorRole, err := requireMember(ctx, tx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := domain.Authorize(actorRole, domain.ActionRemoveMember); err != nil {
		return nil, err
	}

	targetRole, found, err := memberRole(ctx, tx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.NotFoundf("user %d is not a member of chat %d", userID, chatID)
	}

	if targetRole == domain.RoleOwner {
		return nil, domain.Validationf("the chat owner cannot be removed")
	}
	if actorID == userID {
		return nil, domain.Validationf("use leave to exit a chat")
	}
	if actorRole == domain.RoleAdmin && targetRole != domain.RoleMember {
		return nil, domain.Forbiddenf("admins may remove only regular members")
	}

	if _, err := tx.Exec(ctx, "delete from chat_members where chat_id = $1 and user_id = $2", chatID, userID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &Removal{ChatID: chatID, UserID: userID, ActorID: actorID}, nil
}

// changeRole applies a MEMBER<->ADMIN promotion or demotion. OWNER-only;
// the OWNER role itself is never assigned or revoked this way.
func (s *Store) changeRole(ctx context.Context, actorID, chatID, userID int64, from, to domain.Role, action domain.Action) (*RoleChange, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.Background())

	if _, err := lockChat(ctx, tx, chatID); err != nil {
		return nil, err
	}

	actorRole, err := requireMember(ctx, tx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if err := domain.Authorize(actorRole, action); err != nil {
		return nil, err
	}

	targetRole, found, err := memberRole(ctx, tx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.NotFoundf("user %d is not a member of chat %d", userID, chatID)
	}
	if targetRole == domain.RoleOwner {
		return nil, domain.Validationf("the chat owner's role cannot be changed")
	}
	if targetRole != from {
		return nil, domain.Conflictf("user %d already has role %s", userID, targetRole)
	}

	sql := "update chat_members set role = $3 where chat_id = $1 and user_id = $2"
	if _, err := tx.Exec(ctx, sql, chatID, userID, to); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &RoleChange{ChatID: chatID, UserID: userID, Role: to, ActorID: actorID}, nil
}

// PromoteMember raises a MEMBER to ADMIN.
func (s *Store) PromoteMember(ctx context.Context, actorID, chatID, userID int64) (*RoleChange, error) {
	s.logger.Debugf("User %d promoting user %d in chat %d", actorID, userID, chatID)
	return s.changeRole(ctx, actorID, chatID, userID, domain.RoleMember, domain.RoleAdmin, domain.ActionPromoteMember)
}

// DemoteMember lowers an ADMIN to MEMBER.
func (s *Store) DemoteMember(ctx context.Context, actorID, chatID, userID int64) (*RoleChange, error) {
	s.logger.Debugf("User %d demoting user %d in chat %d", actorID, userID, chatID)
	return s.changeRole(ctx, actorID, chatID, userID, domain.RoleAdmin, domain.RoleMember, domain.ActionDemoteMember)
}

// LeaveChat removes the caller from the chat. A single-member chat is
// deleted outright. When the OWNER leaves a larger chat, the successor is
// promoted in the same transaction before the leaver's row is deleted, so
// no observer ever sees a chat without an OWNER.
func (s *Store) LeaveChat(ctx context.Context, userID, chatID int64) (*LeaveResult, error) {
	s.logger.Debugf("User %d leaving chat %d", userID, chatID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.Background())

	if _, err := lockChat(ctx, tx, chatID); err != nil {
		return nil, err
	}

	members, err := loadMembers(ctx, tx, chatID)
	if err != nil {
		return nil, err
	}

	var (
		leaver    domain.ChatMember
		remaining []domain.ChatMember
		isMember  bool
	)
	for _, m := range members {
		if m.UserID == userID {
			leaver = m
			isMember = true
			continue
		}
		remaining = append(remaining, m)
	}
	if !isMember {
		return nil, domain.NotFoundf("user %d is not a member of chat %d", userID, chatID)
	}

	result := LeaveResult{ChatID: chatID, UserID: userID}

	if len(remaining) == 0 {
		// no orphan chats
		if _, err := tx.Exec(ctx, "delete from chats where id = $1", chatID); err != nil {
			return nil, err
		}
		result.ChatDeleted = true
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &result, nil
	}

	if leaver.Role == domain.RoleOwner {
		successor, ok := domain.PickSuccessor(remaining)
		if !ok {
			return nil, domain.Validationf("chat %d has no successor candidate", chatID)
		}
		sql := "update chat_members set role = $3 where chat_id = $1 and user_id = $2"
		if _, err := tx.Exec(ctx, sql, chatID, successor.UserID, domain.RoleOwner); err != nil {
			return nil, err
		}
		successor.Role = domain.RoleOwner
		result.NewOwner = &successor
	}

	if _, err := tx.Exec(ctx, "delete from chat_members where chat_id = $1 and user_id = $2", chatID, userID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &result, nil
}
