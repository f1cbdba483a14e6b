// Package storage is the persistence boundary: every state-mutating command
// runs inside one transaction together with its audit write, taking a row
// lock on the governing row so concurrent commands on the same task or chat
// serialize. Methods return the committed result; callers broadcast only
// after a method comes back without error.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/arsalan507/workchat-sub000/internal/domain"
	"github.com/arsalan507/workchat-sub000/internal/storage/zapadapter"
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// querier is satisfied by both pgx.Tx and *pgxpool.Pool so shared lookups
// can run inside or outside a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// memberRole resolves the chat role of a user; found is false when the user
// is not a member.
func memberRole(ctx context.Context, q querier, chatID, userID int64) (role domain.Role, found bool, err error) {
	sql := "select role from chat_members where chat_id = $1 and user_id = $2"
	err = q.QueryRow(ctx, sql, chatID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return role, true, nil
}

// requireMember maps a missing membership row to Forbidden.
func requireMember(ctx context.Context, q querier, chatID, userID int64) (domain.Role, error) {
	role, found, err := memberRole(ctx, q, chatID, userID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.Forbiddenf("user %d is not a member of chat %d", userID, chatID)
	}
	return role, nil
}

func chatExists(ctx context.Context, q querier, chatID int64) error {
	var i int8
	err := q.QueryRow(ctx, "select 1 from chats where id = $1", chatID).Scan(&i)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFoundf("chat %d does not exist", chatID)
	}
	return err
}

// lockChat takes the row lock serializing membership commands for one chat.
func lockChat(ctx context.Context, tx pgx.Tx, chatID int64) (domain.ChatType, error) {
	var chatType domain.ChatType
	err := tx.QueryRow(ctx, "select type from chats where id = $1 for update", chatID).Scan(&chatType)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.NotFoundf("chat %d does not exist", chatID)
	}
	return chatType, err
}

// CreateUser creates a user and returns it.
func (s *Store) CreateUser(ctx context.Context, username, displayName, phone string) (*domain.User, error) {
	s.logger.Debugf("Creating user (%s)", username)

	user := domain.User{Username: username, DisplayName: displayName, Phone: phone}
	sql := `insert into users (username, display_name, phone, created_at)
			values ($1, $2, $3, now()) returning id, created_at`
	err := s.db.QueryRow(ctx, sql, username, displayName, phone).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == "users_phone_key" {
				return nil, domain.Conflictf("phone already registered")
			}
			return nil, domain.Conflictf("user already exists")
		}
		return nil, err
	}

	s.logger.Debugf("Created user (%s) with id %d", username, user.ID)

	return &user, nil
}

// CreateChat creates a chat with its member rows in one transaction. The
// creator becomes OWNER; a DIRECT chat has exactly two members and the peer
// is stored as ADMIN so both parties are authority-equivalent while the
// one-OWNER invariant holds.
func (s *Store) CreateChat(ctx context.Context, creatorID int64, name string, chatType domain.ChatType, userIDs []int64) (*domain.Chat, error) {
	s.logger.Debugf("Creating %s chat (%s) for user %d with users %v", chatType, name, creatorID, userIDs)

	members := []domain.ChatMember{{UserID: creatorID, Role: domain.RoleOwner}}
	present := map[int64]bool{creatorID: true}
	for _, id := range userIDs {
		if present[id] {
			continue
		}
		present[id] = true
		role := domain.RoleMember
		if chatType == domain.ChatDirect {
			role = domain.RoleAdmin
		}
		members = append(members, domain.ChatMember{UserID: id, Role: role})
	}
	if chatType == domain.ChatDirect && len(members) != 2 {
		return nil, domain.Validationf("a direct chat has exactly 2 members, got %d", len(members))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	chat := domain.Chat{Type: chatType, Name: name, CreatorID: creatorID}
	sql := `insert into chats (type, name, creator_id, created_at)
			values ($1, $2, $3, now()) returning id, created_at`
	err = tx.QueryRow(ctx, sql, chatType, name, creatorID).Scan(&chat.ID, &chat.CreatedAt)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows := make([]memberRow, 0, len(members))
	for i := range members {
		members[i].ChatID = chat.ID
		members[i].JoinedAt = now
		rows = append(rows, memberRow{
			chatID:   chat.ID,
			userID:   members[i].UserID,
			role:     members[i].Role,
			joinedAt: now,
		})
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"chat_members"}, memberColumns, copyFromMembers(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, domain.Validationf("member list contains unknown users")
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	chat.Members = members

	s.logger.Debugf("Created chat (%s) with id %d", name, chat.ID)

	return &chat, nil
}

// CreateMessage creates a message on behalf of a chat member.
func (s *Store) CreateMessage(ctx context.Context, authorID, chatID int64, text, fileURL string, replyToID *int64) (*domain.Message, error) {
	s.logger.Debugf("Creating message from user %d in chat %d", authorID, chatID)

	if err := chatExists(ctx, s.db, chatID); err != nil {
		return nil, err
	}
	role, err := requireMember(ctx, s.db, chatID, authorID)
	if err != nil {
		return nil, err
	}
	if err := domain.Authorize(role, domain.ActionSendMessage); err != nil {
		return nil, err
	}

	msg := domain.Message{ChatID: chatID, AuthorID: authorID, Text: text, FileURL: fileURL, ReplyToID: replyToID}
	sql := `insert into messages (chat_id, author_id, text, file_url, reply_to_id, created_at)
			values ($1, $2, $3, nullif($4, ''), $5, now()) returning id, created_at`
	err = s.db.QueryRow(ctx, sql, chatID, authorID, text, fileURL, replyToID).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			if pgErr.ConstraintName == "messages_reply_to_id_fkey" {
				return nil, domain.Validationf("reply target does not exist")
			}
		}
		return nil, err
	}

	return &msg, nil
}

// ChatsByUserID returns all chats of a user ordered by the time of the last
// message (latest first), each with its member list and the user's live
// unread count. Unread is always recomputed, never cached.
func (s *Store) ChatsByUserID(ctx context.Context, userID int64) ([]domain.Chat, error) {
	s.logger.Debugf("Retrieving chats for user %d", userID)

	var i int8
	err := s.db.QueryRow(ctx, "select 1 from users where id = $1", userID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("user %d does not exist", userID)
		}
		return nil, err
	}

	sql := ` -- user chats ordered by last message, with members and unread
			with user_chats as (
				select chats.id,
					   chats.type,
					   chats.name,
					   chats.creator_id,
					   chats.created_at,
					   max(messages.created_at) as last_message_at
				  from chats
				  join chat_members
					on chat_members.chat_id = chats.id
				  left join messages
					on messages.chat_id = chats.id
				 where chat_members.user_id = $1
				 group by chats.id
			),

			members_per_chat as (
				select chat_id,
					   array_agg(jsonb_build_object(
							'chat_id', chat_id,
							'user_id', user_id,
							'role', role,
							'joined_at', joined_at) order by joined_at, user_id) as members
				  from chat_members
				 where chat_id in (select id from user_chats)
				 group by chat_id
			),

			unread_per_chat as (
				select messages.chat_id, count(*) as unread
				  from messages
				 where messages.chat_id in (select id from user_chats)
				   and messages.author_id <> $1
				   and not exists (
						select 1 from message_reads
						 where message_reads.message_id = messages.id
						   and message_reads.user_id = $1)
				 group by messages.chat_id
			)

			select user_chats.id,
				   user_chats.type,
				   trim(user_chats.name),
				   user_chats.creator_id,
				   user_chats.created_at,
				   members_per_chat.members,
				   coalesce(unread_per_chat.unread, 0)
			  from user_chats
			  join members_per_chat
				on members_per_chat.chat_id = user_chats.id
			  left join unread_per_chat
				on unread_per_chat.chat_id = user_chats.id
			 order by user_chats.last_message_at desc nulls last, user_chats.created_at desc`

	rows, err := s.db.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		var c domain.Chat
		var members pgtype.JSONBArray
		err = rows.Scan(&c.ID, &c.Type, &c.Name, &c.CreatorID, &c.CreatedAt, &members, &c.Unread)
		if err != nil {
			return nil, err
		}

		membersJSON := make([]string, len(members.Elements))
		if err := members.AssignTo(&membersJSON); err != nil {
			return nil, err
		}

		c.Members = make([]domain.ChatMember, len(membersJSON))
		for i, v := range membersJSON {
			if err := json.Unmarshal([]byte(v), &c.Members[i]); err != nil {
				return nil, err
			}
		}

		chats = append(chats, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d chats", len(chats))

	return chats, nil
}

// MessagesByChatID returns all chat messages sorted by creation time
// (earliest first). The caller must be a chat member.
func (s *Store) MessagesByChatID(ctx context.Context, userID, chatID int64) ([]domain.Message, error) {
	s.logger.Debugf("Retrieving messages for chat %d", chatID)

	if err := chatExists(ctx, s.db, chatID); err != nil {
		return nil, err
	}
	if _, err := requireMember(ctx, s.db, chatID, userID); err != nil {
		return nil, err
	}

	sql := `select id,
				   chat_id,
				   author_id,
				   text,
				   coalesce(file_url, ''),
				   reply_to_id,
				   is_task,
				   created_at
			  from messages
			 where chat_id = $1
			 order by created_at asc, id asc`

	rows, err := s.db.Query(ctx, sql, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		err = rows.Scan(&m.ID, &m.ChatID, &m.AuthorID, &m.Text, &m.FileURL, &m.ReplyToID, &m.IsTask, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// ChatIDsByUserID returns the ids of every chat the user belongs to. Used by
// the gateway to announce presence to the user's chat rooms.
func (s *Store) ChatIDsByUserID(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, "select chat_id from chat_members where user_id = $1", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MemberRole resolves the caller's role in a chat; NotFound when the user is
// not a member. The gateway checks this at room-join time, never cached.
func (s *Store) MemberRole(ctx context.Context, chatID, userID int64) (domain.Role, error) {
	role, found, err := memberRole(ctx, s.db, chatID, userID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", domain.NotFoundf("user %d is not a member of chat %d", userID, chatID)
	}
	return role, nil
}

// appendActivity writes one audit row inside the caller's transaction.
func appendActivity(ctx context.Context, tx pgx.Tx, taskID int64, action string, actorID int64, details map[string]string) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshaling activity details: %w", err)
	}
	sql := `insert into task_activities (task_id, action, actor_id, details, created_at)
			values ($1, $2, $3, $4, now())`
	_, err = tx.Exec(ctx, sql, taskID, action, actorID, payload)
	return err
}
