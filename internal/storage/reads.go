package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/arsalan507/workchat-sub000/internal/domain"
)

// ReadReceipt is the committed outcome of MarkRead.
type ReadReceipt struct {
	ChatID    int64
	MessageID int64
	UserID    int64
}

// ChatReadResult is the committed outcome of MarkChatRead. Marked counts the
// receipts inserted by this call; repeated calls insert nothing further.
type ChatReadResult struct {
	ChatID int64
	UserID int64
	Marked int64
}

// MarkRead records that the user has read one message. The upsert is
// idempotent: re-reading an already-read message changes nothing.
func (s *Store) MarkRead(ctx context.Context, userID, messageID int64) (*ReadReceipt, error) {
	s.logger.Debugf("User %d marking message %d read", userID, messageID)

	var chatID int64
	err := s.db.QueryRow(ctx, "select chat_id from messages where id = $1", messageID).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFoundf("message %d does not exist", messageID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := requireMember(ctx, s.db, chatID, userID); err != nil {
		return nil, err
	}

	sql := `insert into message_reads (message_id, user_id, read_at)
			values ($1, $2, now()) on conflict do nothing`
	if _, err := s.db.Exec(ctx, sql, messageID, userID); err != nil {
		return nil, err
	}

	return &ReadReceipt{ChatID: chatID, MessageID: messageID, UserID: userID}, nil
}

// MarkChatRead bulk-inserts receipts for every message in the chat that the
// user did not send and has not read, skipping duplicates. Calling it twice
// yields zero unread both times without duplicating rows.
func (s *Store) MarkChatRead(ctx context.Context, userID, chatID int64) (*ChatReadResult, error) {
	s.logger.Debugf("User %d marking chat %d read", userID, chatID)

	if err := chatExists(ctx, s.db, chatID); err != nil {
		return nil, err
	}
	if _, err := requireMember(ctx, s.db, chatID, userID); err != nil {
		return nil, err
	}

	sql := `insert into message_reads (message_id, user_id, read_at)
			select messages.id, $2, now()
			  from messages
			 where messages.chat_id = $1
			   and messages.author_id <> $2
			on conflict do nothing`
	tag, err := s.db.Exec(ctx, sql, chatID, userID)
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("Marked %d messages read in chat %d", tag.RowsAffected(), chatID)

	return &ChatReadResult{ChatID: chatID, UserID: userID, Marked: tag.RowsAffected()}, nil
}

// UnreadCount computes the user's unread count for one chat: messages in the
// chat not sent by the user with no receipt row. Always a live query so the
// count cannot drift.
func (s *Store) UnreadCount(ctx context.Context, userID, chatID int64) (int64, error) {
	var count int64
	sql := `select count(*)
			  from messages
			 where messages.chat_id = $1
			   and messages.author_id <> $2
			   and not exists (
					select 1 from message_reads
					 where message_reads.message_id = messages.id
					   and message_reads.user_id = $2)`
	err := s.db.QueryRow(ctx, sql, chatID, userID).Scan(&count)
	return count, err
}
