package storage

import (
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/arsalan507/workchat-sub000/internal/domain"
)

var memberColumns = []string{"chat_id", "user_id", "role", "joined_at"}

type memberRow struct {
	chatID   int64
	userID   int64
	role     domain.Role
	joinedAt time.Time
}

type memberBulk struct {
	rows []memberRow
	idx  int
}

func (r memberRow) toInterface() []interface{} {
	return []interface{}{r.chatID, r.userID, string(r.role), r.joinedAt}
}

func copyFromMembers(rows []memberRow) pgx.CopyFromSource {
	return &memberBulk{
		rows: rows,
		idx:  -1,
	}
}

func (b *memberBulk) Next() bool {
	b.idx++
	return b.idx < len(b.rows)
}

func (b *memberBulk) Values() ([]interface{}, error) {
	return b.rows[b.idx].toInterface(), nil
}

func (b *memberBulk) Err() error {
	return nil
}
