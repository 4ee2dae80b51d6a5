package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
)

const messageCols = `id, sender_id, receiver_id, content, created_at, read`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create вставляет сообщение и возвращает запись в том виде, в каком её сохранила БД.
// Повтор с тем же id (коммит прошёл, ответ потерян) возвращает уже сохранённую строку.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	out := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, created_at, read)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+messageCols,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.CreatedAt, m.Read,
	).Scan(&out.ID, &out.SenderID, &out.ReceiverID, &out.Content, &out.CreatedAt, &out.Read)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.existing(ctx, m)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Create: %w", err)
	}
	return out, nil
}

func (r *MessageRepository) existing(ctx context.Context, m *model.Message) (*model.Message, error) {
	out := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = $1`, m.ID,
	).Scan(&out.ID, &out.SenderID, &out.ReceiverID, &out.Content, &out.CreatedAt, &out.Read)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Create existing: %w", err)
	}
	if out.SenderID != m.SenderID || out.ReceiverID != m.ReceiverID {
		return nil, ErrDuplicate
	}
	return out, nil
}

// ListConversation возвращает всю переписку пары в обе стороны, по возрастанию created_at.
func (r *MessageRepository) ListConversation(ctx context.Context, userID, friendID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListConversation", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY created_at ASC, id ASC`, userID, friendID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListConversation query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt, &m.Read); err != nil {
			return nil, fmt.Errorf("msgRepo.ListConversation scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListConversation rows: %w", err)
	}
	return messages, nil
}

// MarkAsRead помечает прочитанными входящие от friendID к userID.
func (r *MessageRepository) MarkAsRead(ctx context.Context, userID, friendID string) error {
	defer logger.DeferLogDuration("msg.MarkAsRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET read = true
		 WHERE sender_id = $1 AND receiver_id = $2 AND read = false`,
		friendID, userID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkAsRead: %w", err)
	}
	return nil
}
