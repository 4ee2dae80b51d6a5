package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
)

type TypingRepository struct {
	pool *pgxpool.Pool
}

func NewTypingRepository(pool *pgxpool.Pool) *TypingRepository {
	return &TypingRepository{pool: pool}
}

// Upsert записывает статус набора по ключу (user_id, chat_with_user_id).
func (r *TypingRepository) Upsert(ctx context.Context, t *model.TypingStatus) error {
	defer logger.DeferLogDuration("typing.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_typing (user_id, chat_with_user_id, is_typing, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, chat_with_user_id) DO UPDATE SET
		   is_typing = EXCLUDED.is_typing,
		   updated_at = EXCLUDED.updated_at`,
		t.UserID, t.ChatWithUserID, t.IsTyping, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("typingRepo.Upsert: %w", err)
	}
	return nil
}
