package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
)

type FriendRepository struct {
	pool *pgxpool.Pool
}

func NewFriendRepository(pool *pgxpool.Pool) *FriendRepository {
	return &FriendRepository{pool: pool}
}

// ListAccepted возвращает принятые связи пользователя вместе с профилями друзей.
func (r *FriendRepository) ListAccepted(ctx context.Context, userID string) ([]model.Friendship, error) {
	defer logger.DeferLogDuration("friend.ListAccepted", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT f.id, f.user_id, f.friend_id, f.status, f.created_at,
		        u.id, u.name, u.avatar_url, u.status, u.last_seen
		 FROM friends f
		 JOIN users u ON u.id = f.friend_id
		 WHERE f.user_id = $1 AND f.status = 'accepted'
		 ORDER BY f.created_at, f.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("friendRepo.ListAccepted query: %w", err)
	}
	defer rows.Close()

	friends := make([]model.Friendship, 0, 16)
	for rows.Next() {
		var f model.Friendship
		if err := rows.Scan(&f.ID, &f.UserID, &f.FriendID, &f.Status, &f.CreatedAt,
			&f.Friend.ID, &f.Friend.Name, &f.Friend.AvatarURL, &f.Friend.Status, &f.Friend.LastSeen); err != nil {
			return nil, fmt.Errorf("friendRepo.ListAccepted scan: %w", err)
		}
		friends = append(friends, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("friendRepo.ListAccepted rows: %w", err)
	}
	return friends, nil
}

// Add создаёт связь user → friend (повтор не ошибка, статус обновляется).
func (r *FriendRepository) Add(ctx context.Context, f *model.Friendship) error {
	defer logger.DeferLogDuration("friend.Add", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO friends (id, user_id, friend_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, friend_id) DO UPDATE SET status = EXCLUDED.status`,
		f.ID, f.UserID, f.FriendID, f.Status, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("friendRepo.Add: %w", err)
	}
	return nil
}
