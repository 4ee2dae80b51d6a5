package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// userCols: список колонок для SELECT (порядок соответствует scanUser).
const userCols = `id, email, name, avatar_url, status, last_seen, password_hash, created_at`

// uniqueViolation: SQLSTATE нарушения уникального индекса.
const uniqueViolation = "23505"

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Email, &u.Name, &u.AvatarURL, &u.Status, &u.LastSeen, &u.PasswordHash, &u.CreatedAt)
}

// Create вставляет профиль; занятый email возвращает ErrDuplicate.
func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, avatar_url, status, last_seen, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Name, u.AvatarURL, u.Status, u.LastSeen, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByEmail", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, email)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByEmail: %w", err)
	}
	return u, nil
}

// UpdateStatus выставляет статус и last_seen; возвращает фактически записанное время.
func (r *UserRepository) UpdateStatus(ctx context.Context, userID string, status model.UserStatus, at time.Time) error {
	defer logger.DeferLogDuration("user.UpdateStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $1, last_seen = $2 WHERE id = $3`,
		status, at, userID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.UpdateStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStatuses переводит всех в offline (при старте API живых соединений нет).
func (r *UserRepository) ResetStatuses(ctx context.Context) error {
	defer logger.DeferLogDuration("user.ResetStatuses", time.Now())()
	if _, err := r.pool.Exec(ctx, `UPDATE users SET status = 'offline' WHERE status <> 'offline'`); err != nil {
		return fmt.Errorf("userRepo.ResetStatuses: %w", err)
	}
	return nil
}
