package backend

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/friendchat/internal/model"
	"github.com/friendchat/internal/repository"
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignUp создаёт профиль (статус online, сгенерированный аватар) и открывает сессию.
func (c *Client) SignUp(ctx context.Context, email, password, name string) (*model.AuthSession, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrValidation)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLen)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := c.now().UTC()
	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		AvatarURL:    model.DefaultAvatarURL(name),
		Status:       model.StatusOnline,
		LastSeen:     now,
		PasswordHash: string(hash),
		CreatedAt:    now,
	}
	err = retryErr(ctx, c.retry, "SignUp", func() error { return c.Users.Create(ctx, u) })
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}
	return c.openSession(ctx, u)
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*model.AuthSession, error) {
	u, err := withRetry(ctx, c.retry, "SignIn", func() (*model.User, error) {
		return c.Users.GetByEmail(ctx, normalizeEmail(email))
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return c.openSession(ctx, u)
}

// SignOut отзывает серверную сессию; токен после этого не принимается.
func (c *Client) SignOut(ctx context.Context, token string) error {
	_, sessionID, _, err := c.tokens.parse(token)
	if err != nil {
		return err
	}
	return retryErr(ctx, c.retry, "SignOut", func() error {
		return c.Sessions.DeleteSession(ctx, sessionID)
	})
}

// GetSession разрешает токен в профиль; отозванная или истёкшая сессия: ErrInvalidSession.
func (c *Client) GetSession(ctx context.Context, token string) (*model.AuthSession, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	userID, sessionID, exp, err := c.tokens.parse(token)
	if err != nil {
		return nil, err
	}
	owner, err := withRetry(ctx, c.retry, "GetSession", func() (string, error) {
		return c.Sessions.GetSession(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	if owner == "" || owner != userID {
		return nil, ErrInvalidSession
	}
	u, err := c.GetUserProfile(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	return &model.AuthSession{Token: token, ExpiresAt: exp, User: *u}, nil
}

func (c *Client) openSession(ctx context.Context, u *model.User) (*model.AuthSession, error) {
	sessionID := uuid.NewString()
	token, exp, err := c.tokens.issue(u.ID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := retryErr(ctx, c.retry, "SetSession", func() error {
		return c.Sessions.SetSession(ctx, sessionID, u.ID, c.tokens.ttl)
	}); err != nil {
		return nil, err
	}
	return &model.AuthSession{Token: token, ExpiresAt: exp, User: *u}, nil
}
