// Package backend реализует адаптер хранилища для сессий чата. CRUD поверх репозиториев Postgres,
// подписки на изменения через ChangeFeed и аутентификация по JWT с серверными сессиями.
// Временные ошибки повторяются с экспоненциальной паузой (RetryPolicy).
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
	"github.com/friendchat/internal/storage"
)

type UserRepository interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateStatus(ctx context.Context, userID string, status model.UserStatus, at time.Time) error
}

type FriendRepository interface {
	ListAccepted(ctx context.Context, userID string) ([]model.Friendship, error)
	Add(ctx context.Context, f *model.Friendship) error
}

type MessageRepository interface {
	Create(ctx context.Context, m *model.Message) (*model.Message, error)
	ListConversation(ctx context.Context, userID, friendID string) ([]model.Message, error)
	MarkAsRead(ctx context.Context, userID, friendID string) error
}

type TypingRepository interface {
	Upsert(ctx context.Context, t *model.TypingStatus) error
}

// Deps: зависимости клиента.
type Deps struct {
	Users    UserRepository
	Friends  FriendRepository
	Messages MessageRepository
	Typing   TypingRepository
	Feed     storage.ChangeFeed
	Sessions storage.SessionStore
}

type Options struct {
	JWTSecret  string
	SessionTTL time.Duration
	BcryptCost int
	Retry      RetryPolicy
	// Now подменяется в тестах.
	Now func() time.Time
}

const minPasswordLen = 6

type Client struct {
	Deps
	retry      RetryPolicy
	tokens     tokenIssuer
	bcryptCost int
	now        func() time.Time
}

func New(deps Deps, opts Options) *Client {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	cost := opts.BcryptCost
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Client{
		Deps:       deps,
		retry:      opts.Retry,
		tokens:     tokenIssuer{secret: []byte(opts.JWTSecret), ttl: ttl, now: now},
		bcryptCost: cost,
		now:        now,
	}
}

func (c *Client) GetFriends(ctx context.Context, userID string) ([]model.Friendship, error) {
	return withRetry(ctx, c.retry, "GetFriends", func() ([]model.Friendship, error) {
		return c.Friends.ListAccepted(ctx, userID)
	})
}

// GetMessages: вся переписка пары в обе стороны по возрастанию времени.
func (c *Client) GetMessages(ctx context.Context, userID, friendID string) ([]model.Message, error) {
	return withRetry(ctx, c.retry, "GetMessages", func() ([]model.Message, error) {
		return c.Messages.ListConversation(ctx, userID, friendID)
	})
}

// SendMessage сохраняет сообщение и публикует его в канал получателя.
// id создаётся один раз, поэтому повтор после обрыва соединения не создаёт дубль с другим id.
func (c *Client) SendMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	if senderID == "" || receiverID == "" || strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: sender, receiver and content required", ErrValidation)
	}
	m := &model.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  c.now().UTC(),
	}
	saved, err := withRetry(ctx, c.retry, "SendMessage", func() (*model.Message, error) {
		return c.Messages.Create(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, storage.MessagesChannel(saved.ReceiverID), saved)
	return saved, nil
}

// MarkMessagesAsRead помечает прочитанными непрочитанные сообщения от friendID к userID.
func (c *Client) MarkMessagesAsRead(ctx context.Context, userID, friendID string) error {
	return retryErr(ctx, c.retry, "MarkMessagesAsRead", func() error {
		return c.Messages.MarkAsRead(ctx, userID, friendID)
	})
}

// SetTypingStatus: userID печатает (или перестал) собеседнику chatWithUserID.
func (c *Client) SetTypingStatus(ctx context.Context, userID, chatWithUserID string, isTyping bool) error {
	t := &model.TypingStatus{
		UserID:         userID,
		ChatWithUserID: chatWithUserID,
		IsTyping:       isTyping,
		UpdatedAt:      c.now().UTC(),
	}
	if err := retryErr(ctx, c.retry, "SetTypingStatus", func() error {
		return c.Typing.Upsert(ctx, t)
	}); err != nil {
		return err
	}
	c.publish(ctx, storage.TypingChannel(chatWithUserID), t)
	return nil
}

func (c *Client) UpdateUserStatus(ctx context.Context, userID string, status model.UserStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", ErrValidation, status)
	}
	ev := model.UserStatusChange{ID: userID, Status: status, LastSeen: c.now().UTC()}
	if err := retryErr(ctx, c.retry, "UpdateUserStatus", func() error {
		return c.Users.UpdateStatus(ctx, userID, status, ev.LastSeen)
	}); err != nil {
		return err
	}
	c.publish(ctx, storage.ChannelUserStatus, ev)
	return nil
}

func (c *Client) GetUserProfile(ctx context.Context, userID string) (*model.User, error) {
	return withRetry(ctx, c.retry, "GetUserProfile", func() (*model.User, error) {
		return c.Users.GetByID(ctx, userID)
	})
}

// Befriend создаёт принятую связь в обе стороны.
func (c *Client) Befriend(ctx context.Context, userID, friendID string) error {
	if userID == "" || friendID == "" || userID == friendID {
		return fmt.Errorf("%w: two distinct users required", ErrValidation)
	}
	now := c.now().UTC()
	for _, pair := range [][2]string{{userID, friendID}, {friendID, userID}} {
		f := &model.Friendship{
			ID:        uuid.NewString(),
			UserID:    pair[0],
			FriendID:  pair[1],
			Status:    model.FriendAccepted,
			CreatedAt: now,
		}
		if err := retryErr(ctx, c.retry, "Befriend", func() error { return c.Friends.Add(ctx, f) }); err != nil {
			return err
		}
	}
	return nil
}

// publish отправляет событие в канал; строка уже сохранена, поэтому ошибка только логируется.
func (c *Client) publish(ctx context.Context, channel string, v any) {
	if c.Feed == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("backend publish %s encode: %v", channel, err)
		return
	}
	if err := c.Feed.Publish(ctx, channel, raw); err != nil {
		logger.Errorf("backend publish %s: %v", channel, err)
	}
}

// SubscribeToMessages доставляет вставки сообщений, адресованных userID.
func (c *Client) SubscribeToMessages(ctx context.Context, userID string, handler func(model.Message)) (func(), error) {
	return c.Feed.Subscribe(ctx, storage.MessagesChannel(userID), func(payload []byte) {
		var m model.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			logger.Errorf("backend messages event decode: %v", err)
			return
		}
		if m.ReceiverID != userID || m.ID == "" {
			return
		}
		handler(m)
	})
}

// SubscribeToTypingStatus доставляет изменения набора текста, где собеседник: userID.
func (c *Client) SubscribeToTypingStatus(ctx context.Context, userID string, handler func(model.TypingStatus)) (func(), error) {
	return c.Feed.Subscribe(ctx, storage.TypingChannel(userID), func(payload []byte) {
		var t model.TypingStatus
		if err := json.Unmarshal(payload, &t); err != nil {
			logger.Errorf("backend typing event decode: %v", err)
			return
		}
		if t.ChatWithUserID != userID {
			return
		}
		handler(t)
	})
}

// SubscribeToUserStatus доставляет смены статуса online/offline всех пользователей.
func (c *Client) SubscribeToUserStatus(ctx context.Context, handler func(model.UserStatusChange)) (func(), error) {
	return c.Feed.Subscribe(ctx, storage.ChannelUserStatus, func(payload []byte) {
		var ev model.UserStatusChange
		if err := json.Unmarshal(payload, &ev); err != nil {
			logger.Errorf("backend status event decode: %v", err)
			return
		}
		if ev.ID == "" || !ev.Status.Valid() {
			return
		}
		handler(ev)
	})
}
