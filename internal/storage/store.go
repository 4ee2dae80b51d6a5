package storage

import (
	"context"
	"time"
)

// SessionStore хранит серверные сессии: session_id (jti токена) -> user_id с TTL.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type SessionStore interface {
	SetSession(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	// GetSession возвращает "" без ошибки, если сессии нет или она истекла.
	GetSession(ctx context.Context, sessionID string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// ChangeFeed: канал изменений строк (сообщения, набор текста, статусы).
// Subscribe возвращается только после того, как подписка активна; возвращённая функция отписывает.
type ChangeFeed interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error)
}

// PushKeys: ключи шифрования подписки браузера.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription: Web Push подписка из браузера.
type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

// Valid: все поля подписки заполнены.
func (s PushSubscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// Лимиты подписок на пользователя.
const (
	MaxPushSubscriptions = 10
	PushSubscriptionTTL  = 30 * 24 * time.Hour
)

// PushSubscriptionStore хранит не больше MaxPushSubscriptions последних подписок пользователя.
type PushSubscriptionStore interface {
	AddSubscription(ctx context.Context, userID string, sub PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
}

// Каналы изменений.
const (
	ChannelUserStatus = "realtime:users:status"
	messagesPrefix    = "realtime:messages:"
	typingPrefix      = "realtime:typing:"
)

// MessagesChannel: вставки сообщений, адресованных receiverID.
func MessagesChannel(receiverID string) string { return messagesPrefix + receiverID }

// TypingChannel: статусы набора, где counterpartID это собеседник.
func TypingChannel(counterpartID string) string { return typingPrefix + counterpartID }
