package ws

import (
	"github.com/friendchat/internal/model"
)

type EventType string

// Входящие события (браузер -> сервер).
const (
	EventSelectFriend        EventType = "select_friend"
	EventSendMessage         EventType = "send_message"
	EventTypingStart         EventType = "typing_start"
	EventTypingStop          EventType = "typing_stop"
	EventSearch              EventType = "search"
	EventNotificationClick   EventType = "notification_click"
	EventNotificationDismiss EventType = "notification_dismiss"
	EventReload              EventType = "reload"
	EventSignOut             EventType = "sign_out"
)

// Исходящие события (сервер -> браузер).
const (
	EventState       EventType = "state"
	EventMessageSent EventType = "message_sent"
	EventError       EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type           EventType `json:"type"`
	FriendID       string    `json:"friend_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	Query          string    `json:"query,omitempty"`
	NotificationID string    `json:"notification_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessageSentPayload подтверждает отправку: запись в том виде, в каком её сохранил сервер.
type MessageSentPayload struct {
	Message model.Message `json:"message"`
}

// ErrorPayload: ошибка обработки события.
type ErrorPayload struct {
	Event   EventType `json:"event,omitempty"`
	Message string    `json:"message"`
}
