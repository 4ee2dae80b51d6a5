package model

import "time"

type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"read"`
}

// Before задаёт порядок ленты: created_at по возрастанию, при равенстве по id.
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// TypingStatus соответствует строке user_typing (UserID печатает собеседнику ChatWithUserID).
type TypingStatus struct {
	UserID         string    `json:"user_id"`
	ChatWithUserID string    `json:"chat_with_user_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}
