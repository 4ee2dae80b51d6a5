package model

import "time"

type FriendStatus string

const (
	FriendPending  FriendStatus = "pending"
	FriendAccepted FriendStatus = "accepted"
)

// Friendship: строка таблицы friends вместе с профилем друга (friend_id → users).
type Friendship struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	FriendID  string       `json:"friend_id"`
	Status    FriendStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	Friend    UserPublic   `json:"friend"`
}
