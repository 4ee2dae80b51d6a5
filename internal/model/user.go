package model

import (
	"net/url"
	"time"
)

// UserStatus: присутствие пользователя.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
)

// Valid сообщает, относится ли статус к отслеживаемым (online/offline).
func (s UserStatus) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	AvatarURL    string     `json:"avatar_url"`
	Status       UserStatus `json:"status"`
	LastSeen     time.Time  `json:"last_seen"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
}

type UserPublic struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	AvatarURL string     `json:"avatar_url"`
	Status    UserStatus `json:"status"`
	LastSeen  time.Time  `json:"last_seen"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		Status:    u.Status,
		LastSeen:  u.LastSeen,
	}
}

// UserStatusChange: событие смены присутствия из канала users:status.
type UserStatusChange struct {
	ID       string     `json:"id"`
	Status   UserStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen"`
}

// AuthSession хранит результат входа (токен и профиль).
type AuthSession struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

const defaultAvatarBase = "https://api.dicebear.com/7.x/avataaars/svg?seed="

// DefaultAvatarURL: сгенерированный аватар для пользователя без avatar_url.
func DefaultAvatarURL(name string) string {
	return defaultAvatarBase + url.QueryEscape(name)
}

// Avatar возвращает avatar_url или сгенерированный по имени.
func (u UserPublic) Avatar() string {
	if u.AvatarURL != "" {
		return u.AvatarURL
	}
	return DefaultAvatarURL(u.Name)
}
