package chat

import (
	"time"

	"github.com/friendchat/internal/model"
)

// Friend: друг в списке беседы вместе с локальным состоянием (превью, непрочитанные, набор текста).
type Friend struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Avatar        string    `json:"avatar"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	Unread        int       `json:"unread"`
	Online        bool      `json:"online"`
	Typing        bool      `json:"typing"`
	LastSeen      time.Time `json:"last_seen"`
}

func friendFromProfile(p model.UserPublic) *Friend {
	f := &Friend{ID: p.ID}
	f.applyProfile(p)
	return f
}

// applyProfile обновляет поля профиля; превью, непрочитанные и набор текста не трогает.
// Онлайн и last_seen берутся только из строки не старше уже известного last_seen.
func (f *Friend) applyProfile(p model.UserPublic) {
	f.Name = p.Name
	f.Avatar = p.Avatar()
	if p.LastSeen.Before(f.LastSeen) {
		return
	}
	f.Online = p.Status == model.StatusOnline
	f.LastSeen = p.LastSeen
}

// applyPreview выставляет превью, если сообщение не старше текущего.
func (f *Friend) applyPreview(m *model.Message) {
	if f.LastMessageAt.IsZero() || !m.CreatedAt.Before(f.LastMessageAt) {
		f.LastMessage = m.Content
		f.LastMessageAt = m.CreatedAt
	}
}

// Snapshot: глубокая копия состояния хранилища.
type Snapshot struct {
	UserID   string                     `json:"user_id"`
	Friends  []Friend                   `json:"friends"`
	ActiveID string                     `json:"active_id"`
	Messages map[string][]model.Message `json:"messages"`
	Loading  bool                       `json:"loading"`
}

// Active возвращает активного друга из снимка.
func (s Snapshot) Active() (Friend, bool) {
	for _, f := range s.Friends {
		if f.ID == s.ActiveID {
			return f, true
		}
	}
	return Friend{}, false
}
