// Package view строит модели отображения из снимков состояния: список друзей, шапку беседы,
// сгруппированные сообщения и уведомления. Все функции чистые.
package view

import (
	"strings"
	"time"

	"github.com/friendchat/internal/auth"
	"github.com/friendchat/internal/chat"
	"github.com/friendchat/internal/model"
	"github.com/friendchat/internal/notify"
)

const (
	clockLayout = "15:04"
	selfName    = "You"
)

type FriendItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	LastMessage string `json:"last_message"`
	Timestamp   string `json:"timestamp"`
	Unread      int    `json:"unread"`
	Online      bool   `json:"online"`
	Typing      bool   `json:"typing"`
	Active      bool   `json:"active"`
}

type FriendList struct {
	Query       string       `json:"query"`
	Items       []FriendItem `json:"items"`
	TotalUnread int          `json:"total_unread"`
}

// BuildFriendList фильтрует друзей по подстроке имени без учёта регистра.
// TotalUnread считается по всем друзьям, а не только по найденным.
func BuildFriendList(friends []chat.Friend, activeID, query string, loc *time.Location) FriendList {
	q := strings.ToLower(strings.TrimSpace(query))
	out := FriendList{Query: query, Items: make([]FriendItem, 0, len(friends))}
	for _, f := range friends {
		out.TotalUnread += f.Unread
		if q != "" && !strings.Contains(strings.ToLower(f.Name), q) {
			continue
		}
		out.Items = append(out.Items, FriendItem{
			ID:          f.ID,
			Name:        f.Name,
			Avatar:      f.Avatar,
			LastMessage: f.LastMessage,
			Timestamp:   clock(f.LastMessageAt, loc),
			Unread:      f.Unread,
			Online:      f.Online,
			Typing:      f.Typing,
			Active:      f.ID == activeID,
		})
	}
	return out
}

type Header struct {
	FriendID string `json:"friend_id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Online   bool   `json:"online"`
	Typing   bool   `json:"typing"`
	Status   string `json:"status"`
}

// BuildHeader: "Typing..." важнее "Online", иначе "Last seen <когда>".
func BuildHeader(f chat.Friend, now time.Time) Header {
	h := Header{FriendID: f.ID, Name: f.Name, Avatar: f.Avatar, Online: f.Online, Typing: f.Typing}
	switch {
	case f.Typing:
		h.Status = "Typing..."
	case f.Online:
		h.Status = "Online"
	case f.LastSeen.IsZero():
		h.Status = "Offline"
	default:
		h.Status = "Last seen " + notify.RelativeTime(now, f.LastSeen)
	}
	return h
}

type Bubble struct {
	ID            string `json:"id"`
	Content       string `json:"content"`
	SenderName    string `json:"sender_name"`
	SenderAvatar  string `json:"sender_avatar"`
	Timestamp     string `json:"timestamp"`
	IsCurrentUser bool   `json:"is_current_user"`
	Read          bool   `json:"read"`
}

// MessageGroup: подряд идущие сообщения одной стороны.
type MessageGroup struct {
	SenderID      string   `json:"sender_id"`
	IsCurrentUser bool     `json:"is_current_user"`
	Messages      []Bubble `json:"messages"`
}

func BuildConversation(self model.UserPublic, friend chat.Friend, messages []model.Message, loc *time.Location) []MessageGroup {
	groups := make([]MessageGroup, 0, 8)
	// свой аватар без avatar_url генерируется по id, а не по имени
	selfAvatar := self.AvatarURL
	if selfAvatar == "" {
		selfAvatar = model.DefaultAvatarURL(self.ID)
	}
	for _, m := range messages {
		mine := m.SenderID == self.ID
		b := Bubble{
			ID:            m.ID,
			Content:       m.Content,
			SenderName:    friend.Name,
			SenderAvatar:  friend.Avatar,
			Timestamp:     clock(m.CreatedAt, loc),
			IsCurrentUser: mine,
			Read:          m.Read,
		}
		if mine {
			b.SenderName, b.SenderAvatar = selfName, selfAvatar
		}
		if n := len(groups); n > 0 && groups[n-1].IsCurrentUser == mine {
			groups[n-1].Messages = append(groups[n-1].Messages, b)
			continue
		}
		groups = append(groups, MessageGroup{SenderID: m.SenderID, IsCurrentUser: mine, Messages: []Bubble{b}})
	}
	return groups
}

type Toast struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Time     string         `json:"time"`
	Sender   *notify.Sender `json:"sender,omitempty"`
	FriendID string         `json:"friend_id,omitempty"`
}

func BuildToasts(ns []notify.Notification, now time.Time) []Toast {
	out := make([]Toast, 0, len(ns))
	for _, n := range ns {
		out = append(out, Toast{
			ID:       n.ID,
			Title:    n.Title,
			Message:  n.Message,
			Time:     notify.RelativeTime(now, n.Timestamp),
			Sender:   n.Sender,
			FriendID: n.FriendID,
		})
	}
	return out
}

// Screen: полное состояние экрана, которое отправляется в браузер.
type Screen struct {
	Auth          string            `json:"auth"`
	User          *model.UserPublic `json:"user,omitempty"`
	Loading       bool              `json:"loading"`
	Friends       FriendList        `json:"friends"`
	Header        *Header           `json:"header,omitempty"`
	Conversation  []MessageGroup    `json:"conversation"`
	Notifications []Toast           `json:"notifications"`
}

type ScreenInput struct {
	Auth          auth.State
	User          *model.User
	Snapshot      chat.Snapshot
	Query         string
	Notifications []notify.Notification
	Now           time.Time
	Loc           *time.Location
}

func BuildScreen(in ScreenInput) Screen {
	s := Screen{
		Auth:          in.Auth.String(),
		Conversation:  []MessageGroup{},
		Notifications: BuildToasts(in.Notifications, in.Now),
	}
	if in.Auth != auth.StateAuthenticated || in.User == nil {
		s.Friends = FriendList{Items: []FriendItem{}}
		return s
	}
	self := in.User.ToPublic()
	s.User = &self
	s.Loading = in.Snapshot.Loading
	s.Friends = BuildFriendList(in.Snapshot.Friends, in.Snapshot.ActiveID, in.Query, in.Loc)
	if active, ok := in.Snapshot.Active(); ok {
		h := BuildHeader(active, in.Now)
		s.Header = &h
		s.Conversation = BuildConversation(self, active, in.Snapshot.Messages[active.ID], in.Loc)
	}
	return s
}

func clock(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(clockLayout)
}
