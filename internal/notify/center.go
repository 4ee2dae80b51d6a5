// Package notify хранит всплывающие уведомления клиента. Видно не больше MaxVisible непрочитанных,
// новые сверху, автоскрытие через AutoHide.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/friendchat/internal/chat"
	"github.com/friendchat/internal/model"
)

const (
	DefaultMaxVisible = 3
	DefaultAutoHide   = 5 * time.Second
	// historyLimit: сколько уведомлений (включая прочитанные) держим в памяти.
	historyLimit = 50
)

type Sender struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Sender    *Sender   `json:"sender,omitempty"`
	// FriendID: беседа, которую открывает клик.
	FriendID string `json:"friend_id,omitempty"`
}

type Options struct {
	MaxVisible int
	// AutoHide <= 0 отключает автоскрытие.
	AutoHide time.Duration
	OnChange func()
	Now      func() time.Time
}

type hideTimer struct {
	t   *time.Timer
	seq uint64
}

type Center struct {
	opts Options

	mu     sync.Mutex
	items  []*Notification // новые в начале
	timers map[string]hideTimer
	seq    uint64
	closed bool
}

func NewCenter(opts Options) *Center {
	if opts.MaxVisible <= 0 {
		opts.MaxVisible = DefaultMaxVisible
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Center{opts: opts, timers: make(map[string]hideTimer)}
}

// Add добавляет уведомление первым в списке и возвращает его id.
func (c *Center) Add(n Notification) string {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = c.opts.Now()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return n.ID
	}
	c.items = append([]*Notification{&n}, c.items...)
	if len(c.items) > historyLimit {
		for _, old := range c.items[historyLimit:] {
			c.stopTimerLocked(old.ID)
		}
		c.items = c.items[:historyLimit]
	}
	c.scheduleLocked()
	c.mu.Unlock()
	c.changed()
	return n.ID
}

// NotifyMessage превращает сообщение от неактивного друга в уведомление "New Message".
func (c *Center) NotifyMessage(from chat.Friend, msg model.Message) {
	c.Add(Notification{
		Title:     "New Message",
		Message:   fmt.Sprintf("%s: %s", from.Name, msg.Content),
		Timestamp: msg.CreatedAt,
		Sender:    &Sender{Name: from.Name, Avatar: from.Avatar},
		FriendID:  from.ID,
	})
}

// Visible: непрочитанные, новые первыми, не больше MaxVisible.
func (c *Center) Visible() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, 0, c.opts.MaxVisible)
	for _, n := range c.visibleLocked() {
		out = append(out, *n)
	}
	return out
}

// Unread: число непрочитанных, включая невидимые.
func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, it := range c.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// Click закрывает уведомление и возвращает друга, чью беседу нужно открыть.
func (c *Center) Click(id string) (friendID string, ok bool) {
	c.mu.Lock()
	n := c.findLocked(id)
	if n == nil {
		c.mu.Unlock()
		return "", false
	}
	friendID = n.FriendID
	c.dismissLocked(n)
	c.mu.Unlock()
	c.changed()
	return friendID, true
}

// Dismiss отмечает уведомление прочитанным; видимым становится следующее по очереди.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	n := c.findLocked(id)
	if n == nil || n.Read {
		c.mu.Unlock()
		return false
	}
	c.dismissLocked(n)
	c.mu.Unlock()
	c.changed()
	return true
}

// Close останавливает таймеры автоскрытия.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id := range c.timers {
		c.stopTimerLocked(id)
	}
}

func (c *Center) visibleLocked() []*Notification {
	out := make([]*Notification, 0, c.opts.MaxVisible)
	for _, n := range c.items {
		if n.Read {
			continue
		}
		out = append(out, n)
		if len(out) == c.opts.MaxVisible {
			break
		}
	}
	return out
}

// scheduleLocked запускает таймер автоскрытия для каждого видимого уведомления без таймера
// и снимает таймеры с вытесненных.
func (c *Center) scheduleLocked() {
	if c.opts.AutoHide <= 0 {
		return
	}
	visible := c.visibleLocked()
	keep := make(map[string]bool, len(visible))
	for _, n := range visible {
		keep[n.ID] = true
	}
	for id := range c.timers {
		if !keep[id] {
			c.stopTimerLocked(id)
		}
	}
	for _, n := range visible {
		if _, ok := c.timers[n.ID]; ok {
			continue
		}
		id := n.ID
		c.seq++
		seq := c.seq
		c.timers[id] = hideTimer{t: time.AfterFunc(c.opts.AutoHide, func() { c.expire(id, seq) }), seq: seq}
	}
}

// expire срабатывает по таймеру; устаревший таймер (уведомление вытеснено или закрыто) игнорируется.
func (c *Center) expire(id string, seq uint64) {
	c.mu.Lock()
	ht, ok := c.timers[id]
	n := c.findLocked(id)
	if !ok || ht.seq != seq || n == nil || n.Read {
		c.mu.Unlock()
		return
	}
	c.dismissLocked(n)
	c.mu.Unlock()
	c.changed()
}

func (c *Center) dismissLocked(n *Notification) {
	n.Read = true
	c.stopTimerLocked(n.ID)
	if !c.closed {
		c.scheduleLocked()
	}
}

func (c *Center) stopTimerLocked(id string) {
	if ht, ok := c.timers[id]; ok {
		ht.t.Stop()
		delete(c.timers, id)
	}
}

func (c *Center) findLocked(id string) *Notification {
	for _, n := range c.items {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (c *Center) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
