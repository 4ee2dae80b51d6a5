package memory

import (
	"context"
	"sync"
	"time"

	"github.com/friendchat/internal/storage"
)

type item struct {
	val string
	exp time.Time
}

type pushEntry struct {
	subs []storage.PushSubscription
	exp  time.Time
}

// Client заменяет Redis для -dev: сессии, подписки и канал изменений в памяти процесса.
// Publish доставляет синхронно, в вызывающей горутине.
type Client struct {
	mu       sync.RWMutex
	sessions map[string]item
	push     map[string]pushEntry
	handlers map[string]map[uint64]func([]byte)
	nextID   uint64
}

func New() *Client {
	return &Client{
		sessions: make(map[string]item),
		push:     make(map[string]pushEntry),
		handlers: make(map[string]map[uint64]func([]byte)),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetSession(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = item{val: userID, exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.sessions[sessionID]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	return nil
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.RLock()
	hs := make([]func([]byte), 0, len(c.handlers[channel]))
	for _, h := range c.handlers[channel] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[channel] == nil {
		c.handlers[channel] = make(map[uint64]func([]byte))
	}
	c.handlers[channel][id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[channel], id)
		if len(c.handlers[channel]) == 0 {
			delete(c.handlers, channel)
		}
	}, nil
}

func (c *Client) AddSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(userID)
	kept := e.subs[:0]
	for _, s := range e.subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	kept = append(kept, sub)
	if len(kept) > storage.MaxPushSubscriptions {
		kept = kept[len(kept)-storage.MaxPushSubscriptions:]
	}
	c.push[userID] = pushEntry{subs: kept, exp: time.Now().Add(storage.PushSubscriptionTTL)}
	return nil
}

func (c *Client) ListSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.live(userID)
	return append([]storage.PushSubscription(nil), e.subs...), nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(userID)
	kept := make([]storage.PushSubscription, 0, len(e.subs))
	for _, s := range e.subs {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.push, userID)
		return nil
	}
	c.push[userID] = pushEntry{subs: kept, exp: e.exp}
	return nil
}

// live возвращает запись без истёкших данных; вызывать под mu.
func (c *Client) live(userID string) pushEntry {
	e, ok := c.push[userID]
	if !ok || time.Now().After(e.exp) {
		return pushEntry{}
	}
	return e
}
