package ws

import (
	"context"
	"sync"
	"time"

	"github.com/friendchat/internal/auth"
	"github.com/friendchat/internal/chat"
	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
)

// PushNotifier отправляет пуш-уведомления. Если nil: пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// Backend объединяет всё, что нужно сессии соединения: вход и состояние бесед.
type Backend interface {
	auth.Backend
	chat.Backend
}

// Options: лимиты соединений и параметры компонентов сессии.
type Options struct {
	MaxConns       int
	SendBufferSize int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	TypingTimeout time.Duration
	CallTimeout   time.Duration
	MaxVisible    int
	AutoHide      time.Duration
	// Location: часовой пояс для меток времени HH:MM.
	Location *time.Location
}

func (o *Options) normalize() {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	opts       Options
	backend    Backend
	pushClient PushNotifier
	register   chan *Client
	unregister chan *Client
	// stopping закрывается в начале shutdown, чтобы насосы не ждали Run на выходе.
	stopping chan struct{}
	done     chan struct{}
}

func NewHub(backend Backend, pushClient PushNotifier, opts Options) *Hub {
	opts.normalize()
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		opts:       opts,
		backend:    backend,
		pushClient: pushClient,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.stopping)
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
		c.teardown(true)
	}
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// соединение закрылось раньше, чем дошла регистрация
		return
	default:
	}
	userID := c.userID
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConns, userID)
		c.Close()
		return
	}
	if _, ok := h.clients[userID]; !ok {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Debugf("ws registered user=%s", userID)
}

// removeClient снимает соединение с учёта. offline отправляется только при закрытии последнего
// соединения пользователя; остальные передают присутствие оставшимся.
func (h *Hub) removeClient(c *Client) {
	userID := c.userID
	h.mu.Lock()
	lastClient := true
	if clients, ok := h.clients[userID]; ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			h.total--
		}
		lastClient = len(clients) == 0
		if lastClient {
			delete(h.clients, userID)
		}
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
	go func() {
		c.Wait()
		c.teardown(lastClient)
	}()
}

// Online: есть ли у пользователя живое соединение.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Count: число активных соединений.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// UnloadUser вызывается, когда страница пользователя закрывается. Каждая его сессия в фоне отправляет offline.
// Возвращает число затронутых соединений.
func (h *Hub) UnloadUser(userID string) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.session.Unload()
	}
	return len(clients)
}

// notifyOffline отправляет Web Push получателю без живого соединения.
func (h *Hub) notifyOffline(from *model.User, msg *model.Message) {
	if h.pushClient == nil || h.Online(msg.ReceiverID) {
		return
	}
	title := "New Message"
	if from != nil && from.Name != "" {
		title = from.Name
	}
	data := map[string]string{"friend_id": msg.SenderID, "message_id": msg.ID}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.pushClient.Notify(ctx, msg.ReceiverID, title, msg.Content, data)
	}()
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopping:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopping:
	}
}
