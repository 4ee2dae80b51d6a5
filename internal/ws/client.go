package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/friendchat/internal/auth"
	"github.com/friendchat/internal/chat"
	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
	"github.com/friendchat/internal/notify"
	"github.com/friendchat/internal/view"
)

// ErrUnauthorized: токен не восстановил вход.
var ErrUnauthorized = errors.New("unauthorized")

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection together with its session components:
// auth session, chat store and notification center.
// Lifecycle: NewClient -> Open -> Start(ctx, cancel, conn) -> [readPump, writePump] -> Close -> Wait -> teardown.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan OutgoingMessage
	dirty  chan struct{}
	token  string
	userID string

	session *auth.Session
	store   *chat.Store
	center  *notify.Center

	viewMu sync.Mutex
	query  string

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// writerDone закрывается при выходе writePump.
	writerDone chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel       context.CancelFunc
	once         sync.Once
	teardownOnce sync.Once
	wg           sync.WaitGroup
}

func NewClient(hub *Hub, token string) *Client {
	c := &Client{
		hub:        hub,
		send:       make(chan OutgoingMessage, hub.opts.SendBufferSize),
		dirty:      make(chan struct{}, 1),
		token:      token,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.session = auth.NewSession(hub.backend)
	c.center = notify.NewCenter(notify.Options{
		MaxVisible: hub.opts.MaxVisible,
		AutoHide:   hub.opts.AutoHide,
		OnChange:   c.markDirty,
	})
	return c
}

// Open восстанавливает вход по токену и подписывает хранилище бесед на каналы изменений.
func (c *Client) Open(ctx context.Context) error {
	if err := c.session.Restore(ctx, c.token); err != nil || c.session.State() != auth.StateAuthenticated {
		if err != nil {
			logger.Debugf("ws restore session: %v", err)
		}
		return ErrUnauthorized
	}
	c.userID = c.session.UserID()
	c.store = chat.NewStore(c.hub.backend, c.userID, chat.Options{
		OnChange:      func(chat.Change) { c.markDirty() },
		Notifier:      c.center,
		TypingTimeout: c.hub.opts.TypingTimeout,
		CallTimeout:   c.hub.opts.CallTimeout,
	})
	if err := c.store.Start(ctx); err != nil {
		c.teardown(true)
		return err
	}
	c.session.OnChange(func(auth.State) { c.markDirty() })
	return nil
}

// Start launches readPump and writePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	c.conn = conn
	c.cancel = cancel
	c.markDirty()
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// teardown разбирает компоненты сессии. lastConn=false: у пользователя остались другие соединения,
// offline не отправляется.
func (c *Client) teardown(lastConn bool) {
	c.teardownOnce.Do(func() {
		if c.store != nil {
			c.store.Close()
		}
		c.center.Close()
		if lastConn {
			c.session.Close()
		} else {
			c.session.Detach()
		}
	})
}

// Abort разбирает открытую, но так и не запущенную сессию (upgrade не удался).
func (c *Client) Abort() {
	c.Close()
	c.teardown(!c.hub.Online(c.userID))
}

func (c *Client) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Client) screen() view.Screen {
	c.viewMu.Lock()
	query := c.query
	c.viewMu.Unlock()
	in := view.ScreenInput{
		Auth:          c.session.State(),
		Query:         query,
		Notifications: c.center.Visible(),
		Now:           time.Now(),
		Loc:           c.hub.opts.Location,
	}
	if cur := c.session.Current(); cur != nil {
		in.User = &cur.User
	}
	if c.store != nil {
		in.Snapshot = c.store.Snapshot()
	}
	return view.BuildScreen(in)
}

func (c *Client) sendError(event EventType, msg string) {
	c.hub.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Event: event, Message: msg}})
}

// readPump reads messages from the WebSocket connection.
// Exits on read error (triggered by conn.Close from Close() or WritePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})

	c.initialLoad(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			c.Close()
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Errorf("ws unmarshal error user=%s: %v", c.userID, err)
			c.sendError("", "invalid message")
			continue
		}

		if !c.handle(ctx, msg) {
			c.closeAfterFlush()
			return
		}
	}
}

// closeAfterFlush останавливает writePump так, чтобы он успел отправить очередь и close-кадр.
func (c *Client) closeAfterFlush() {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.writerDone:
	case <-time.After(c.hub.opts.WriteWait):
	}
	c.Close()
}

// writePump writes messages to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.writerDone)
	pingPeriod := (c.hub.opts.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
				logger.Debugf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-c.dirty:
			if !c.write(OutgoingMessage{Type: EventState, Payload: c.screen()}) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain дописывает накопленное перед закрытием: очередь и последнее состояние.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-c.dirty:
			if !c.write(OutgoingMessage{Type: EventState, Payload: c.screen()}) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(msg OutgoingMessage) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait)); err != nil {
		logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
		return false
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
		return true
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (c *Client) initialLoad(ctx context.Context) {
	if err := c.store.LoadFriends(ctx); err != nil {
		c.sendError("", "failed to load friends")
		return
	}
	if active := c.store.ActiveID(); active != "" {
		if err := c.store.LoadMessages(ctx, active); err != nil {
			c.sendError("", "failed to load messages")
		}
	}
}

// handle обрабатывает одно событие; false: соединение нужно закрыть.
func (c *Client) handle(ctx context.Context, msg IncomingMessage) bool {
	defer logger.DeferLogDuration("ws.handle."+string(msg.Type), time.Now())()
	if c.session.State() != auth.StateAuthenticated {
		c.sendError(msg.Type, "not signed in")
		return false
	}
	switch msg.Type {
	case EventSelectFriend:
		c.openConversation(ctx, msg.Type, msg.FriendID)
	case EventSendMessage:
		m, err := c.store.SendMessage(ctx, msg.Content)
		if err != nil {
			c.sendError(msg.Type, "failed to send message")
			return true
		}
		if m != nil {
			c.hub.sendToClient(c, OutgoingMessage{Type: EventMessageSent, Payload: MessageSentPayload{Message: *m}})
			var from *model.User
			if cur := c.session.Current(); cur != nil {
				from = &cur.User
			}
			c.hub.notifyOffline(from, m)
		}
	case EventTypingStart:
		if err := c.store.StartTyping(ctx); err != nil {
			c.sendError(msg.Type, "failed to update typing status")
		}
	case EventTypingStop:
		if err := c.store.StopTyping(ctx); err != nil {
			c.sendError(msg.Type, "failed to update typing status")
		}
	case EventSearch:
		c.viewMu.Lock()
		c.query = msg.Query
		c.viewMu.Unlock()
		c.markDirty()
	case EventNotificationClick:
		friendID, ok := c.center.Click(msg.NotificationID)
		if !ok {
			c.sendError(msg.Type, "unknown notification")
			return true
		}
		if friendID != "" {
			c.openConversation(ctx, msg.Type, friendID)
		}
	case EventNotificationDismiss:
		c.center.Dismiss(msg.NotificationID)
	case EventReload:
		c.initialLoad(ctx)
	case EventSignOut:
		if err := c.session.SignOut(ctx); err != nil {
			logger.Errorf("ws sign out user=%s: %v", c.userID, err)
		}
		c.store.Close()
		c.markDirty()
		return false
	default:
		c.sendError(msg.Type, "unknown event type")
	}
	return true
}

func (c *Client) openConversation(ctx context.Context, event EventType, friendID string) {
	if err := c.store.SelectFriend(ctx, friendID); err != nil {
		if errors.Is(err, chat.ErrUnknownFriend) {
			c.sendError(event, "unknown friend")
			return
		}
		c.sendError(event, "failed to select friend")
		return
	}
	if err := c.store.LoadMessages(ctx, friendID); err != nil {
		c.sendError(event, "failed to load messages")
	}
}
