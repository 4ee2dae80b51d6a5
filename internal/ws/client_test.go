package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/friendchat/internal/model"
)

type fakeBackend struct {
	mu       sync.Mutex
	statuses []model.UserStatus
	sent     []model.Message
	onMsg    map[string]func(model.Message)
}

func (b *fakeBackend) SignUp(ctx context.Context, email, password, name string) (*model.AuthSession, error) {
	return nil, errors.New("not used")
}

func (b *fakeBackend) SignIn(ctx context.Context, email, password string) (*model.AuthSession, error) {
	return nil, errors.New("not used")
}

func (b *fakeBackend) SignOut(ctx context.Context, token string) error { return nil }

func (b *fakeBackend) GetSession(ctx context.Context, token string) (*model.AuthSession, error) {
	if !strings.HasPrefix(token, "tok-") {
		return nil, errors.New("invalid or expired session")
	}
	id := strings.TrimPrefix(token, "tok-")
	return &model.AuthSession{Token: token, User: model.User{ID: id, Name: strings.ToUpper(id)}}, nil
}

func (b *fakeBackend) UpdateUserStatus(ctx context.Context, userID string, status model.UserStatus) error {
	b.mu.Lock()
	b.statuses = append(b.statuses, status)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) GetFriends(ctx context.Context, userID string) ([]model.Friendship, error) {
	return []model.Friendship{{
		UserID: userID, FriendID: "bob", Status: model.FriendAccepted,
		Friend: model.UserPublic{ID: "bob", Name: "Bob", Status: model.StatusOnline},
	}}, nil
}

func (b *fakeBackend) GetMessages(ctx context.Context, userID, friendID string) ([]model.Message, error) {
	return nil, nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	m := model.Message{ID: "m-" + content, SenderID: senderID, ReceiverID: receiverID, Content: content, CreatedAt: time.Now()}
	b.mu.Lock()
	b.sent = append(b.sent, m)
	b.mu.Unlock()
	return &m, nil
}

func (b *fakeBackend) MarkMessagesAsRead(ctx context.Context, userID, friendID string) error { return nil }

func (b *fakeBackend) SetTypingStatus(ctx context.Context, userID, chatWithUserID string, isTyping bool) error {
	return nil
}

func (b *fakeBackend) SubscribeToMessages(ctx context.Context, userID string, h func(model.Message)) (func(), error) {
	b.mu.Lock()
	if b.onMsg == nil {
		b.onMsg = map[string]func(model.Message){}
	}
	b.onMsg[userID] = h
	b.mu.Unlock()
	return func() {}, nil
}

func (b *fakeBackend) SubscribeToTypingStatus(ctx context.Context, userID string, h func(model.TypingStatus)) (func(), error) {
	return func() {}, nil
}

func (b *fakeBackend) SubscribeToUserStatus(ctx context.Context, h func(model.UserStatusChange)) (func(), error) {
	return func() {}, nil
}

func (b *fakeBackend) recordedStatuses() []model.UserStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.UserStatus(nil), b.statuses...)
}

type stubPush struct {
	mu       sync.Mutex
	lastUser string
	lastBody string
	calls    chan struct{}
}

func (p *stubPush) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	p.mu.Lock()
	p.lastUser, p.lastBody = userID, body
	p.mu.Unlock()
	p.calls <- struct{}{}
}

func startHub(t *testing.T, b *fakeBackend, p PushNotifier) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(b, p, Options{TypingTimeout: time.Second, AutoHide: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := NewClient(hub, r.URL.Query().Get("token"))
		if err := client.Open(r.Context()); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			client.Abort()
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		client.Start(cctx, ccancel, conn)
		hub.Register(client)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

type rawOutgoing struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// waitFor читает события, пока не встретит нужный тип и пока match не вернёт true.
func waitFor(t *testing.T, conn *websocket.Conn, typ EventType, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg rawOutgoing
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		if msg.Type == typ && (match == nil || match(msg.Payload)) {
			return msg.Payload
		}
	}
	t.Fatalf("event %s not received", typ)
	return nil
}

type screenView struct {
	Auth    string `json:"auth"`
	Friends struct {
		Items []struct {
			ID     string `json:"id"`
			Active bool   `json:"active"`
			Unread int    `json:"unread"`
		} `json:"items"`
	} `json:"friends"`
	Header *struct {
		Status string `json:"status"`
	} `json:"header"`
	Conversation []struct {
		IsCurrentUser bool `json:"is_current_user"`
		Messages      []struct {
			Content string `json:"content"`
		} `json:"messages"`
	} `json:"conversation"`
	Notifications []struct {
		ID string `json:"id"`
	} `json:"notifications"`
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInvalidTokenIsRejected(t *testing.T) {
	_, srv := startHub(t, &fakeBackend{}, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestStateAfterConnectAndSendPushesToOfflineReceiver(t *testing.T) {
	b := &fakeBackend{}
	p := &stubPush{calls: make(chan struct{}, 1)}
	hub, srv := startHub(t, b, p)
	conn := dial(t, srv, "tok-ann")
	defer conn.Close()

	waitFor(t, conn, EventState, func(raw json.RawMessage) bool {
		var s screenView
		_ = json.Unmarshal(raw, &s)
		return s.Auth == "authenticated" && len(s.Friends.Items) == 1 && s.Friends.Items[0].Active &&
			s.Header != nil && s.Header.Status == "Online"
	})
	eventually(t, func() bool { return hub.Online("ann") && hub.Count() == 1 }, "expected ann registered")

	if err := conn.WriteJSON(IncomingMessage{Type: EventSendMessage, Content: " hi bob "}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := waitFor(t, conn, EventMessageSent, nil)
	var sent MessageSentPayload
	if err := json.Unmarshal(raw, &sent); err != nil || sent.Message.Content != "hi bob" {
		t.Fatalf("unexpected message_sent %s (%v)", raw, err)
	}
	select {
	case <-p.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a push for offline receiver")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastUser != "bob" || p.lastBody != "hi bob" {
		t.Fatalf("unexpected push %q %q", p.lastUser, p.lastBody)
	}
}

func TestRemoteMessageFromActiveFriendLandsInConversation(t *testing.T) {
	b := &fakeBackend{}
	_, srv := startHub(t, b, nil)
	conn := dial(t, srv, "tok-ann")
	defer conn.Close()
	waitFor(t, conn, EventState, func(raw json.RawMessage) bool {
		var s screenView
		_ = json.Unmarshal(raw, &s)
		return len(s.Friends.Items) == 1 && s.Friends.Items[0].Active
	})

	b.mu.Lock()
	deliver := b.onMsg["ann"]
	b.mu.Unlock()
	deliver(model.Message{ID: "x1", SenderID: "bob", ReceiverID: "ann", Content: "yo", CreatedAt: time.Now()})

	raw := waitFor(t, conn, EventState, func(raw json.RawMessage) bool {
		var s screenView
		_ = json.Unmarshal(raw, &s)
		return len(s.Conversation) == 1
	})
	var s screenView
	_ = json.Unmarshal(raw, &s)
	if s.Conversation[0].IsCurrentUser || len(s.Conversation[0].Messages) != 1 || s.Conversation[0].Messages[0].Content != "yo" {
		t.Fatalf("unexpected conversation %+v", s.Conversation)
	}
	if s.Friends.Items[0].Unread != 0 || len(s.Notifications) != 0 {
		t.Fatalf("message in the open conversation must stay read and silent: %+v", s)
	}

	if err := conn.WriteJSON(IncomingMessage{Type: EventSelectFriend, FriendID: "ghost"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, conn, EventError, func(raw json.RawMessage) bool {
		var e ErrorPayload
		_ = json.Unmarshal(raw, &e)
		return e.Message == "unknown friend"
	})
}

func TestUnknownEventAndCloseTeardown(t *testing.T) {
	b := &fakeBackend{}
	hub, srv := startHub(t, b, nil)
	conn := dial(t, srv, "tok-ann")
	waitFor(t, conn, EventState, nil)

	if err := conn.WriteJSON(IncomingMessage{Type: "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, conn, EventError, func(raw json.RawMessage) bool {
		var e ErrorPayload
		_ = json.Unmarshal(raw, &e)
		return e.Message == "unknown event type"
	})

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got := b.recordedStatuses()
		if !hub.Online("ann") && len(got) == 2 {
			if got[0] != model.StatusOnline || got[1] != model.StatusOffline {
				t.Fatalf("expected [online offline], got %v", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected teardown with offline, statuses=%v online=%v", b.recordedStatuses(), hub.Online("ann"))
}

func TestSignOutClosesConnectionWithAnonymousState(t *testing.T) {
	b := &fakeBackend{}
	_, srv := startHub(t, b, nil)
	conn := dial(t, srv, "tok-ann")
	defer conn.Close()
	waitFor(t, conn, EventState, nil)

	if err := conn.WriteJSON(IncomingMessage{Type: EventSignOut}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, conn, EventState, func(raw json.RawMessage) bool {
		var s screenView
		_ = json.Unmarshal(raw, &s)
		return s.Auth == "anonymous"
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := b.recordedStatuses()
		if len(got) == 2 {
			if got[1] != model.StatusOffline {
				t.Fatalf("expected offline after sign out, got %v", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected exactly online+offline, got %v", b.recordedStatuses())
}

func TestUnloadUserPushesOfflineInBackground(t *testing.T) {
	b := &fakeBackend{}
	hub, srv := startHub(t, b, nil)
	conn := dial(t, srv, "tok-ann")
	defer conn.Close()
	waitFor(t, conn, EventState, nil)
	eventually(t, func() bool { return hub.Online("ann") }, "expected ann registered")

	if n := hub.UnloadUser("ann"); n != 1 {
		t.Fatalf("expected 1 connection unloaded, got %d", n)
	}
	if n := hub.UnloadUser("nobody"); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := b.recordedStatuses(); len(got) == 2 && got[1] == model.StatusOffline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected background offline, got %v", b.recordedStatuses())
}
