package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendchat/internal/backend"
	"github.com/friendchat/internal/config"
	"github.com/friendchat/internal/middleware"
	"github.com/friendchat/internal/model"
	"github.com/friendchat/internal/storage"
)

type stubBackend struct {
	mu        sync.Mutex
	statuses  []string
	signedOut string
	signUpErr error
	offline   chan string
}

func (b *stubBackend) SignUp(ctx context.Context, email, password, name string) (*model.AuthSession, error) {
	if b.signUpErr != nil {
		return nil, b.signUpErr
	}
	return &model.AuthSession{Token: "tok-new", User: model.User{ID: "new", Email: email, Name: name, Status: model.StatusOnline}}, nil
}

func (b *stubBackend) SignIn(ctx context.Context, email, password string) (*model.AuthSession, error) {
	if password != "secret1" {
		return nil, backend.ErrInvalidCredentials
	}
	return &model.AuthSession{Token: "tok-ann", User: model.User{ID: "ann", Email: email}}, nil
}

func (b *stubBackend) SignOut(ctx context.Context, token string) error {
	b.mu.Lock()
	b.signedOut = token
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) GetSession(ctx context.Context, token string) (*model.AuthSession, error) {
	if !strings.HasPrefix(token, "tok-") {
		return nil, backend.ErrInvalidSession
	}
	id := strings.TrimPrefix(token, "tok-")
	return &model.AuthSession{Token: token, User: model.User{ID: id}}, nil
}

func (b *stubBackend) UpdateUserStatus(ctx context.Context, userID string, status model.UserStatus) error {
	b.mu.Lock()
	b.statuses = append(b.statuses, userID+":"+string(status))
	b.mu.Unlock()
	if b.offline != nil && status == model.StatusOffline {
		b.offline <- userID
	}
	return nil
}

func (b *stubBackend) GetFriends(ctx context.Context, userID string) ([]model.Friendship, error) {
	return []model.Friendship{{UserID: userID, FriendID: "bob", Friend: model.UserPublic{ID: "bob", Name: "Bob"}}}, nil
}

func (b *stubBackend) GetMessages(ctx context.Context, userID, friendID string) ([]model.Message, error) {
	return []model.Message{{ID: "m1", SenderID: friendID, ReceiverID: userID, Content: "hey"}}, nil
}

type stubUnloader struct{ n int }

func (u *stubUnloader) UnloadUser(userID string) int { return u.n }

type stubSubscriber struct {
	user string
	sub  storage.PushSubscription
}

func (s *stubSubscriber) Subscribe(ctx context.Context, userID string, sub storage.PushSubscription) error {
	s.user, s.sub = userID, sub
	return nil
}

func (s *stubSubscriber) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return nil
}

func newRouter(b *stubBackend, hub Unloader, sub Subscriber) http.Handler {
	r := chi.NewRouter()
	auth := NewAuthHandler(b)
	r.Post("/api/auth/sign-up", auth.SignUp)
	r.Post("/api/auth/sign-in", auth.SignIn)
	r.Post("/api/presence/offline", NewPresenceHandler(b, hub).Offline)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(b))
		r.Post("/api/auth/sign-out", auth.SignOut)
		r.Get("/api/auth/session", auth.Session)
		friends := NewFriendsHandler(b)
		r.Get("/api/friends", friends.List)
		r.Get("/api/friends/{friendId}/messages", friends.Messages)
		push := NewPushHandler(sub)
		r.Post("/api/push/subscribe", push.Subscribe)
	})
	return r
}

func do(h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSignUpStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusCreated},
		{fmt.Errorf("%w: invalid email", backend.ErrValidation), http.StatusBadRequest},
		{backend.ErrEmailTaken, http.StatusConflict},
		{fmt.Errorf("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		b := &stubBackend{signUpErr: tc.err}
		rec := do(newRouter(b, nil, nil), http.MethodPost, "/api/auth/sign-up", `{"email":"a@b.c","password":"secret1","name":"Ann"}`, "")
		if rec.Code != tc.code {
			t.Fatalf("err=%v: expected %d, got %d (%s)", tc.err, tc.code, rec.Code, rec.Body.String())
		}
	}
	rec := do(newRouter(&stubBackend{}, nil, nil), http.MethodPost, "/api/auth/sign-up", `{`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestSignInPushesOnlineAndSignOutPushesOffline(t *testing.T) {
	b := &stubBackend{}
	h := newRouter(b, nil, nil)

	rec := do(h, http.MethodPost, "/api/auth/sign-in", `{"email":"ann@x.io","password":"wrong"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = do(h, http.MethodPost, "/api/auth/sign-in", `{"email":"ann@x.io","password":"secret1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sess model.AuthSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil || sess.Token != "tok-ann" || sess.User.Status != model.StatusOnline {
		t.Fatalf("unexpected session %+v (%v)", sess, err)
	}

	rec = do(h, http.MethodPost, "/api/auth/sign-out", "", "tok-ann")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.statuses) != 2 || b.statuses[0] != "ann:online" || b.statuses[1] != "ann:offline" || b.signedOut != "tok-ann" {
		t.Fatalf("unexpected calls statuses=%v signedOut=%q", b.statuses, b.signedOut)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newRouter(&stubBackend{}, nil, nil)
	for _, target := range []string{"/api/auth/session", "/api/friends", "/api/friends/bob/messages"} {
		if rec := do(h, http.MethodGet, target, "", ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", target, rec.Code)
		}
		if rec := do(h, http.MethodGet, target, "", "tok-ann"); rec.Code != http.StatusOK {
			t.Fatalf("%s with token: expected 200, got %d", target, rec.Code)
		}
	}
}

func TestFriendsAndMessages(t *testing.T) {
	h := newRouter(&stubBackend{}, nil, nil)
	rec := do(h, http.MethodGet, "/api/friends", "", "tok-ann")
	var friends []model.Friendship
	if err := json.Unmarshal(rec.Body.Bytes(), &friends); err != nil || len(friends) != 1 {
		t.Fatalf("unexpected friends %s (%v)", rec.Body.String(), err)
	}
	if friends[0].Friend.AvatarURL != model.DefaultAvatarURL("Bob") {
		t.Fatalf("expected default avatar, got %q", friends[0].Friend.AvatarURL)
	}

	rec = do(h, http.MethodGet, "/api/friends/carol/messages", "", "tok-ann")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("non-friend history: expected 404, got %d", rec.Code)
	}
	rec = do(h, http.MethodGet, "/api/friends/bob/messages", "", "tok-ann")
	var msgs []model.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil || len(msgs) != 1 || msgs[0].Content != "hey" {
		t.Fatalf("unexpected messages %s (%v)", rec.Body.String(), err)
	}
}

func TestPresenceBeaconFallsBackToDirectOffline(t *testing.T) {
	b := &stubBackend{offline: make(chan string, 1)}
	h := newRouter(b, &stubUnloader{n: 0}, nil)
	rec := do(h, http.MethodPost, "/api/presence/offline?token=tok-ann", "", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case user := <-b.offline:
		if user != "ann" {
			t.Fatalf("unexpected user %q", user)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected background offline push")
	}
}

func TestPresenceBeaconDelegatesToLiveSessions(t *testing.T) {
	b := &stubBackend{offline: make(chan string, 1)}
	h := newRouter(b, &stubUnloader{n: 2}, nil)
	if rec := do(h, http.MethodPost, "/api/presence/offline?token=tok-ann", "", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-b.offline:
		t.Fatal("live sessions push offline themselves")
	case <-time.After(100 * time.Millisecond):
	}
	if rec := do(h, http.MethodPost, "/api/presence/offline?token=junk", "", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("bad token still gets 202, got %d", rec.Code)
	}
}

func TestPushSubscribeValidates(t *testing.T) {
	sub := &stubSubscriber{}
	h := newRouter(&stubBackend{}, nil, sub)
	rec := do(h, http.MethodPost, "/api/push/subscribe", `{"subscription":{"endpoint":"https://p/1"}}`, "tok-ann")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := `{"subscription":{"endpoint":"https://p/1","keys":{"p256dh":"k","auth":"a"}}}`
	rec = do(h, http.MethodPost, "/api/push/subscribe", body, "tok-ann")
	if rec.Code != http.StatusNoContent || sub.user != "ann" || sub.sub.Endpoint != "https://p/1" {
		t.Fatalf("code=%d user=%q sub=%+v", rec.Code, sub.user, sub.sub)
	}
}

func TestClientConfig(t *testing.T) {
	cfg := &config.Config{PushServiceURL: "http://push:8082", PushVAPIDPublicKey: "pub"}
	cfg.Chat.TypingTimeout = 3 * time.Second
	cfg.Notifications.MaxVisible = 3
	cfg.Notifications.AutoHide = 5 * time.Second
	rec := httptest.NewRecorder()
	NewConfigHandler(cfg).GetClientConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/client", nil))
	var got clientConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TypingTimeoutMs != 3000 || got.Notifications.MaxVisible != 3 || got.Notifications.AutoHideMs != 5000 ||
		!got.Push.Enabled || got.Push.VAPIDPublicKey != "pub" {
		t.Fatalf("unexpected config %+v", got)
	}
}
