package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/friendchat/internal/model"
)

type typingCall struct {
	to string
	on bool
}

type stubBackend struct {
	mu          sync.Mutex
	friends     []model.Friendship
	friendsErr  error
	history     map[string][]model.Message
	duringFetch func()
	sendErr     error
	sent        []string
	markedRead  []string
	typing      []typingCall
	typingFails int
	unsubscribe int

	onMessage  func(model.Message)
	onTyping   func(model.TypingStatus)
	onPresence func(model.UserStatusChange)
}

func (b *stubBackend) GetFriends(ctx context.Context, userID string) ([]model.Friendship, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.friendsErr != nil {
		return nil, b.friendsErr
	}
	return append([]model.Friendship(nil), b.friends...), nil
}

func (b *stubBackend) GetMessages(ctx context.Context, userID, friendID string) ([]model.Message, error) {
	if b.duringFetch != nil {
		b.duringFetch()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Message(nil), b.history[friendID]...), nil
}

func (b *stubBackend) SendMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.sent = append(b.sent, content)
	return &model.Message{
		ID:         "sent-" + content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  time.Date(2024, 1, 1, 10, len(b.sent), 0, 0, time.UTC),
	}, nil
}

func (b *stubBackend) MarkMessagesAsRead(ctx context.Context, userID, friendID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markedRead = append(b.markedRead, friendID)
	return nil
}

func (b *stubBackend) SetTypingStatus(ctx context.Context, userID, chatWithUserID string, isTyping bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isTyping && b.typingFails > 0 {
		b.typingFails--
		return errors.New("network down")
	}
	b.typing = append(b.typing, typingCall{to: chatWithUserID, on: isTyping})
	return nil
}

func (b *stubBackend) SubscribeToMessages(ctx context.Context, userID string, h func(model.Message)) (func(), error) {
	b.onMessage = h
	return b.unsub, nil
}

func (b *stubBackend) SubscribeToTypingStatus(ctx context.Context, userID string, h func(model.TypingStatus)) (func(), error) {
	b.onTyping = h
	return b.unsub, nil
}

func (b *stubBackend) SubscribeToUserStatus(ctx context.Context, h func(model.UserStatusChange)) (func(), error) {
	b.onPresence = h
	return b.unsub, nil
}

func (b *stubBackend) unsub() {
	b.mu.Lock()
	b.unsubscribe++
	b.mu.Unlock()
}

func (b *stubBackend) typingCalls() []typingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]typingCall(nil), b.typing...)
}

func (b *stubBackend) readCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.markedRead...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	from []string
}

func (n *recordingNotifier) NotifyMessage(from Friend, msg model.Message) {
	n.mu.Lock()
	n.from = append(n.from, from.ID)
	n.mu.Unlock()
}

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func friendRow(id, name string) model.Friendship {
	return model.Friendship{
		ID:       "rel-" + id,
		UserID:   "me",
		FriendID: id,
		Status:   model.FriendAccepted,
		Friend:   model.UserPublic{ID: id, Name: name, Status: model.StatusOffline, LastSeen: t0},
	}
}

func incoming(id, from string, at time.Time) model.Message {
	return model.Message{ID: id, SenderID: from, ReceiverID: "me", Content: "text " + id, CreatedAt: at}
}

func newLoadedStore(t *testing.T, b *stubBackend, opts Options) *Store {
	t.Helper()
	if b.friends == nil {
		b.friends = []model.Friendship{friendRow("0", "Zoe"), friendRow("1", "Ann")}
	}
	s := NewStore(b, "me", opts)
	if err := s.LoadFriends(context.Background()); err != nil {
		t.Fatalf("LoadFriends: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func friendByID(t *testing.T, s *Store, id string) Friend {
	t.Helper()
	for _, f := range s.Snapshot().Friends {
		if f.ID == id {
			return f
		}
	}
	t.Fatalf("friend %q not found", id)
	return Friend{}
}

func TestLoadFriendsAutoSelectsFirst(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{})
	snap := s.Snapshot()
	if snap.ActiveID != "0" || snap.Loading {
		t.Fatalf("expected first friend active and loading done, got %+v", snap)
	}
	if len(snap.Friends) != 2 || snap.Friends[1].Name != "Ann" {
		t.Fatalf("unexpected friends %+v", snap.Friends)
	}
	if snap.Friends[1].Avatar != model.DefaultAvatarURL("Ann") {
		t.Fatalf("expected generated avatar, got %q", snap.Friends[1].Avatar)
	}
	if got := b.readCalls(); len(got) != 1 || got[0] != "0" {
		t.Fatalf("auto-select must mark read, got %v", got)
	}
}

func TestSelectFriendZeroesUnread(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{})
	s.OnRemoteMessage(incoming("m1", "1", t0.Add(time.Minute)))
	s.OnRemoteMessage(incoming("m2", "1", t0.Add(2*time.Minute)))
	if f := friendByID(t, s, "1"); f.Unread != 2 {
		t.Fatalf("expected unread 2, got %d", f.Unread)
	}

	if err := s.SelectFriend(context.Background(), "1"); err != nil {
		t.Fatalf("SelectFriend: %v", err)
	}
	if f := friendByID(t, s, "1"); f.Unread != 0 {
		t.Fatalf("expected unread 0 after select, got %d", f.Unread)
	}
	if f := friendByID(t, s, "0"); f.Unread != 0 {
		t.Fatalf("other friend must be unchanged, got %d", f.Unread)
	}
	for _, m := range s.Snapshot().Messages["1"] {
		if !m.Read {
			t.Fatalf("message %s must be marked read locally", m.ID)
		}
	}
	if got := b.readCalls(); got[len(got)-1] != "1" {
		t.Fatalf("expected mark-as-read for 1, got %v", got)
	}
}

func TestSelectUnknownFriendIsRejected(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{})
	before := s.Snapshot()
	if err := s.SelectFriend(context.Background(), "ghost"); !errors.Is(err, ErrUnknownFriend) {
		t.Fatalf("expected ErrUnknownFriend, got %v", err)
	}
	if s.ActiveID() != before.ActiveID {
		t.Fatalf("active changed to %q", s.ActiveID())
	}
}

func TestSendMessageAppendsOnceAndUpdatesPreview(t *testing.T) {
	b := &stubBackend{}
	var changes []Change
	var cmu sync.Mutex
	s := newLoadedStore(t, b, Options{OnChange: func(c Change) { cmu.Lock(); changes = append(changes, c); cmu.Unlock() }})

	msg, err := s.SendMessage(context.Background(), "  hello  ")
	if err != nil || msg == nil {
		t.Fatalf("SendMessage: %v %v", msg, err)
	}
	snap := s.Snapshot()
	if got := snap.Messages["0"]; len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("expected one trimmed message, got %+v", got)
	}
	if f := friendByID(t, s, "0"); f.LastMessage != "hello" || !f.LastMessageAt.Equal(msg.CreatedAt) {
		t.Fatalf("preview not updated: %+v", f)
	}
	calls := b.typingCalls()
	if len(calls) != 1 || calls[0].on || calls[0].to != "0" {
		t.Fatalf("send must force typing-false, got %+v", calls)
	}
	cmu.Lock()
	defer cmu.Unlock()
	if len(changes) == 0 {
		t.Fatal("expected change notifications")
	}
}

func TestSendEmptyIsNoop(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{})
	for _, text := range []string{"", "   ", "\n\t"} {
		msg, err := s.SendMessage(context.Background(), text)
		if msg != nil || err != nil {
			t.Fatalf("expected no-op for %q, got %v %v", text, msg, err)
		}
	}
	if len(b.sent) != 0 || len(b.typingCalls()) != 0 {
		t.Fatalf("expected no backend calls, sent=%v typing=%v", b.sent, b.typingCalls())
	}
	if len(s.Snapshot().Messages["0"]) != 0 {
		t.Fatal("expected no messages")
	}
}

func TestSendWithoutActiveFriendIsNoop(t *testing.T) {
	b := &stubBackend{friends: []model.Friendship{}}
	s := newLoadedStore(t, b, Options{})
	if msg, err := s.SendMessage(context.Background(), "hi"); msg != nil || err != nil {
		t.Fatalf("expected no-op, got %v %v", msg, err)
	}
	if len(b.sent) != 0 {
		t.Fatalf("expected no backend call, got %v", b.sent)
	}
}

func TestSendFailureAddsNothing(t *testing.T) {
	b := &stubBackend{sendErr: errors.New("network down")}
	s := newLoadedStore(t, b, Options{})
	if _, err := s.SendMessage(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if len(s.Snapshot().Messages["0"]) != 0 {
		t.Fatal("failed send must not append")
	}
	if f := friendByID(t, s, "0"); f.LastMessage != "" {
		t.Fatalf("failed send must not touch preview, got %q", f.LastMessage)
	}
}

func TestRemoteMessageUnreadAndNotify(t *testing.T) {
	b := &stubBackend{}
	n := &recordingNotifier{}
	s := newLoadedStore(t, b, Options{Notifier: n})
	readsBefore := len(b.readCalls())

	s.OnRemoteMessage(incoming("a1", "0", t0.Add(time.Minute)))
	if f := friendByID(t, s, "0"); f.Unread != 0 || f.LastMessage != "text a1" {
		t.Fatalf("active friend: expected unread 0 and preview, got %+v", f)
	}
	if m := s.Snapshot().Messages["0"]; len(m) != 1 || !m[0].Read {
		t.Fatalf("message from active friend must be read locally: %+v", m)
	}
	if got := b.readCalls(); len(got) != readsBefore+1 {
		t.Fatalf("expected immediate mark-as-read, got %v", got)
	}

	s.OnRemoteMessage(incoming("b1", "1", t0.Add(time.Minute)))
	if f := friendByID(t, s, "1"); f.Unread != 1 {
		t.Fatalf("non-active friend: expected unread 1, got %d", f.Unread)
	}
	if len(n.from) != 1 || n.from[0] != "1" {
		t.Fatalf("expected a notification from 1, got %v", n.from)
	}
}

func TestDuplicateDeliveryIsIgnored(t *testing.T) {
	b := &stubBackend{}
	n := &recordingNotifier{}
	s := newLoadedStore(t, b, Options{Notifier: n})
	m := incoming("dup", "1", t0.Add(time.Minute))
	s.OnRemoteMessage(m)
	s.OnRemoteMessage(m)
	if f := friendByID(t, s, "1"); f.Unread != 1 {
		t.Fatalf("expected unread 1, got %d", f.Unread)
	}
	if got := s.Snapshot().Messages["1"]; len(got) != 1 {
		t.Fatalf("expected one message, got %d", len(got))
	}
	if len(n.from) != 1 {
		t.Fatalf("expected one notification, got %d", len(n.from))
	}
}

func TestRemoteMessagesStaySorted(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{})
	s.OnRemoteMessage(incoming("c", "1", t0.Add(3*time.Minute)))
	s.OnRemoteMessage(incoming("a", "1", t0.Add(time.Minute)))
	s.OnRemoteMessage(incoming("b2", "1", t0.Add(2*time.Minute)))
	s.OnRemoteMessage(incoming("b1", "1", t0.Add(2*time.Minute)))
	got := s.Snapshot().Messages["1"]
	want := []string{"a", "b1", "b2", "c"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: want %s, got %s", i, id, got[i].ID)
		}
	}
	if f := friendByID(t, s, "1"); f.LastMessage != "text c" {
		t.Fatalf("older message must not replace preview, got %q", f.LastMessage)
	}
}

func TestMessageBeforeFriendsLoadedCountsOnLoad(t *testing.T) {
	b := &stubBackend{friends: []model.Friendship{friendRow("0", "Zoe"), friendRow("1", "Ann")}}
	s := NewStore(b, "me", Options{})
	defer s.Close()
	s.OnRemoteMessage(incoming("early", "1", t0.Add(time.Minute)))
	if err := s.LoadFriends(context.Background()); err != nil {
		t.Fatalf("LoadFriends: %v", err)
	}
	f := friendByID(t, s, "1")
	if f.Unread != 1 || f.LastMessage != "text early" {
		t.Fatalf("expected pending unread and preview applied, got %+v", f)
	}
}

func TestLoadMessagesKeepsPushDuringFetch(t *testing.T) {
	b := &stubBackend{history: map[string][]model.Message{
		"0": {incoming("h1", "0", t0), {ID: "h2", SenderID: "me", ReceiverID: "0", Content: "mine", CreatedAt: t0.Add(time.Second)}},
	}}
	s := newLoadedStore(t, b, Options{})
	b.duringFetch = func() {
		s.OnRemoteMessage(incoming("live", "0", t0.Add(time.Hour)))
		s.OnRemoteMessage(incoming("h1", "0", t0))
	}
	if err := s.LoadMessages(context.Background(), "0"); err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	got := s.Snapshot().Messages["0"]
	if len(got) != 3 || got[0].ID != "h1" || got[1].ID != "h2" || got[2].ID != "live" {
		t.Fatalf("expected union [h1 h2 live], got %+v", got)
	}
	if !got[0].Read {
		t.Fatal("loaded incoming messages must be read")
	}
	if f := friendByID(t, s, "0"); f.Unread != 0 || f.LastMessage != "text live" {
		t.Fatalf("unexpected friend after load: %+v", f)
	}
}

func TestLoadFriendsErrorKeepsStateAndReloadKeepsVolatileFields(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{})
	s.OnRemoteMessage(incoming("x", "1", t0.Add(time.Minute)))
	s.OnTypingEvent(model.TypingStatus{UserID: "1", ChatWithUserID: "me", IsTyping: true})

	b.mu.Lock()
	b.friendsErr = errors.New("timeout")
	b.mu.Unlock()
	if err := s.LoadFriends(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(s.Snapshot().Friends) != 2 || s.Loading() {
		t.Fatal("failed load must keep prior friends and clear loading")
	}

	b.mu.Lock()
	b.friendsErr = nil
	renamed := friendRow("1", "Ann B.")
	renamed.Friend.Status = model.StatusOnline
	b.friends = []model.Friendship{renamed}
	b.mu.Unlock()
	if err := s.LoadFriends(context.Background()); err != nil {
		t.Fatalf("LoadFriends: %v", err)
	}
	f := friendByID(t, s, "1")
	if f.Name != "Ann B." || !f.Online || f.Unread != 1 || !f.Typing || f.LastMessage != "text x" {
		t.Fatalf("reload must refresh profile and keep volatile fields: %+v", f)
	}
	if len(s.Snapshot().Friends) != 2 {
		t.Fatal("friends are never removed on reload")
	}
}

func TestReloadDoesNotRollBackNewerPresence(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{})

	later := t0.Add(time.Hour)
	s.OnPresenceEvent(model.UserStatusChange{ID: "1", Status: model.StatusOnline, LastSeen: later})

	// строка из выборки снята до события: offline с прежним last_seen
	b.mu.Lock()
	stale := friendRow("1", "Ann B.")
	b.friends = []model.Friendship{friendRow("0", "Zoe"), stale}
	b.mu.Unlock()
	if err := s.LoadFriends(context.Background()); err != nil {
		t.Fatalf("LoadFriends: %v", err)
	}
	f := friendByID(t, s, "1")
	if !f.Online || !f.LastSeen.Equal(later) {
		t.Fatalf("stale row must not override newer presence, got %+v", f)
	}
	if f.Name != "Ann B." {
		t.Fatalf("profile fields must still refresh, got %q", f.Name)
	}
}

func TestTypingAndPresenceEvents(t *testing.T) {
	b := &stubBackend{}
	var changes int
	var cmu sync.Mutex
	s := newLoadedStore(t, b, Options{OnChange: func(Change) { cmu.Lock(); changes++; cmu.Unlock() }})

	s.OnTypingEvent(model.TypingStatus{UserID: "1", ChatWithUserID: "someone-else", IsTyping: true})
	if friendByID(t, s, "1").Typing {
		t.Fatal("typing for another counterpart must be ignored")
	}
	s.OnTypingEvent(model.TypingStatus{UserID: "1", ChatWithUserID: "me", IsTyping: true})
	if !friendByID(t, s, "1").Typing {
		t.Fatal("expected typing")
	}
	s.OnTypingEvent(model.TypingStatus{UserID: "1", ChatWithUserID: "me", IsTyping: false})
	if friendByID(t, s, "1").Typing {
		t.Fatal("expected typing cleared")
	}

	later := t0.Add(time.Hour)
	s.OnPresenceEvent(model.UserStatusChange{ID: "1", Status: model.StatusOnline, LastSeen: later})
	if f := friendByID(t, s, "1"); !f.Online || !f.LastSeen.Equal(later) {
		t.Fatalf("expected online with new last_seen, got %+v", f)
	}
	s.OnPresenceEvent(model.UserStatusChange{ID: "1", Status: model.StatusOffline, LastSeen: t0})
	if f := friendByID(t, s, "1"); !f.Online {
		t.Fatal("stale presence event must be ignored")
	}
	cmu.Lock()
	n := changes
	cmu.Unlock()
	s.OnPresenceEvent(model.UserStatusChange{ID: "1", Status: model.StatusOnline, LastSeen: later})
	cmu.Lock()
	defer cmu.Unlock()
	if changes != n {
		t.Fatal("identical presence event must not emit a change")
	}
}

func TestTypingTimeoutPushesFalseExactlyOnce(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{TypingTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	if err := s.StartTyping(ctx); err != nil {
		t.Fatalf("StartTyping: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	_ = s.StartTyping(ctx)
	time.Sleep(100 * time.Millisecond)

	calls := b.typingCalls()
	if len(calls) != 2 || !calls[0].on || calls[1].on || calls[1].to != "0" {
		t.Fatalf("expected [true false], got %+v", calls)
	}
	if err := s.StopTyping(ctx); err != nil {
		t.Fatalf("StopTyping: %v", err)
	}
	if len(b.typingCalls()) != 2 {
		t.Fatal("stop after timeout must not push again")
	}
}

func TestStartTypingRetriesAfterFailedPush(t *testing.T) {
	b := &stubBackend{typingFails: 1}
	s := newLoadedStore(t, b, Options{TypingTimeout: time.Second})
	ctx := context.Background()

	if err := s.StartTyping(ctx); err == nil {
		t.Fatal("expected first push to fail")
	}
	_ = s.StartTyping(ctx)
	_ = s.StartTyping(ctx)

	calls := b.typingCalls()
	if len(calls) != 1 || calls[0] != (typingCall{"0", true}) {
		t.Fatalf("expected one delivered typing-true after retry, got %+v", calls)
	}
}

func TestStopTypingCancelsTimer(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{TypingTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	_ = s.StartTyping(ctx)
	_ = s.StopTyping(ctx)
	time.Sleep(60 * time.Millisecond)
	calls := b.typingCalls()
	if len(calls) != 2 || !calls[0].on || calls[1].on {
		t.Fatalf("expected [true false], got %+v", calls)
	}
}

func TestTypingFollowsItsFriend(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{TypingTimeout: time.Second})
	ctx := context.Background()
	_ = s.StartTyping(ctx)
	_ = s.SelectFriend(ctx, "1")
	_ = s.StartTyping(ctx)
	calls := b.typingCalls()
	want := []typingCall{{"0", true}, {"0", false}, {"1", true}}
	if len(calls) != len(want) {
		t.Fatalf("expected %+v, got %+v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %+v, got %+v", want, calls)
		}
	}
}

func TestStartAndCloseManageSubscriptions(t *testing.T) {
	b := &stubBackend{}
	s := newLoadedStore(t, b, Options{TypingTimeout: time.Second})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if b.onMessage == nil || b.onTyping == nil || b.onPresence == nil {
		t.Fatal("expected three subscriptions")
	}
	b.onMessage(incoming("via-feed", "1", t0.Add(time.Minute)))
	if friendByID(t, s, "1").Unread != 1 {
		t.Fatal("feed message not applied")
	}

	_ = s.StartTyping(context.Background())
	s.Close()
	s.Close()
	if b.unsubscribe != 3 {
		t.Fatalf("expected 3 unsubscribes, got %d", b.unsubscribe)
	}
	calls := b.typingCalls()
	if last := calls[len(calls)-1]; last.on {
		t.Fatal("close must stop typing")
	}
	b.onMessage(incoming("after-close", "1", t0.Add(2*time.Minute)))
	if friendByID(t, s, "1").Unread != 1 {
		t.Fatal("events after close must be ignored")
	}
}

func TestConcurrentSelectAndRemoteMessageSelectionWins(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := &stubBackend{}
		s := newLoadedStore(t, b, Options{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.SelectFriend(context.Background(), "1")
		}()
		go func() {
			defer wg.Done()
			s.OnRemoteMessage(incoming("race", "1", t0.Add(time.Minute)))
		}()
		wg.Wait()
		if f := friendByID(t, s, "1"); f.Unread != 0 {
			t.Fatalf("iteration %d: active friend unread must be 0, got %d", i, f.Unread)
		}
	}
}
