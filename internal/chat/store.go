// Package chat держит состояние бесед одного пользователя: список друзей, ленты сообщений,
// активная беседа, набор текста и присутствие. Все изменения сериализуются одним мьютексом,
// удалённые вызовы выполняются вне блокировки, OnChange и Notifier вызываются после разблокировки.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
)

var ErrUnknownFriend = errors.New("unknown friend")

// Backend: часть backend.Client, нужная хранилищу.
type Backend interface {
	GetFriends(ctx context.Context, userID string) ([]model.Friendship, error)
	GetMessages(ctx context.Context, userID, friendID string) ([]model.Message, error)
	SendMessage(ctx context.Context, senderID, receiverID, content string) (*model.Message, error)
	MarkMessagesAsRead(ctx context.Context, userID, friendID string) error
	SetTypingStatus(ctx context.Context, userID, chatWithUserID string, isTyping bool) error
	SubscribeToMessages(ctx context.Context, userID string, handler func(model.Message)) (func(), error)
	SubscribeToTypingStatus(ctx context.Context, userID string, handler func(model.TypingStatus)) (func(), error)
	SubscribeToUserStatus(ctx context.Context, handler func(model.UserStatusChange)) (func(), error)
}

// Notifier получает сообщения от неактивных друзей.
type Notifier interface {
	NotifyMessage(from Friend, msg model.Message)
}

type ChangeKind string

const (
	ChangeFriends  ChangeKind = "friends"
	ChangeActive   ChangeKind = "active"
	ChangeMessages ChangeKind = "messages"
	ChangeTyping   ChangeKind = "typing"
	ChangePresence ChangeKind = "presence"
	ChangeLoading  ChangeKind = "loading"
)

type Change struct {
	Kind     ChangeKind
	FriendID string
}

const (
	DefaultTypingTimeout = 3 * time.Second
	DefaultCallTimeout   = 5 * time.Second
)

type Options struct {
	OnChange      func(Change)
	Notifier      Notifier
	TypingTimeout time.Duration
	// CallTimeout ограничивает каждый удалённый вызов; <=0: без ограничения.
	CallTimeout time.Duration
}

type Store struct {
	backend Backend
	userID  string
	opts    Options

	// base: контекст жизни хранилища для вызовов из обработчиков подписок и таймера.
	base   context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	order         []string
	friends       map[string]*Friend
	messages      map[string][]model.Message
	pendingUnread map[string]int
	active        string
	loading       bool
	closed        bool
	unsubscribe   []func()

	typingFor   string
	typingOn    bool
	typingGen   uint64
	typingTimer *time.Timer
}

func NewStore(backend Backend, userID string, opts Options) *Store {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Store{
		backend:       backend,
		userID:        userID,
		opts:          opts,
		base:          base,
		cancel:        cancel,
		friends:       make(map[string]*Friend),
		messages:      make(map[string][]model.Message),
		pendingUnread: make(map[string]int),
	}
}

func (s *Store) UserID() string { return s.userID }

func (s *Store) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Store) emit(changes ...Change) {
	if s.opts.OnChange == nil {
		return
	}
	for _, c := range changes {
		s.opts.OnChange(c)
	}
}

// Start подписывается на три канала изменений. При ошибке уже созданные подписки снимаются.
func (s *Store) Start(ctx context.Context) error {
	subs := make([]func(), 0, 3)
	rollback := func() {
		for _, u := range subs {
			u()
		}
	}
	u, err := s.backend.SubscribeToMessages(ctx, s.userID, s.OnRemoteMessage)
	if err != nil {
		return err
	}
	subs = append(subs, u)
	u, err = s.backend.SubscribeToTypingStatus(ctx, s.userID, s.OnTypingEvent)
	if err != nil {
		rollback()
		return err
	}
	subs = append(subs, u)
	u, err = s.backend.SubscribeToUserStatus(ctx, s.OnPresenceEvent)
	if err != nil {
		rollback()
		return err
	}
	subs = append(subs, u)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rollback()
		return nil
	}
	s.unsubscribe = append(s.unsubscribe, subs...)
	s.mu.Unlock()
	return nil
}

// Close снимает подписки, останавливает таймер набора и гасит индикатор, если он включён.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.unsubscribe
	s.unsubscribe = nil
	to, wasTyping := s.typingFor, s.typingOn
	s.resetTypingLocked()
	s.mu.Unlock()

	for _, u := range subs {
		u()
	}
	if wasTyping {
		s.pushTyping(s.base, to, false)
	}
	s.cancel()
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Snapshot возвращает глубокую копию: друзья в порядке загрузки, активный id, ленты, флаг загрузки.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		UserID:   s.userID,
		Friends:  make([]Friend, 0, len(s.order)),
		ActiveID: s.active,
		Messages: make(map[string][]model.Message, len(s.messages)),
		Loading:  s.loading,
	}
	for _, id := range s.order {
		snap.Friends = append(snap.Friends, *s.friends[id])
	}
	for id, list := range s.messages {
		snap.Messages[id] = append([]model.Message(nil), list...)
	}
	return snap
}

// SelectFriend делает друга активным, обнуляет его непрочитанные и отправляет отметку о прочтении.
func (s *Store) SelectFriend(ctx context.Context, friendID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	f, ok := s.friends[friendID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownFriend
	}
	s.active = friendID
	f.Unread = 0
	markIncomingRead(s.messages[friendID], friendID)
	stopFor := ""
	if s.typingOn && s.typingFor != friendID {
		stopFor = s.typingFor
		s.resetTypingLocked()
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeActive, FriendID: friendID})
	if stopFor != "" {
		s.pushTyping(ctx, stopFor, false)
	}
	s.markRead(ctx, friendID)
	return nil
}

// LoadFriends загружает принятых друзей. При ошибке прежнее состояние сохраняется.
// Если активной беседы нет, выбирается первый друг.
func (s *Store) LoadFriends(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeLoading})

	cctx, cancel := s.call(ctx)
	rows, err := s.backend.GetFriends(cctx, s.userID)
	cancel()

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		logger.Errorf("chat: load friends for %s: %v", s.userID, err)
		s.emit(Change{Kind: ChangeLoading})
		return err
	}
	order := make([]string, 0, len(rows)+len(s.order))
	inResult := make(map[string]bool, len(rows))
	for _, r := range rows {
		id := r.Friend.ID
		if id == "" || inResult[id] {
			continue
		}
		inResult[id] = true
		order = append(order, id)
		if f, ok := s.friends[id]; ok {
			f.applyProfile(r.Friend)
			continue
		}
		f := friendFromProfile(r.Friend)
		if list := s.messages[id]; len(list) > 0 {
			f.applyPreview(&list[len(list)-1])
		}
		f.Unread = s.pendingUnread[id]
		delete(s.pendingUnread, id)
		s.friends[id] = f
	}
	// друзья не удаляются на клиенте
	for _, id := range s.order {
		if !inResult[id] {
			order = append(order, id)
		}
	}
	s.order = order
	autoSelect := ""
	if s.active == "" && len(order) > 0 {
		autoSelect = order[0]
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeLoading}, Change{Kind: ChangeFriends})
	if autoSelect != "" {
		if err := s.SelectFriend(ctx, autoSelect); err != nil {
			logger.Errorf("chat: auto-select %s: %v", autoSelect, err)
		}
	}
	return nil
}

// LoadMessages загружает всю переписку с другом. Сообщения, пришедшие во время запроса
// и отсутствующие в ответе, сохраняются. После загрузки переписка отмечается прочитанной.
func (s *Store) LoadMessages(ctx context.Context, friendID string) error {
	cctx, cancel := s.call(ctx)
	rows, err := s.backend.GetMessages(cctx, s.userID, friendID)
	cancel()
	if err != nil {
		logger.Errorf("chat: load messages %s<->%s: %v", s.userID, friendID, err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	list := mergeMessages(rows, s.messages[friendID])
	markIncomingRead(list, friendID)
	s.messages[friendID] = list
	if f, ok := s.friends[friendID]; ok {
		f.Unread = 0
		if len(list) > 0 {
			f.applyPreview(&list[len(list)-1])
		}
	} else {
		delete(s.pendingUnread, friendID)
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeMessages, FriendID: friendID})
	s.markRead(ctx, friendID)
	return nil
}

// SendMessage отправляет текст активному другу. Пустой текст или отсутствие активной беседы: no-op.
// Индикатор набора гасится в любом случае.
func (s *Store) SendMessage(ctx context.Context, text string) (*model.Message, error) {
	content := strings.TrimSpace(text)
	s.mu.Lock()
	to := s.active
	s.mu.Unlock()
	if to == "" || content == "" {
		return nil, nil
	}
	defer s.forceStopTyping(ctx, to)

	cctx, cancel := s.call(ctx)
	msg, err := s.backend.SendMessage(cctx, s.userID, to, content)
	cancel()
	if err != nil {
		logger.Errorf("chat: send %s->%s: %v", s.userID, to, err)
		return nil, err
	}

	s.mu.Lock()
	list, inserted := insertMessage(s.messages[to], *msg)
	s.messages[to] = list
	if f, ok := s.friends[to]; ok && inserted {
		f.applyPreview(msg)
	}
	s.mu.Unlock()

	if inserted {
		s.emit(Change{Kind: ChangeMessages, FriendID: to}, Change{Kind: ChangeFriends, FriendID: to})
	}
	return msg, nil
}

// OnRemoteMessage применяет входящее сообщение. Повторная доставка ничего не меняет.
func (s *Store) OnRemoteMessage(msg model.Message) {
	if msg.ReceiverID != s.userID || msg.SenderID == "" {
		return
	}
	from := msg.SenderID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	isActive := from == s.active
	if isActive {
		msg.Read = true
	}
	list, inserted := insertMessage(s.messages[from], msg)
	if !inserted {
		s.mu.Unlock()
		return
	}
	s.messages[from] = list
	f, known := s.friends[from]
	var notifyFrom *Friend
	if !known {
		if !isActive {
			s.pendingUnread[from]++
		}
	} else {
		f.applyPreview(&msg)
		if !isActive {
			f.Unread++
			cp := *f
			notifyFrom = &cp
		}
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeMessages, FriendID: from}, Change{Kind: ChangeFriends, FriendID: from})
	if notifyFrom != nil && s.opts.Notifier != nil {
		s.opts.Notifier.NotifyMessage(*notifyFrom, msg)
	}
	if isActive {
		s.markRead(s.base, from)
	}
}

// OnTypingEvent выставляет флаг набора у друга (побеждает последняя запись).
func (s *Store) OnTypingEvent(ev model.TypingStatus) {
	if ev.ChatWithUserID != s.userID {
		return
	}
	s.mu.Lock()
	f, ok := s.friends[ev.UserID]
	if !ok || s.closed || f.Typing == ev.IsTyping {
		s.mu.Unlock()
		return
	}
	f.Typing = ev.IsTyping
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeTyping, FriendID: ev.UserID})
}

// OnPresenceEvent обновляет online и last_seen (побеждает последняя запись; устаревшие события отбрасываются).
func (s *Store) OnPresenceEvent(ev model.UserStatusChange) {
	if !ev.Status.Valid() {
		return
	}
	online := ev.Status == model.StatusOnline
	s.mu.Lock()
	f, ok := s.friends[ev.ID]
	if !ok || s.closed || (!ev.LastSeen.IsZero() && ev.LastSeen.Before(f.LastSeen)) {
		s.mu.Unlock()
		return
	}
	if f.Online == online && (ev.LastSeen.IsZero() || f.LastSeen.Equal(ev.LastSeen)) {
		s.mu.Unlock()
		return
	}
	f.Online = online
	if !ev.LastSeen.IsZero() {
		f.LastSeen = ev.LastSeen
	}
	s.mu.Unlock()
	s.emit(Change{Kind: ChangePresence, FriendID: ev.ID})
}

// StartTyping включает индикатор для активного друга и перезапускает таймер бездействия.
// typing-true отправляется только при включении; по истечении таймера один раз уходит typing-false.
func (s *Store) StartTyping(ctx context.Context) error {
	s.mu.Lock()
	to := s.active
	if to == "" || s.closed {
		s.mu.Unlock()
		return nil
	}
	stopFor := ""
	if s.typingOn && s.typingFor != to {
		stopFor = s.typingFor
	}
	alreadyOn := s.typingOn && s.typingFor == to
	s.resetTypingLocked()
	s.typingOn = true
	s.typingFor = to
	gen := s.typingGen
	s.typingTimer = time.AfterFunc(s.opts.TypingTimeout, func() { s.typingExpired(gen) })
	s.mu.Unlock()

	if stopFor != "" {
		s.pushTyping(ctx, stopFor, false)
	}
	if alreadyOn {
		return nil
	}
	if err := s.pushTyping(ctx, to, true); err != nil {
		// индикатор не дошёл: следующее нажатие отправит его заново
		s.mu.Lock()
		if gen == s.typingGen {
			s.resetTypingLocked()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// StopTyping гасит индикатор, только если он включён.
func (s *Store) StopTyping(ctx context.Context) error {
	s.mu.Lock()
	if !s.typingOn {
		s.mu.Unlock()
		return nil
	}
	to := s.typingFor
	s.resetTypingLocked()
	s.mu.Unlock()
	return s.pushTyping(ctx, to, false)
}

// forceStopTyping: после отправки сообщения получателю to всегда уходит typing-false.
func (s *Store) forceStopTyping(ctx context.Context, to string) {
	s.mu.Lock()
	other := ""
	if s.typingOn && s.typingFor != to {
		other = s.typingFor
	}
	s.resetTypingLocked()
	s.mu.Unlock()
	if other != "" {
		s.pushTyping(ctx, other, false)
	}
	s.pushTyping(ctx, to, false)
}

func (s *Store) typingExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.typingGen || !s.typingOn {
		s.mu.Unlock()
		return
	}
	to := s.typingFor
	s.typingOn = false
	s.typingFor = ""
	s.typingTimer = nil
	s.mu.Unlock()
	s.pushTyping(s.base, to, false)
}

// resetTypingLocked выключает индикатор и делает устаревшими запущенные таймеры; вызывать под mu.
func (s *Store) resetTypingLocked() {
	s.typingGen++
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingOn = false
	s.typingFor = ""
}

func (s *Store) pushTyping(ctx context.Context, to string, on bool) error {
	cctx, cancel := s.call(ctx)
	defer cancel()
	if err := s.backend.SetTypingStatus(cctx, s.userID, to, on); err != nil {
		logger.Errorf("chat: typing=%v %s->%s: %v", on, s.userID, to, err)
		return err
	}
	return nil
}

func (s *Store) markRead(ctx context.Context, friendID string) {
	cctx, cancel := s.call(ctx)
	defer cancel()
	if err := s.backend.MarkMessagesAsRead(cctx, s.userID, friendID); err != nil {
		logger.Errorf("chat: mark read %s<-%s: %v", s.userID, friendID, err)
	}
}
