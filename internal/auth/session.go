// Package auth держит состояние входа одного клиента и переводит присутствие
// online/offline при переходах между состояниями.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
)

type State int

const (
	StateLoading State = iota
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Backend: часть backend.Client, нужная сессии.
type Backend interface {
	SignUp(ctx context.Context, email, password, name string) (*model.AuthSession, error)
	SignIn(ctx context.Context, email, password string) (*model.AuthSession, error)
	SignOut(ctx context.Context, token string) error
	GetSession(ctx context.Context, token string) (*model.AuthSession, error)
	UpdateUserStatus(ctx context.Context, userID string, status model.UserStatus) error
}

const defaultOfflineTimeout = 3 * time.Second

type Option func(*Session)

// WithOfflineTimeout ограничивает время фоновой отправки offline при Unload/Close.
func WithOfflineTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.offlineTimeout = d
		}
	}
}

// Session: держатель состояния входа. Безопасен для конкурентного использования.
type Session struct {
	backend        Backend
	offlineTimeout time.Duration

	mu        sync.Mutex
	state     State
	current   *model.AuthSession
	offlineOK bool // offline для текущего входа уже отправлен (или отправляется)
	closed    bool
	observers []func(State)

	background sync.WaitGroup
}

func NewSession(backend Backend, opts ...Option) *Session {
	s := &Session{backend: backend, offlineTimeout: defaultOfflineTimeout, state: StateLoading}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnChange регистрирует наблюдателя; вызывается вне блокировки после каждого перехода.
func (s *Session) OnChange(fn func(State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current возвращает копию текущей сессии или nil.
func (s *Session) Current() *model.AuthSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// UserID: id вошедшего пользователя или "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.User.ID
}

// Restore разрешает сохранённый токен. Пустой или недействительный токен даёт anonymous.
func (s *Session) Restore(ctx context.Context, token string) error {
	if token == "" {
		s.becomeAnonymous()
		return nil
	}
	sess, err := s.backend.GetSession(ctx, token)
	if err != nil {
		s.becomeAnonymous()
		return err
	}
	s.becomeAuthenticated(ctx, sess)
	return nil
}

// SignIn: ошибка входа возвращается вызывающему, состояние не меняется.
func (s *Session) SignIn(ctx context.Context, email, password string) error {
	sess, err := s.backend.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	s.becomeAuthenticated(ctx, sess)
	return nil
}

func (s *Session) SignUp(ctx context.Context, email, password, name string) error {
	sess, err := s.backend.SignUp(ctx, email, password, name)
	if err != nil {
		return err
	}
	s.becomeAuthenticated(ctx, sess)
	return nil
}

// SignOut отправляет offline (дожидаясь ответа), затем отзывает сессию.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateAuthenticated || s.current == nil {
		s.mu.Unlock()
		return nil
	}
	token := s.current.Token
	userID := s.current.User.ID
	pushOffline := !s.offlineOK
	s.offlineOK = true
	s.mu.Unlock()

	if pushOffline {
		s.pushStatus(ctx, userID, model.StatusOffline)
	}
	err := s.backend.SignOut(ctx, token)
	if err != nil {
		logger.Errorf("auth: sign out %s: %v", userID, err)
	}
	s.becomeAnonymous()
	return err
}

// Unload вызывается при уходе со страницы. offline отправляется в фоне на отдельном контексте, вызов не блокируется.
func (s *Session) Unload() {
	userID, ok := s.claimOffline()
	if !ok {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.offlineTimeout)
		defer cancel()
		s.pushStatus(ctx, userID, model.StatusOffline)
	}()
}

// Close разбирает компонент и шлёт offline, если вход ещё активен. Повторный вызов ничего не делает.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if userID, ok := s.claimOffline(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), s.offlineTimeout)
		s.pushStatus(ctx, userID, model.StatusOffline)
		cancel()
	}
	s.background.Wait()
}

// Detach завершает держатель без отправки offline: присутствием пользователя
// продолжают владеть другие его соединения.
func (s *Session) Detach() {
	s.mu.Lock()
	s.closed = true
	s.offlineOK = true
	s.mu.Unlock()
	s.background.Wait()
}

// Wait дожидается фоновых отправок статуса.
func (s *Session) Wait() {
	s.background.Wait()
}

func (s *Session) claimOffline() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated || s.current == nil || s.offlineOK {
		return "", false
	}
	s.offlineOK = true
	return s.current.User.ID, true
}

func (s *Session) becomeAuthenticated(ctx context.Context, sess *model.AuthSession) {
	s.mu.Lock()
	prev := s.current
	prevOnline := s.state == StateAuthenticated && !s.offlineOK
	s.current = sess
	s.state = StateAuthenticated
	s.offlineOK = false
	s.mu.Unlock()

	if prev != nil && prevOnline && prev.User.ID != sess.User.ID {
		s.pushStatus(ctx, prev.User.ID, model.StatusOffline)
	}
	s.pushStatus(ctx, sess.User.ID, model.StatusOnline)
	s.notify(StateAuthenticated)
}

func (s *Session) becomeAnonymous() {
	s.mu.Lock()
	s.current = nil
	s.state = StateAnonymous
	s.offlineOK = false
	s.mu.Unlock()
	s.notify(StateAnonymous)
}

func (s *Session) pushStatus(ctx context.Context, userID string, status model.UserStatus) {
	if err := s.backend.UpdateUserStatus(ctx, userID, status); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Errorf("auth: status %s for %s timed out", status, userID)
			return
		}
		logger.Errorf("auth: status %s for %s: %v", status, userID, err)
	}
}

func (s *Session) notify(state State) {
	s.mu.Lock()
	obs := append([]func(State){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(state)
	}
}
