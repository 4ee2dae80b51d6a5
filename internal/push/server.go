package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/middleware"
	"github.com/friendchat/internal/storage"
)

// SendFunc отправляет одно Web Push сообщение; в проде это webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Server содержит обработчики микросервиса пуш-уведомлений: подписки и отправка.
type Server struct {
	store storage.PushSubscriptionStore
	vapid *webpush.Options
	send  SendFunc
}

// NewServer создаёт сервер. vapid == nil: подписки сохраняются, отправка не выполняется.
func NewServer(store storage.PushSubscriptionStore, vapid *webpush.Options, send SendFunc) *Server {
	if send == nil {
		send = webpush.SendNotificationWithContext
	}
	return &Server{store: store, vapid: vapid, send: send}
}

// VAPIDOptions собирает параметры отправки; пустые ключи: пуши отключены.
func VAPIDOptions(keys *VAPIDKeys, subscriber string) *webpush.Options {
	if !keys.complete() {
		return nil
	}
	return &webpush.Options{
		Subscriber:      subscriber,
		VAPIDPublicKey:  keys.PublicKey,
		VAPIDPrivateKey: keys.PrivateKey,
		TTL:             30,
	}
}

// Routes монтирует /api/subscribe и /api/notify.
func (s *Server) Routes(r chi.Router) {
	r.Get("/api/vapid-public", s.handleVAPIDPublic)
	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.handleSubscribe)
		r.Delete("/subscribe", s.handleUnsubscribe)
		r.Post("/notify", s.handleNotify)
	})
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if s.vapid == nil {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.vapid.VAPIDPublicKey))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || !req.Subscription.Valid() {
		http.Error(w, "user_id and subscription (endpoint, keys.p256dh, keys.auth) required", http.StatusBadRequest)
		return
	}
	if err := s.store.AddSubscription(r.Context(), req.UserID, req.Subscription); err != nil {
		logger.Errorf("push subscribe user=%s: %v", req.UserID, err)
		http.Error(w, "failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Endpoint == "" {
		http.Error(w, "user_id and endpoint required", http.StatusBadRequest)
		return
	}
	if err := s.store.RemoveSubscription(r.Context(), req.UserID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", req.UserID, err)
		http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	subs, err := s.store.ListSubscriptions(ctx, req.UserID)
	if err != nil {
		logger.Errorf("push notify list user=%s: %v", req.UserID, err)
		http.Error(w, "failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	if s.vapid != nil {
		s.deliver(ctx, req, subs)
	}
	w.WriteHeader(http.StatusNoContent)
}

// deliver рассылает уведомление; подписки, отвергнутые сервисом браузера (404/410), удаляются.
func (s *Server) deliver(ctx context.Context, req NotifyRequest, subs []storage.PushSubscription) {
	payload, err := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
	if err != nil {
		logger.Errorf("push payload: %v", err)
		return
	}
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := s.send(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", middleware.MaskEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := s.store.RemoveSubscription(ctx, req.UserID, sub.Endpoint); err != nil {
				logger.Errorf("push drop stale subscription user=%s: %v", req.UserID, err)
			}
		}
	}
}
