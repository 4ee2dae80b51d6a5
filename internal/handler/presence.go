package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/middleware"
	"github.com/friendchat/internal/model"
)

// Unloader совпадает с hub.UnloadUser. Живые соединения пользователя сами отправляют offline в фоне.
type Unloader interface {
	UnloadUser(userID string) int
}

const beaconTimeout = 5 * time.Second

// PresenceHandler принимает маяк закрытия страницы (navigator.sendBeacon).
type PresenceHandler struct {
	backend AuthBackend
	hub     Unloader
}

func NewPresenceHandler(b AuthBackend, hub Unloader) *PresenceHandler {
	return &PresenceHandler{backend: b, hub: hub}
}

// Offline отвечает 202 сразу; offline отправляется в фоне и ответа не ждёт.
func (h *PresenceHandler) Offline(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromRequest(r)
	w.WriteHeader(http.StatusAccepted)
	if token == "" {
		return
	}
	go h.pushOffline(token)
}

func (h *PresenceHandler) pushOffline(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
	defer cancel()
	sess, err := h.backend.GetSession(ctx, token)
	if err != nil {
		logger.Debugf("presence beacon token=%s: %v", middleware.MaskToken(token), err)
		return
	}
	if h.hub != nil && h.hub.UnloadUser(sess.User.ID) > 0 {
		return
	}
	if err := h.backend.UpdateUserStatus(ctx, sess.User.ID, model.StatusOffline); err != nil {
		logger.Errorf("presence beacon offline user=%s: %v", sess.User.ID, err)
	}
}
