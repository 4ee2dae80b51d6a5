package handler

import (
	"net/http"

	"github.com/friendchat/internal/config"
)

// ConfigHandler отдаёт публичные параметры конфигурации для браузера.
type ConfigHandler struct {
	cfg *config.Config
}

// NewConfigHandler создаёт обработчик конфигурации.
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type clientConfig struct {
	TypingTimeoutMs int64        `json:"typing_timeout_ms"`
	Notifications   notifyConfig `json:"notifications"`
	Push            pushConfig   `json:"push"`
}

type notifyConfig struct {
	MaxVisible int   `json:"max_visible"`
	AutoHideMs int64 `json:"auto_hide_ms"`
}

type pushConfig struct {
	Enabled        bool   `json:"enabled"`
	VAPIDPublicKey string `json:"vapid_public_key,omitempty"`
}

// GetClientConfig возвращает таймаут набора, настройки уведомлений и VAPID-ключ (без авторизации).
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	resp := clientConfig{
		TypingTimeoutMs: h.cfg.Chat.TypingTimeout.Milliseconds(),
		Notifications: notifyConfig{
			MaxVisible: h.cfg.Notifications.MaxVisible,
			AutoHideMs: h.cfg.Notifications.AutoHide.Milliseconds(),
		},
	}
	if h.cfg.PushServiceURL != "" && h.cfg.PushVAPIDPublicKey != "" {
		resp.Push = pushConfig{Enabled: true, VAPIDPublicKey: h.cfg.PushVAPIDPublicKey}
	}
	writeJSON(w, http.StatusOK, resp)
}
