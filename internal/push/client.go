package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/middleware"
	"github.com/friendchat/internal/storage"
)

// Client вызывает микросервис пуш-уведомлений. Если URL пустой, методы ничего не делают.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient создаёт клиент. baseURL пустой: пуши отключены.
// secret уходит в X-Internal-Secret, если push-сервис стоит не в приватной сети.
func NewClient(baseURL, secret string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SubscribeRequest: тело запроса подписки.
type SubscribeRequest struct {
	UserID       string                   `json:"user_id"`
	Subscription storage.PushSubscription `json:"subscription"`
}

// UnsubscribeRequest: тело запроса отписки.
type UnsubscribeRequest struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

// NotifyRequest: запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Enabled сообщает, задан ли адрес push-сервиса.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Subscribe сохраняет подписку браузера для userID.
func (c *Client) Subscribe(ctx context.Context, userID string, sub storage.PushSubscription) error {
	return c.call(ctx, http.MethodPost, "/api/subscribe", SubscribeRequest{UserID: userID, Subscription: sub})
}

// Unsubscribe удаляет подписку по endpoint.
func (c *Client) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return c.call(ctx, http.MethodDelete, "/api/subscribe", UnsubscribeRequest{UserID: userID, Endpoint: endpoint})
}

// Notify отправляет пуш пользователю без открытого соединения. Ошибки только логируются.
func (c *Client) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if err := c.call(ctx, http.MethodPost, "/api/notify", NotifyRequest{UserID: userID, Title: title, Body: body, Data: data}); err != nil {
		logger.Errorf("push notify user=%s: %v", userID, err)
	}
}

// call ждёт 204 от push-сервиса.
func (c *Client) call(ctx context.Context, method, path string, payload any) error {
	if c.baseURL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(middleware.InternalSecretHeader, c.secret)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push %s %s: %d", method, path, resp.StatusCode)
	}
	return nil
}
