package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/friendchat/internal/logger"
	"github.com/friendchat/internal/model"
)

// SessionResolver проверяет токен сессии (backend.Client.GetSession).
type SessionResolver interface {
	GetSession(ctx context.Context, token string) (*model.AuthSession, error)
}

// TokenFromRequest берёт токен из Authorization: Bearer или из ?token= (WebSocket и sendBeacon не умеют заголовки).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// RequireToken пропускает запрос только с действующей сессией и кладёт user_id и токен в контекст.
func RequireToken(sessions SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			sess, err := sessions.GetSession(r.Context(), token)
			if err != nil || sess == nil {
				logger.Debugf("token rejected token=%s: %v", MaskToken(token), err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, sess.User.ID)
			ctx = context.WithValue(ctx, TokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
