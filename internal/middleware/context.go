package middleware

import "context"

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	TokenKey  contextKey = "token"
)

// GetUserID возвращает user_id из контекста (устанавливается RequireToken).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetToken возвращает токен сессии, с которым пришёл запрос.
func GetToken(ctx context.Context) string {
	v, _ := ctx.Value(TokenKey).(string)
	return v
}
