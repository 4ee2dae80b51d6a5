package middleware

import (
	"net/url"
	"strings"
)

// MaskToken оставляет в логе только хвост подписи JWT: по нему сессию можно найти, но не подделать.
// Строка не в формате JWT маскируется целиком, кроме последних 4 символов.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '.'); i >= 0 && strings.Count(s, ".") == 2 {
		s = s[i+1:]
	}
	if len(s) <= 8 {
		return "****"
	}
	return "***" + s[len(s)-4:]
}

// MaskEndpoint сокращает endpoint push-подписки до хоста: путь в нём служит адресом браузера.
func MaskEndpoint(endpoint string) string {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return "****"
	}
	return u.Scheme + "://" + u.Host + "/***"
}
