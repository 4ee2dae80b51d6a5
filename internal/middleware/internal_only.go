package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// InternalSecretHeader несёт общий секрет api и push-сервиса.
const InternalSecretHeader = "X-Internal-Secret"

// InternalOnly закрывает push-сервис от внешней сети: /api/subscribe и /api/notify
// позволяют подписать чужой браузер и слать пуши от имени чата, поэтому их зовёт только api.
// Пропускается запрос с loopback или приватного адреса либо с верным секретом в заголовке.
// Пустой secret отключает проверку заголовка.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(InternalSecretHeader)), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if isPrivateIP(callerIP(r)) {
				next.ServeHTTP(w, r)
				return
			}
			writeForbidden(w)
		})
	}
}

// callerIP: первый адрес из X-Real-Ip / X-Forwarded-For, иначе хост RemoteAddr.
func callerIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip == "" {
		ip, _, _ = strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
	}
	if ip = strings.TrimSpace(ip); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func writeForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"forbidden"}`))
}
