package middleware

import (
	"net/http"
	"time"

	"github.com/friendchat/internal/logger"
)

// RequestLog пишет метод, путь, статус и длительность. Медленные запросы и 5xx видны на уровне info,
// остальное только в debug. Query не логируется: в нём бывает токен (?token=).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrap(w)
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		switch {
		case sw.status >= http.StatusInternalServerError:
			logger.Errorf("http %s %s status=%d duration_ms=%d", r.Method, r.URL.Path, sw.status, elapsed.Milliseconds())
		default:
			logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
		}
	})
}
