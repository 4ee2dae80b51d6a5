package notify

import (
	"fmt"
	"time"
)

// RelativeTime форматирует момент t относительно now: "Just now", "N minutes ago", "N hours ago"
// или дату для всего, что старше суток.
func RelativeTime(now, t time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "Just now"
	case diff < time.Hour:
		return plural(int(diff/time.Minute), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff/time.Hour), "hour")
	default:
		return t.Format("02.01.2006")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
