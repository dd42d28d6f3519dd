package memory

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatAge renders a duration as "just now", "5 minutes ago", "1 day ago"
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return unit(int(d.Minutes()), "minute") + " ago"
	case d < 24*time.Hour:
		return unit(int(d.Hours()), "hour") + " ago"
	default:
		return unit(int(d.Hours()/24), "day") + " ago"
	}
}

func unit(n int, name string) string {
	if n == 1 {
		return "1 " + name
	}
	return strconv.Itoa(n) + " " + name + "s"
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return trimFloat(float64(b)/gb) + " GB"
	case b >= mb:
		return trimFloat(float64(b)/mb) + " MB"
	case b >= kb:
		return trimFloat(float64(b)/kb) + " KB"
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func trimFloat(v float64) string {
	return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0")
}
