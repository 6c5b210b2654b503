package monitor

import (
	"fmt"
	"time"
)

// FormatRate formats the tests finished in one interval as "X.X tests/s".
func FormatRate(perInterval float64, interval time.Duration) string {
	if interval <= 0 {
		return "0.0 tests/s"
	}
	return fmt.Sprintf("%.1f tests/s", perInterval/interval.Seconds())
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats d as "Xh Ym", "Xm Ys" or "Xs".
func FormatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
