package tui

import (
	"fmt"
	"time"
)

var byteUnits = []struct {
	suffix string
	value  float64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
}

// FormatRate renders a bytes-per-second value using human readable units.
func FormatRate(bps float64) string {
	if bps < 0 {
		bps = 0
	}
	for _, unit := range byteUnits {
		if bps >= unit.value {
			return fmt.Sprintf("%.2f %s/s", bps/unit.value, unit.suffix)
		}
	}
	return fmt.Sprintf("%.2f B/s", bps)
}

// FormatBytes renders a byte total using human readable units. Negative
// totals (a credit balance driven below zero) keep their sign.
func FormatBytes(bytes int64) string {
	sign := ""
	if bytes < 0 {
		sign = "-"
		bytes = -bytes
	}
	value := float64(bytes)
	for _, unit := range byteUnits {
		if value >= unit.value {
			return fmt.Sprintf("%s%.2f %s", sign, value/unit.value, unit.suffix)
		}
	}
	return fmt.Sprintf("%s%d B", sign, bytes)
}

// FormatMbps renders a bits-per-second figure in megabits, the unit the
// bandwidth summary line uses.
func FormatMbps(bps float64) string {
	if bps <= 0 {
		return "0.00 Mbps"
	}
	return fmt.Sprintf("%0.2f Mbps", bps/1_000_000)
}

// FormatDuration renders durations with millisecond or second precision.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
