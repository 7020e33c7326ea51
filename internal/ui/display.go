package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ari/cascade-usage/internal/tracker"
)

// ANSI color codes
const (
	ColorReset   = "\033[0m"
	ColorRed     = "\033[31m"
	ColorGreen   = "\033[32m"
	ColorYellow  = "\033[33m"
	ColorBlue    = "\033[34m"
	ColorMagenta = "\033[35m"
	ColorCyan    = "\033[36m"
	ColorBold    = "\033[1m"
)

const barWidth = 20

// QuotaBar renders a fixed-width bar for the remaining fraction, colored
// green/yellow/red by how much is left.
func QuotaBar(fraction float64) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction*barWidth + 0.5)
	color := ColorGreen
	switch {
	case fraction < 0.1:
		color = ColorRed
	case fraction < 0.3:
		color = ColorYellow
	}
	return fmt.Sprintf("%s%s%s%s", color,
		strings.Repeat("█", filled),
		strings.Repeat("░", barWidth-filled),
		ColorReset)
}

// FormatPercent formats a fraction as a percentage string.
func FormatPercent(fraction float64) string {
	return fmt.Sprintf("%.1f%%", fraction*100)
}

// FormatReset formats a reset timestamp as a relative time ("2 hours from
// now"), or "-" for unbounded models.
func FormatReset(resetAt *time.Time) string {
	if resetAt == nil {
		return "-"
	}
	return humanize.Time(*resetAt)
}

// DisplayStatus displays the current per-model quota state and the rolling
// weekly consumption total.
func DisplayStatus(plan string, snapshots []tracker.QuotaSnapshot, windowTotal float64, degraded bool) {
	fmt.Printf("\n%sCascade Quota Status%s\n", ColorBold, ColorReset)
	fmt.Println(strings.Repeat("=", 60))

	if plan != "" {
		fmt.Printf("\n  Plan: %s%s%s\n", ColorCyan, plan, ColorReset)
	}

	fmt.Printf("\n%s%sModels%s\n", ColorBold, ColorBlue, ColorReset)
	if len(snapshots) > 0 {
		for _, s := range snapshots {
			fmt.Printf("  %-24s %s %6s  resets %s\n",
				s.Label,
				QuotaBar(s.RemainingFraction),
				FormatPercent(s.RemainingFraction),
				FormatReset(s.ResetAt))
		}
	} else {
		fmt.Printf("  %sNo quota-tracked models reported%s\n", ColorYellow, ColorReset)
	}

	fmt.Printf("\n%s%sEstimated Consumption (7 days)%s\n", ColorBold, ColorMagenta, ColorReset)
	fmt.Printf("  %s of quota consumed\n", FormatPercent(windowTotal))
	if degraded {
		fmt.Printf("  %sThis cycle's usage could not be saved; total shown is the last known value%s\n",
			ColorYellow, ColorReset)
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
}

// DisplayHistory displays the persisted usage history entries, oldest first.
func DisplayHistory(entries []tracker.HistoryEntry, windowTotal float64) {
	fmt.Printf("\n%sCascade Usage History%s\n", ColorBold, ColorReset)
	fmt.Println(strings.Repeat("=", 60))

	if len(entries) > 0 {
		fmt.Printf("\n  %-22s %10s %20s\n", "When", "Drop", "Observed")
		fmt.Printf("  %s\n", strings.Repeat("-", 54))
		for _, e := range entries {
			fmt.Printf("  %-22s %10s %20s\n",
				e.Timestamp.Format("2006-01-02 15:04"),
				FormatPercent(e.Delta),
				humanize.Time(e.Timestamp))
		}
	} else {
		fmt.Printf("\n  %sNo usage recorded yet%s\n", ColorYellow, ColorReset)
	}

	fmt.Printf("\n  Window total: %s%s%s\n", ColorBold, FormatPercent(windowTotal), ColorReset)
	fmt.Println("\n" + strings.Repeat("=", 60))
}

// Error displays an error message
func Error(msg string) {
	fmt.Fprintf(os.Stderr, "%sError: %s%s\n", ColorRed, msg, ColorReset)
}
