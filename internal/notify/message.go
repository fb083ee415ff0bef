package notify

import (
	"fmt"
	"strings"
	"time"
)

// Outage describes a run of failed poll cycles.
type Outage struct {
	Source        string
	Failures      int
	Since         time.Time
	LastError     string
	RecoveredRows int
}

// FormatDownMessage creates a source-down notification body.
func FormatDownMessage(o Outage) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Source: %s\n", o.Source))
	sb.WriteString(fmt.Sprintf("Consecutive failures: %d\n", o.Failures))
	sb.WriteString(fmt.Sprintf("Failing since: %s", o.Since.UTC().Format(time.RFC3339)))

	if o.LastError != "" {
		sb.WriteString(fmt.Sprintf("\n\nLast error: %s", o.LastError))
	}

	return sb.String()
}

// FormatRecoveredMessage creates a recovery notification body.
func FormatRecoveredMessage(o Outage, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Source: %s\n", o.Source))
	sb.WriteString(fmt.Sprintf("Failed cycles: %d\n", o.Failures))
	sb.WriteString(fmt.Sprintf("Downtime: %s\n", now.Sub(o.Since).Round(time.Second)))
	sb.WriteString(fmt.Sprintf("Rows: %d", o.RecoveredRows))

	return sb.String()
}
