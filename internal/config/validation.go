package config

import (
	"fmt"
	"strings"
)

var validPriorities = map[string]bool{
	"min": true, "low": true, "default": true, "high": true, "urgent": true,
}

// ValidationErrors collects every configuration problem found by Validate.
type ValidationErrors struct {
	Problems []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Problems) > 0
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, p := range e.Problems {
		sb.WriteString(fmt.Sprintf("  - %s\n", p))
	}
	return sb.String()
}

// Validate checks the whole configuration and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Server.Port == "" {
		errs.add("server.port is required")
	}
	if c.Server.Secret != "" {
		if len(c.Server.APIKeys) == 0 {
			errs.add("server.api_keys must list at least one key when server.secret is set")
		}
		if c.Server.TokenTTL <= 0 {
			errs.add("server.token_ttl must be > 0 (got %s)", c.Server.TokenTTL)
		}
	}

	if c.Poll.Interval <= 0 {
		errs.add("poll.interval must be > 0 (got %s)", c.Poll.Interval)
	}
	if c.Poll.Timeout <= 0 {
		errs.add("poll.timeout must be > 0 (got %s)", c.Poll.Timeout)
	}
	if c.Poll.FailureThreshold < 1 {
		errs.add("poll.failure_threshold must be >= 1")
	}

	switch c.Source.Kind {
	case "sheets":
		if c.Source.Sheets.SpreadsheetID == "" {
			errs.add("source.sheets.spreadsheet_id is required (set GOOGLE_SHEET_KEY or FIELDSYNC_SOURCE_SHEETS_SPREADSHEET_ID)")
		}
		if c.Source.Sheets.Worksheet == "" {
			errs.add("source.sheets.worksheet is required")
		}
		if c.Source.Sheets.RatePerSecond < 1 {
			errs.add("source.sheets.rate_per_second must be >= 1")
		}
		if c.Source.Sheets.Credentials != "" && c.Source.Sheets.CredentialsFile != "" {
			errs.add("source.sheets.credentials and source.sheets.credentials_file are mutually exclusive")
		}
		if c.Source.Sheets.RetryCount < 0 {
			errs.add("source.sheets.retry_count must be >= 0")
		}
	case "file":
		if c.Source.File.Path == "" {
			errs.add("source.file.path is required")
		}
	default:
		errs.add("invalid source.kind: %q (must be 'sheets' or 'file')", c.Source.Kind)
	}

	if c.Notify.Enabled {
		if c.Notify.Topic == "" {
			errs.add("notify.topic is required when notify.enabled=true")
		}
		if !validPriorities[c.Notify.Priority] {
			errs.add("invalid notify.priority: %s (valid: min, low, default, high, urgent)", c.Notify.Priority)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
