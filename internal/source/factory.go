package source

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/config"
)

// Backend is a Source that the admin tooling can also rewrite.
type Backend interface {
	Source
	Replacer
}

// New builds the Backend selected by cfg.Kind. timeout bounds each HTTP
// request made by the sheets backend.
func New(cfg config.SourceConfig, timeout time.Duration, logger *zap.Logger) (Backend, error) {
	switch cfg.Kind {
	case "sheets":
		creds := []byte(cfg.Sheets.Credentials)
		if cfg.Sheets.CredentialsFile != "" {
			b, err := os.ReadFile(cfg.Sheets.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("reading credentials file: %w", err)
			}
			creds = b
		}
		src, err := NewSheetsSource(SheetsConfig{
			SpreadsheetID: cfg.Sheets.SpreadsheetID,
			Worksheet:     cfg.Sheets.Worksheet,
			Credentials:   creds,
			AccessToken:   cfg.Sheets.AccessToken,
			SheetsBaseURL: cfg.Sheets.ValuesBaseURL,
			DriveBaseURL:  cfg.Sheets.DriveBaseURL,
			RatePerSecond: cfg.Sheets.RatePerSecond,
			RetryCount:    cfg.Sheets.RetryCount,
			RetryDelay:    cfg.Sheets.RetryDelay,
			Timeout:       timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "file":
		return NewFileSource(cfg.File.Path, logger), nil
	default:
		return nil, fmt.Errorf("unknown source kind: %q", cfg.Kind)
	}
}

// Name describes the backend for logs and notifications.
func Name(cfg config.SourceConfig) string {
	switch cfg.Kind {
	case "sheets":
		return fmt.Sprintf("sheets:%s/%s", cfg.Sheets.SpreadsheetID, cfg.Sheets.Worksheet)
	case "file":
		return "file:" + cfg.File.Path
	default:
		return cfg.Kind
	}
}
