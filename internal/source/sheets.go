package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/fieldsync/internal/data"
)

const (
	DefaultSheetsBaseURL = "https://sheets.googleapis.com"
	DefaultDriveBaseURL  = "https://www.googleapis.com"
)

// Scopes requested for service account credentials.
var sheetsScopes = []string{
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive.metadata.readonly",
}

// SheetsConfig configures a SheetsSource.
//
// Authentication, first match wins: TokenSource, Credentials (service account
// or other Google credentials JSON), then the static AccessToken. With none
// set requests go out unauthenticated.
type SheetsConfig struct {
	SpreadsheetID string
	Worksheet     string
	Credentials   []byte
	TokenSource   oauth2.TokenSource
	AccessToken   string
	SheetsBaseURL string
	DriveBaseURL  string
	RatePerSecond int
	RetryCount    int
	RetryDelay    time.Duration
	Timeout       time.Duration
}

// SheetsSource reads and appends rows of one worksheet through the Google
// Sheets v4 values API. The modification time comes from Drive v3.
type SheetsSource struct {
	httpClient *http.Client
	cfg        SheetsConfig
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Compile-time interface verification
var (
	_ Source   = (*SheetsSource)(nil)
	_ Replacer = (*SheetsSource)(nil)
)

type valueRange struct {
	Range          string  `json:"range,omitempty"`
	MajorDimension string  `json:"majorDimension,omitempty"`
	Values         [][]any `json:"values"`
}

type driveFile struct {
	ModifiedTime string `json:"modifiedTime"`
}

// NewSheetsSource creates a SheetsSource. It fails only when Credentials
// cannot be parsed.
func NewSheetsSource(cfg SheetsConfig, logger *zap.Logger) (*SheetsSource, error) {
	if cfg.SheetsBaseURL == "" {
		cfg.SheetsBaseURL = DefaultSheetsBaseURL
	}
	if cfg.DriveBaseURL == "" {
		cfg.DriveBaseURL = DefaultDriveBaseURL
	}
	if cfg.RatePerSecond < 1 {
		cfg.RatePerSecond = 1
	}

	var transport http.RoundTripper = &http.Transport{
		MaxIdleConns:    10,
		MaxConnsPerHost: 4,
		IdleConnTimeout: 90 * time.Second,
	}

	ts, err := tokenSource(cfg)
	if err != nil {
		return nil, err
	}
	if ts != nil {
		// oauth2.Transport refreshes expired tokens before each request.
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}

	return &SheetsSource{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond*2),
		logger:  logger,
	}, nil
}

func tokenSource(cfg SheetsConfig) (oauth2.TokenSource, error) {
	switch {
	case cfg.TokenSource != nil:
		return cfg.TokenSource, nil
	case len(cfg.Credentials) > 0:
		creds, err := google.CredentialsFromJSON(context.Background(), cfg.Credentials, sheetsScopes...)
		if err != nil {
			return nil, fmt.Errorf("parsing google credentials: %w", err)
		}
		return creds.TokenSource, nil
	case cfg.AccessToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}), nil
	default:
		return nil, nil
	}
}

// FetchSnapshot implements Source.
func (s *SheetsSource) FetchSnapshot(ctx context.Context) (*data.Snapshot, error) {
	// Read the timestamp first: an edit landing between the two requests then
	// shows up again on the next poll instead of being missed.
	updated, err := s.modifiedTime(ctx)
	if err != nil {
		return nil, err
	}

	var vr valueRange
	query := url.Values{
		"valueRenderOption": {"UNFORMATTED_VALUE"},
		"majorDimension":    {"ROWS"},
	}
	if err := s.getJSON(ctx, s.valuesURL("", query), &vr); err != nil {
		return nil, err
	}

	if len(vr.Values) == 0 {
		return &data.Snapshot{Updated: updated}, nil
	}

	snap, err := buildSnapshot(vr.Values[0], vr.Values[1:])
	if err != nil {
		return nil, err
	}
	snap.Updated = updated

	s.logger.Debug("fetched worksheet",
		zap.String("worksheet", s.cfg.Worksheet),
		zap.Int("rows", snap.Len()),
		zap.Time("updated", updated),
	)
	return snap, nil
}

// AppendRecord implements Source. Appends are never retried.
func (s *SheetsSource) AppendRecord(ctx context.Context, rec data.Record) error {
	query := url.Values{
		"valueInputOption": {"USER_ENTERED"},
		"insertDataOption": {"INSERT_ROWS"},
	}
	body := valueRange{
		MajorDimension: "ROWS",
		Values:         [][]any{rec.Values},
	}
	return s.write(ctx, http.MethodPost, s.valuesURL(":append", query), body)
}

// ReplaceAll implements Replacer: clears the worksheet, then writes header and
// rows. A missing worksheet is created first.
func (s *SheetsSource) ReplaceAll(ctx context.Context, columns []string, rows [][]any) error {
	err := s.write(ctx, http.MethodPost, s.valuesURL(":clear", nil), struct{}{})
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Info("worksheet not found, creating it", zap.String("worksheet", s.cfg.Worksheet))
		if err := s.addSheet(ctx); err != nil {
			return fmt.Errorf("creating worksheet: %w", err)
		}
	case err != nil:
		return fmt.Errorf("clearing worksheet: %w", err)
	}

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	body := valueRange{
		Range:          s.cfg.Worksheet,
		MajorDimension: "ROWS",
		Values:         append([][]any{header}, rows...),
	}
	query := url.Values{"valueInputOption": {"RAW"}}
	if err := s.write(ctx, http.MethodPut, s.valuesURL("", query), body); err != nil {
		return fmt.Errorf("writing worksheet: %w", err)
	}
	return nil
}

type batchUpdateRequest struct {
	Requests []batchRequest `json:"requests"`
}

type batchRequest struct {
	AddSheet *addSheetRequest `json:"addSheet,omitempty"`
}

type addSheetRequest struct {
	Properties sheetProperties `json:"properties"`
}

type sheetProperties struct {
	Title string `json:"title"`
}

func (s *SheetsSource) addSheet(ctx context.Context) error {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s:batchUpdate",
		s.cfg.SheetsBaseURL, url.PathEscape(s.cfg.SpreadsheetID))
	body := batchUpdateRequest{Requests: []batchRequest{{
		AddSheet: &addSheetRequest{Properties: sheetProperties{Title: s.cfg.Worksheet}},
	}}}
	return s.write(ctx, http.MethodPost, u, body)
}

func (s *SheetsSource) modifiedTime(ctx context.Context) (time.Time, error) {
	u := fmt.Sprintf("%s/drive/v3/files/%s?fields=modifiedTime",
		s.cfg.DriveBaseURL, url.PathEscape(s.cfg.SpreadsheetID))

	var f driveFile
	if err := s.getJSON(ctx, u, &f); err != nil {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, f.ModifiedTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: modifiedTime %q: %v", ErrFormat, f.ModifiedTime, err)
	}
	return t.UTC(), nil
}

func (s *SheetsSource) valuesURL(suffix string, query url.Values) string {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s%s",
		s.cfg.SheetsBaseURL,
		url.PathEscape(s.cfg.SpreadsheetID),
		url.PathEscape(s.cfg.Worksheet),
		suffix,
	)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// getJSON performs a GET with rate limiting and retries on 429/5xx.
func (s *SheetsSource) getJSON(ctx context.Context, u string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			s.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		status, body, err := s.do(ctx, http.MethodGet, u, nil)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			continue
		}

		switch {
		case status == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%w: decoding response: %v", ErrFormat, err)
			}
			return nil
		case missingRange(status, body):
			return fmt.Errorf("%w: %w", ErrUnavailable, ErrNotFound)
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return fmt.Errorf("%w: authentication failed (status %d)", ErrUnavailable, status)
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("%w: status %d", ErrUnavailable, status)
			continue
		default:
			return fmt.Errorf("%w: unexpected status %d: %s", ErrUnavailable, status, string(body))
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// write sends a single write request. Any non-2xx answer is a rejection.
func (s *SheetsSource) write(ctx context.Context, method, u string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encoding request: %v", ErrWriteRejected, err)
	}

	status, body, err := s.do(ctx, method, u, buf)
	if err != nil {
		return err
	}

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: authentication failed (status %d)", ErrUnavailable, status)
	case missingRange(status, body):
		return fmt.Errorf("%w: %w", ErrWriteRejected, ErrNotFound)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrWriteRejected, status, string(body))
	}
}

// missingRange reports a missing spreadsheet or worksheet. The values API
// answers an unknown worksheet with 400 "Unable to parse range".
func missingRange(status int, body []byte) bool {
	return status == http.StatusNotFound ||
		(status == http.StatusBadRequest && bytes.Contains(body, []byte("Unable to parse range")))
}

// do performs one request. Transport failures, rate limiter cancellation and
// timeouts are reported as ErrUnavailable.
func (s *SheetsSource) do(ctx context.Context, method, u string, payload []byte) (int, []byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("%w: request timed out", ErrUnavailable)
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, readErr)
	}

	return resp.StatusCode, body, nil
}
