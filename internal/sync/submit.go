package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/data"
	"github.com/dgnsrekt/fieldsync/internal/source"
)

// SubmissionIDColumn receives the submission id when the header has it and
// the client left it blank. Without it the id only correlates the
// acknowledgment with the server log.
const SubmissionIDColumn = "Submission ID"

// SubmissionLogger appends client submissions to the Source. It never touches
// the Store; submitted rows reach subscribers through the next poll cycle.
type SubmissionLogger struct {
	source  source.Source
	store   *data.Store
	timeout time.Duration
	logger  *zap.Logger
}

// Submission is the result of an accepted submission.
type Submission struct {
	ID     string      `json:"id"`
	Record data.Record `json:"record"`
}

// NewSubmissionLogger creates a SubmissionLogger. store supplies the column
// order that positional submissions are matched against.
func NewSubmissionLogger(src source.Source, store *data.Store, timeout time.Duration, logger *zap.Logger) *SubmissionLogger {
	return &SubmissionLogger{
		source:  src,
		store:   store,
		timeout: timeout,
		logger:  logger,
	}
}

// Submit builds a record from positional values and appends it.
// Missing trailing values are written as empty strings.
func (s *SubmissionLogger) Submit(ctx context.Context, values []any) (Submission, error) {
	rec, err := s.build(values)
	if err != nil {
		return Submission{}, err
	}
	return s.SubmitRecord(ctx, rec)
}

// SubmitRecord appends rec as a new row.
func (s *SubmissionLogger) SubmitRecord(ctx context.Context, rec data.Record) (Submission, error) {
	id := ulid.Make().String()
	rec = stampID(rec, id)
	sub := Submission{ID: id, Record: rec}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.source.AppendRecord(ctx, rec); err != nil {
		s.logger.Warn("submission failed",
			zap.String("id", sub.ID),
			zap.Error(err),
		)
		return Submission{}, err
	}

	s.logger.Info("submission appended",
		zap.String("id", sub.ID),
		zap.Int("fields", len(rec.Values)),
	)
	return sub, nil
}

func (s *SubmissionLogger) build(values []any) (data.Record, error) {
	if len(values) == 0 {
		return data.Record{}, fmt.Errorf("%w: empty submission", source.ErrWriteRejected)
	}

	columns := s.store.Current().Columns
	if len(columns) == 0 {
		return data.NewRecord(nil, values), nil
	}
	if len(values) > len(columns) {
		return data.Record{}, fmt.Errorf("%w: %d values for %d columns",
			source.ErrWriteRejected, len(values), len(columns))
	}

	padded := make([]any, len(columns))
	copy(padded, values)
	for i := len(values); i < len(padded); i++ {
		padded[i] = ""
	}
	return data.NewRecord(columns, padded), nil
}

func stampID(rec data.Record, id string) data.Record {
	for i, c := range rec.Columns {
		if c != SubmissionIDColumn || i >= len(rec.Values) {
			continue
		}
		if v := rec.Values[i]; v != nil && v != "" {
			return rec
		}
		values := append([]any(nil), rec.Values...)
		values[i] = id
		return data.NewRecord(rec.Columns, values)
	}
	return rec
}
