// Package source adapts the external tabular dataset to the sync engine.
//
// A Source returns the whole dataset together with its last modification time
// and appends single rows. It never caches: every FetchSnapshot goes to the
// backing store.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgnsrekt/fieldsync/internal/data"
)

var (
	// ErrUnavailable covers network, auth and timeout failures reaching the source.
	ErrUnavailable = errors.New("source unavailable")
	// ErrFormat means the source data does not parse into uniform records.
	ErrFormat = errors.New("source format error")
	// ErrWriteRejected means the source refused an append or replace.
	ErrWriteRejected = errors.New("source write rejected")
	// ErrNotFound means the spreadsheet, worksheet or file does not exist.
	ErrNotFound = errors.New("source not found")
)

// Source is the capability the sync engine needs from the external dataset.
type Source interface {
	// FetchSnapshot returns the full dataset and its external modification time.
	FetchSnapshot(ctx context.Context) (*data.Snapshot, error)

	// AppendRecord appends rec as a new trailing row.
	AppendRecord(ctx context.Context, rec data.Record) error
}

// Replacer clears the source and writes a new header and rows. Only the
// admin tooling uses it.
type Replacer interface {
	ReplaceAll(ctx context.Context, columns []string, rows [][]any) error
}

// buildSnapshot turns a header row plus value rows into records. Rows shorter
// than the header are padded with empty strings; longer rows are a format error.
func buildSnapshot(header []any, rows [][]any) (*data.Snapshot, error) {
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = fmt.Sprint(h)
	}

	snap := &data.Snapshot{
		Columns: columns,
		Rows:    make([]data.Record, 0, len(rows)),
	}
	for i, values := range rows {
		if len(values) > len(columns) {
			return nil, fmt.Errorf("%w: row %d has %d cells, header has %d",
				ErrFormat, i+1, len(values), len(columns))
		}
		padded := make([]any, len(columns))
		for j := range padded {
			if j < len(values) && values[j] != nil {
				padded[j] = values[j]
			} else {
				padded[j] = ""
			}
		}
		snap.Rows = append(snap.Rows, data.Record{Columns: columns, Values: padded})
	}
	return snap, nil
}

// recordValues orders rec's values by columns when both are known.
func recordValues(columns []string, rec data.Record) []any {
	if rec.Columns == nil || len(columns) == 0 {
		return rec.Values
	}
	values := make([]any, len(columns))
	for i, c := range columns {
		if v, ok := rec.Get(c); ok {
			values[i] = v
		} else {
			values[i] = ""
		}
	}
	return values
}
