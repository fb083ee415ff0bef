package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/data"
)

// FileSource keeps the dataset in a local JSONL file: the first line is the
// header array, every following line is one row of values. The file's
// modification time is the snapshot timestamp.
type FileSource struct {
	path   string
	mu     sync.Mutex // serializes writes
	logger *zap.Logger
}

// Compile-time interface verification
var (
	_ Source   = (*FileSource)(nil)
	_ Replacer = (*FileSource)(nil)
)

// NewFileSource creates a FileSource for path. The file does not need to exist yet.
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{
		path:   path,
		logger: logger,
	}
}

// Path returns the backing file path.
func (f *FileSource) Path() string {
	return f.path
}

// FetchSnapshot implements Source.
func (f *FileSource) FetchSnapshot(ctx context.Context) (*data.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: %s", ErrUnavailable, ErrNotFound, f.path)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var (
		header []any
		rows   [][]any
	)
	scanner := bufio.NewScanner(file)

	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var values []any
		if err := json.Unmarshal(line, &values); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, lineNum, err)
		}
		if header == nil {
			header = values
			continue
		}
		rows = append(rows, values)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	snap, err := buildSnapshot(header, rows)
	if err != nil {
		return nil, err
	}
	snap.Updated = info.ModTime().UTC()

	f.logger.Debug("loaded dataset file",
		zap.String("path", f.path),
		zap.Int("rows", snap.Len()),
	)
	return snap, nil
}

// AppendRecord implements Source. A missing file is created with rec's
// columns as header.
func (f *FileSource) AppendRecord(ctx context.Context, rec data.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	header, err := f.readHeader()
	if err != nil {
		return err
	}

	var lines [][]any
	if header == nil {
		if rec.Columns == nil {
			return fmt.Errorf("%w: dataset has no header and record has no columns", ErrWriteRejected)
		}
		header = rec.Columns
		lines = append(lines, stringsToValues(header))
	}

	values := recordValues(header, rec)
	if len(values) > len(header) {
		return fmt.Errorf("%w: record has %d values, header has %d", ErrWriteRejected, len(values), len(header))
	}
	lines = append(lines, values)

	out, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	defer out.Close()

	if err := writeLines(out, lines); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return nil
}

// ReplaceAll implements Replacer. The file is written to a temp file and
// renamed into place.
func (f *FileSource) ReplaceAll(ctx context.Context, columns []string, rows [][]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("%w: creating directories: %v", ErrWriteRejected, err)
	}

	tmpPath := f.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrWriteRejected, err)
	}

	lines := append([][]any{stringsToValues(columns)}, rows...)
	err = writeLines(tmp, lines)
	if closeErr := tmp.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: writing temp file: %v", ErrWriteRejected, err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming temp file: %v", ErrWriteRejected, err)
	}
	return nil
}

// readHeader returns the header line, or nil when the file is missing or empty.
func (f *FileSource) readHeader() ([]string, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var header []string
		if err := json.Unmarshal(line, &header); err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
		}
		return header, nil
	}
	return nil, scanner.Err()
}

func writeLines(w *os.File, lines [][]any) error {
	bw := bufio.NewWriter(w)
	for _, line := range lines {
		b, err := json.Marshal(line)
		if err != nil {
			return err
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func stringsToValues(ss []string) []any {
	values := make([]any, len(ss))
	for i, s := range ss {
		values[i] = s
	}
	return values
}
