// Package telemetry records pipeline rows for offline analysis. Sinks are
// best-effort: the control loop never waits on or depends on them.
package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/ultralight/internal/monitoring"
)

// Sink accepts one row of a given kind.
type Sink interface {
	Record(kind string, ts time.Time, fields ...any) error
}

// Nop discards every row.
type Nop struct{}

func (Nop) Record(string, time.Time, ...any) error { return nil }

// Multi fans a row out to every sink. Sink errors are logged and
// swallowed.
type Multi []Sink

func (m Multi) Record(kind string, ts time.Time, fields ...any) error {
	for _, s := range m {
		if err := s.Record(kind, ts, fields...); err != nil {
			monitoring.Logf("telemetry: %T: %v", s, err)
		}
	}
	return nil
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CSVSink appends rows "kind,unix_ts,fields..." to a file.
type CSVSink struct {
	mu sync.Mutex
	f  io.WriteCloser
	w  *csv.Writer
}

// NewCSVSink opens path for appending, creating parent directories.
func NewCSVSink(path string) (*CSVSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create telemetry dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry csv: %w", err)
	}
	return newCSVSink(f), nil
}

func newCSVSink(w io.WriteCloser) *CSVSink {
	return &CSVSink{f: w, w: csv.NewWriter(w)}
}

func (s *CSVSink) Record(kind string, ts time.Time, fields ...any) error {
	row := make([]string, 0, len(fields)+2)
	row = append(row, kind, strconv.FormatFloat(float64(ts.UnixMicro())/1e6, 'f', 6, 64))
	for _, f := range fields {
		row = append(row, formatField(f))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return errors.Join(s.w.Error(), s.f.Close())
}

func formatField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return strconv.FormatFloat(float64(x.UnixMicro())/1e6, 'f', 6, 64)
	case time.Duration:
		return strconv.FormatFloat(x.Seconds(), 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Recorder is the storage side of DBSink; *db.DB implements it.
type Recorder interface {
	RecordTelemetry(kind string, ts time.Time, fields ...any) error
}

// DBSink stores rows through a Recorder.
type DBSink struct {
	R Recorder
}

func (s DBSink) Record(kind string, ts time.Time, fields ...any) error {
	return s.R.RecordTelemetry(kind, ts, fields...)
}
