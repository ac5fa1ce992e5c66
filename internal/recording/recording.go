// Package recording reads and writes raw range recordings. A recording is a
// CSV file with one section per sensor:
//
//	ultrasound1
//	time,distance
//	1700000000.123,1.52
//	1700000000.223,
//
// Times are Unix seconds. An empty distance (or "None") is a timed-out read.
package recording

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/ranging"
)

const sectionPrefix = "ultrasound"

// ErrNoSection is returned when a data row appears before any sensor header.
var ErrNoSection = errors.New("recording: data row before sensor header")

// Recording holds readings per channel in file order. Channel names are the
// suffix of the section header ("1" for "ultrasound1").
type Recording struct {
	Order    []string
	Channels map[string][]ranging.Reading
}

// New returns an empty recording.
func New() *Recording {
	return &Recording{Channels: make(map[string][]ranging.Reading)}
}

// Append adds a reading to channel, creating the channel on first use.
func (r *Recording) Append(channel string, reading ranging.Reading) {
	if _, ok := r.Channels[channel]; !ok {
		r.Order = append(r.Order, channel)
	}
	r.Channels[channel] = append(r.Channels[channel], reading)
}

// Write serialises rec in section order.
func Write(w io.Writer, rec *Recording) error {
	cw := csv.NewWriter(w)
	for _, name := range rec.Order {
		if err := cw.Write([]string{sectionPrefix + name}); err != nil {
			return err
		}
		if err := cw.Write([]string{"time", "distance"}); err != nil {
			return err
		}
		for _, r := range rec.Channels[name] {
			dist := ""
			if r.Valid {
				dist = strconv.FormatFloat(r.Distance, 'f', -1, 64)
			}
			if err := cw.Write([]string{formatTime(r.Time), dist}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// Parse reads a recording. Rows that cannot be parsed are logged and skipped.
func Parse(r io.Reader) (*Recording, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rec := New()
	current := ""
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read recording: %w", err)
		}
		if len(row) == 1 && strings.HasPrefix(row[0], sectionPrefix) {
			current = strings.TrimPrefix(row[0], sectionPrefix)
			if _, ok := rec.Channels[current]; !ok {
				rec.Order = append(rec.Order, current)
				rec.Channels[current] = nil
			}
			continue
		}
		if len(row) == 2 && row[0] == "time" && row[1] == "distance" {
			continue
		}
		if current == "" {
			return nil, ErrNoSection
		}
		reading, err := parseRow(row)
		if err != nil {
			line, _ := cr.FieldPos(0)
			monitoring.Logf("recording: skipping line %d %q: %v", line, strings.Join(row, ","), err)
			continue
		}
		rec.Channels[current] = append(rec.Channels[current], reading)
	}
	return rec, nil
}

func parseRow(row []string) (ranging.Reading, error) {
	if len(row) != 2 {
		return ranging.Reading{}, fmt.Errorf("want 2 fields, got %d", len(row))
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
	if err != nil {
		return ranging.Reading{}, fmt.Errorf("time: %w", err)
	}
	reading := ranging.Reading{Time: parseTime(secs)}

	dist := strings.TrimSpace(row[1])
	if dist == "" || dist == "None" {
		return reading, nil
	}
	d, err := strconv.ParseFloat(dist, 64)
	if err != nil {
		return ranging.Reading{}, fmt.Errorf("distance: %w", err)
	}
	if d >= 0 && !math.IsInf(d, 0) && !math.IsNaN(d) {
		reading.Distance = d
		reading.Valid = true
	}
	return reading, nil
}

// ReadFile parses the recording at path.
func ReadFile(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// WriteFile writes rec to path, replacing any existing file.
func WriteFile(path string, rec *Recording) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	if err := Write(f, rec); err != nil {
		f.Close()
		return fmt.Errorf("write recording: %w", err)
	}
	return f.Close()
}

// microsecond resolution keeps round trips exact for time.Time values
// produced by the recorder.
func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func parseTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}
