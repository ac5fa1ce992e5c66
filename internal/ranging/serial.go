package ranging

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/timeutil"
)

// SerialSource turns lines from a serial sensor hub into distances. Each line
// carries whitespace-separated distances in metres, one field per attached
// sensor; the source picks one field. Lines are consumed at most once and
// ignored once older than maxAge, so a stalled hub reads as "no reading"
// rather than a frozen distance.
type SerialSource struct {
	field  int
	maxAge time.Duration
	clock  timeutil.Clock

	mu       sync.Mutex
	latest   float64
	valid    bool
	at       time.Time
	pending  bool
	received int
}

// NewSerialSource creates a source reading field (0-based) from each line.
func NewSerialSource(field int, maxAge time.Duration, clock timeutil.Clock) *SerialSource {
	return &SerialSource{field: field, maxAge: maxAge, clock: clock}
}

// HandleLine parses one line and stores the selected field. Lines without
// enough fields are dropped; unparsable or negative values are stored as an
// absent reading.
func (s *SerialSource) HandleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) <= s.field {
		if strings.TrimSpace(line) != "" {
			monitoring.Debugf("serial source: short line %q (want field %d)", line, s.field)
		}
		return
	}

	d, err := strconv.ParseFloat(fields[s.field], 64)
	valid := err == nil && !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = d
	s.valid = valid
	s.at = s.clock.Now()
	s.pending = true
	s.received++
}

// Consume feeds lines from a serialmux subscription until the channel closes
// or ctx is cancelled.
func (s *SerialSource) Consume(ctx context.Context, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.HandleLine(line)
		}
	}
}

// Distance returns the most recent unconsumed value if it is fresh.
func (s *SerialSource) Distance() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return 0, false
	}
	s.pending = false
	if !s.valid || s.clock.Since(s.at) > s.maxAge {
		return 0, false
	}
	return s.latest, true
}

// Received returns the number of lines that carried the selected field.
func (s *SerialSource) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}
