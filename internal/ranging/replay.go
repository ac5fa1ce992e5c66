package ranging

import (
	"time"

	"github.com/banshee-data/ultralight/internal/timeutil"
)

// ReplaySource plays back recorded readings against a clock. Recorded times
// are rebased so the first reading lines up with the first Distance call.
type ReplaySource struct {
	readings []Reading
	clock    timeutil.Clock

	started bool
	start   time.Time
	next    int
}

// NewReplaySource creates a replay over readings, which must be in time order.
func NewReplaySource(readings []Reading, clock timeutil.Clock) *ReplaySource {
	return &ReplaySource{readings: readings, clock: clock}
}

// Distance returns the latest recorded reading whose offset has elapsed since
// the previous call. Calls between recorded samples yield no reading, as do
// calls after the recording is exhausted.
func (r *ReplaySource) Distance() (float64, bool) {
	if len(r.readings) == 0 {
		return 0, false
	}
	if !r.started {
		r.started = true
		r.start = r.clock.Now()
	}

	elapsed := r.clock.Since(r.start)
	origin := r.readings[0].Time
	var last *Reading
	for r.next < len(r.readings) && r.readings[r.next].Time.Sub(origin) <= elapsed {
		last = &r.readings[r.next]
		r.next++
	}
	if last == nil || !last.Valid {
		return 0, false
	}
	return last.Distance, true
}

// Done reports whether every recorded reading has been played.
func (r *ReplaySource) Done() bool {
	return r.next >= len(r.readings)
}

// ScriptedSource returns queued values in order, then no reading. It is used
// in tests and dev mode; a NaN entry stands for a timeout.
type ScriptedSource struct {
	Values []float64
	calls  int
}

func (s *ScriptedSource) Distance() (float64, bool) {
	i := s.calls
	s.calls++
	if i >= len(s.Values) {
		return 0, false
	}
	v := s.Values[i]
	if !validDistance(v) {
		return 0, false
	}
	return v, true
}

// Calls returns how many times Distance was called.
func (s *ScriptedSource) Calls() int { return s.calls }
