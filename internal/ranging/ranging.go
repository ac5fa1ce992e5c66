// Package ranging holds the sensor-side collaborators of the presence
// pipeline: range sources that produce optional distances and the binary
// door switch. The core only sees the RangeSource and Switch interfaces; how
// a reading is obtained (GPIO pulse timing, a serial sensor hub, a recorded
// file) stays behind them.
package ranging

import (
	"math"
	"time"

	"github.com/banshee-data/ultralight/internal/timeutil"
)

// Reading is one timestamped, possibly absent distance sample.
type Reading struct {
	Time     time.Time
	Distance float64 // metres, never negative when Valid
	Valid    bool
}

// RangeSource produces at most one distance per call. ok is false when the
// sensor timed out or produced nothing usable; that is not an error.
type RangeSource interface {
	Distance() (d float64, ok bool)
}

// Switch is a tri-state binary input. known is false when the electrical
// reading could not be interpreted.
type Switch interface {
	IsOn() (on bool, known bool)
}

// Read samples src once and stamps the result with the clock time taken
// after the read returns.
func Read(src RangeSource, clock timeutil.Clock) Reading {
	d, ok := src.Distance()
	r := Reading{Time: clock.Now()}
	if ok && validDistance(d) {
		r.Distance = d
		r.Valid = true
	}
	return r
}

func validDistance(d float64) bool {
	return !math.IsNaN(d) && !math.IsInf(d, 0) && d >= 0
}

// Pull is the pull resistor polarity configured on a switch input.
type Pull int

const (
	// PullNone leaves the line floating; on means high.
	PullNone Pull = iota
	// PullUp biases the line high; the switch is on when it pulls the line low.
	PullUp
	// PullDown biases the line low; the switch is on when it drives the line high.
	PullDown
)

// ParsePull maps the configuration strings "up", "down" and "none".
func ParsePull(s string) (Pull, bool) {
	switch s {
	case "up", "":
		return PullUp, true
	case "down":
		return PullDown, true
	case "none":
		return PullNone, true
	}
	return PullNone, false
}

// interpret maps a raw line level to the switch state for the polarity.
func (p Pull) interpret(level int) (on bool, known bool) {
	if level != 0 && level != 1 {
		return false, false
	}
	if p == PullUp {
		return level == 0, true
	}
	return level == 1, true
}

// StaticSwitch is a Switch with a fixed state, for dev mode and tests.
type StaticSwitch struct {
	On    bool
	Known bool
}

func (s StaticSwitch) IsOn() (bool, bool) { return s.On, s.Known }
