// Package detect turns the readings of one range source into motion
// decisions. A Channel owns the per-source state (windowed buffer, Kalman
// estimator, calibration); detectors read it.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/ultralight/internal/calibration"
	"github.com/banshee-data/ultralight/internal/kalman"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/timeutil"
	"github.com/banshee-data/ultralight/internal/window"
)

// Input is what detectors read from a channel.
type Input interface {
	// Snapshot returns the buffered raw distances, nil when empty.
	Snapshot() []float64
	// Filtered returns the Kalman distance; ok is false before calibration.
	Filtered() (d float64, ok bool)
	// Calibration returns the baseline; ok is false before calibration.
	Calibration() (cal calibration.Calibration, ok bool)
}

// Channel is the state kept for one range source.
type Channel struct {
	name   string
	src    ranging.RangeSource
	kcfg   kalman.Config
	buffer *window.Buffer

	cal *calibration.Calibration
	est *kalman.Estimator

	lastFiltered time.Time
	filteredOnce bool
	latest       ranging.Reading
}

// NewChannel creates an uncalibrated channel.
func NewChannel(name string, src ranging.RangeSource, horizon time.Duration, kcfg kalman.Config) *Channel {
	return &Channel{
		name:   name,
		src:    src,
		kcfg:   kcfg,
		buffer: window.New(horizon),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Calibrate runs the calibrator on the channel's source and seeds the
// estimator from the result. It must run once before detection starts.
func (c *Channel) Calibrate(ctx context.Context, clock timeutil.Clock, opts calibration.Options) error {
	cal, err := calibration.Calibrate(ctx, c.src, clock, opts)
	if err != nil {
		return fmt.Errorf("calibrate %s: %w", c.name, err)
	}
	c.SetCalibration(cal)
	return nil
}

// SetCalibration installs a baseline computed elsewhere and resets the
// estimator to it.
func (c *Channel) SetCalibration(cal calibration.Calibration) {
	c.cal = &cal
	// Starting distance variance is Std², the baseline's own spread.
	c.est = kalman.New(c.kcfg, cal.Mean, cal.Std)
	c.filteredOnce = false
}

// Sample reads the source once and observes the result.
func (c *Channel) Sample(clock timeutil.Clock) (ranging.Reading, error) {
	r := ranging.Read(c.src, clock)
	return r, c.Observe(r)
}

// Observe folds a reading into the buffer and, once calibrated, the
// estimator. Absent readings are skipped.
func (c *Channel) Observe(r ranging.Reading) error {
	c.latest = r
	if !r.Valid {
		return nil
	}
	c.buffer.Update(r.Time, r.Distance)
	if c.est == nil {
		return nil
	}

	var dt time.Duration
	if c.filteredOnce {
		dt = r.Time.Sub(c.lastFiltered)
	}
	if err := c.est.Update(dt, r.Distance); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	c.lastFiltered = r.Time
	c.filteredOnce = true
	return nil
}

// Snapshot implements Input.
func (c *Channel) Snapshot() []float64 { return c.buffer.Snapshot() }

// Filtered implements Input.
func (c *Channel) Filtered() (float64, bool) {
	if c.est == nil {
		return 0, false
	}
	return c.est.Distance(), true
}

// Calibration implements Input.
func (c *Channel) Calibration() (calibration.Calibration, bool) {
	if c.cal == nil {
		return calibration.Calibration{}, false
	}
	return *c.cal, true
}

// Latest returns the most recently observed reading.
func (c *Channel) Latest() ranging.Reading { return c.latest }

// Buffer exposes the windowed buffer for inspection.
func (c *Channel) Buffer() *window.Buffer { return c.buffer }

// Estimator returns the Kalman estimator, nil before calibration.
func (c *Channel) Estimator() *kalman.Estimator { return c.est }
