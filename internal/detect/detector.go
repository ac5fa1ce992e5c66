package detect

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ultralight/internal/config"
	"github.com/banshee-data/ultralight/internal/timeutil"
)

// Detector decides whether its channel currently shows motion. Every
// variant reports false until the channel is calibrated.
type Detector interface {
	HasMotion() bool
	Name() string
}

// MaxBelowBaseline fires when even the farthest buffered sample is closer
// than the calibrated baseline by more than one std plus Margin: something
// has been standing in the beam for the whole window.
type MaxBelowBaseline struct {
	In     Input
	Margin float64
}

func (d *MaxBelowBaseline) Name() string { return config.DetectorKindMax }

func (d *MaxBelowBaseline) HasMotion() bool {
	cal, ok := d.In.Calibration()
	if !ok {
		return false
	}
	snap := d.In.Snapshot()
	if len(snap) == 0 {
		return false
	}
	return floats.Max(snap) < cal.Mean-cal.Std-d.Margin
}

// Variance fires when the buffered samples spread more than Multiplier
// times the calibrated noise.
type Variance struct {
	In         Input
	Multiplier float64
}

func (d *Variance) Name() string { return config.DetectorKindVariance }

func (d *Variance) HasMotion() bool {
	cal, ok := d.In.Calibration()
	if !ok {
		return false
	}
	snap := d.In.Snapshot()
	if len(snap) < 2 {
		return false
	}
	return stat.StdDev(snap, nil) > d.Multiplier*cal.Std
}

// FilteredHysteresis debounces the filtered distance crossing Threshold.
// An open detection is extended on every call while the distance stays
// below the threshold; any call above it clears the detection.
type FilteredHysteresis struct {
	In               Input
	Threshold        float64
	MinDetectionTime time.Duration
	Clock            timeutil.Clock

	open       bool
	start, end time.Time
}

func (d *FilteredHysteresis) Name() string { return config.DetectorKindFiltered }

func (d *FilteredHysteresis) HasMotion() bool {
	if _, ok := d.In.Calibration(); !ok {
		return false
	}
	dist, ok := d.In.Filtered()
	if !ok {
		return false
	}

	now := d.Clock.Now()
	if dist < d.Threshold {
		if !d.open {
			d.open = true
			d.start = now
		}
		d.end = now
	} else {
		d.open = false
	}
	return d.open && d.end.Sub(d.start) >= d.MinDetectionTime
}

// Detection returns the currently open detection interval, if any.
func (d *FilteredHysteresis) Detection() (start, end time.Time, open bool) {
	return d.start, d.end, d.open
}

// NewDetector builds the configured variant over in.
func NewDetector(cfg config.DetectorConfig, in Input, clock timeutil.Clock) (Detector, error) {
	switch cfg.Kind {
	case config.DetectorKindMax:
		return &MaxBelowBaseline{In: in, Margin: cfg.GetMargin()}, nil
	case config.DetectorKindVariance:
		return &Variance{In: in, Multiplier: cfg.GetMultiplier()}, nil
	case config.DetectorKindFiltered:
		return &FilteredHysteresis{
			In:               in,
			Threshold:        cfg.GetThreshold(),
			MinDetectionTime: cfg.GetMinDetectionTime(),
			Clock:            clock,
		}, nil
	default:
		return nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
	}
}
