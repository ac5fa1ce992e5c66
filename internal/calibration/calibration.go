// Package calibration measures the quiescent baseline of a range source.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/timeutil"
)

// ErrInsufficientSamples is returned when fewer than two valid readings were
// collected, so no sample variance exists.
var ErrInsufficientSamples = errors.New("calibration: insufficient samples")

// Calibration is the baseline of a quiet scene.
type Calibration struct {
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"` // unbiased (n-1)
	Samples int     `json:"samples"`
}

// Options controls sampling.
type Options struct {
	Duration time.Duration
	Interval time.Duration
}

// DefaultOptions samples every 50ms for 3s.
func DefaultOptions() Options {
	return Options{Duration: 3 * time.Second, Interval: 50 * time.Millisecond}
}

// Calibrate samples src every opts.Interval until opts.Duration has elapsed,
// keeping only valid readings. It blocks for the whole duration; ctx is
// checked between samples.
func Calibrate(ctx context.Context, src ranging.RangeSource, clock timeutil.Clock, opts Options) (Calibration, error) {
	start := clock.Now()
	var values []float64
	attempts := 0
	for clock.Since(start) <= opts.Duration {
		if err := ctx.Err(); err != nil {
			return Calibration{}, err
		}
		r := ranging.Read(src, clock)
		attempts++
		if r.Valid {
			values = append(values, r.Distance)
		}
		clock.Sleep(opts.Interval)
	}

	if len(values) < 2 {
		return Calibration{}, fmt.Errorf("%w: %d valid of %d readings", ErrInsufficientSamples, len(values), attempts)
	}

	mean, std := stat.MeanStdDev(values, nil)
	monitoring.Debugf("calibration: %d/%d valid, mean=%.3f std=%.3f", len(values), attempts, mean, std)
	return Calibration{Mean: mean, Std: std, Samples: len(values)}, nil
}
