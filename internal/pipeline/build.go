package pipeline

import (
	"errors"
	"fmt"

	"github.com/banshee-data/ultralight/internal/calibration"
	"github.com/banshee-data/ultralight/internal/config"
	"github.com/banshee-data/ultralight/internal/detect"
	"github.com/banshee-data/ultralight/internal/kalman"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/telemetry"
	"github.com/banshee-data/ultralight/internal/timeutil"
	"github.com/banshee-data/ultralight/internal/trigger"
)

// ErrNoChannels is returned by Build for a config without sensors.
var ErrNoChannels = errors.New("no sensors configured")

// Collaborators are the hardware-facing pieces Build wires in.
type Collaborators struct {
	// Sources maps sensor names to range sources.
	Sources map[string]ranging.RangeSource
	// Door may be nil.
	Door   ranging.Switch
	Lights []trigger.Light
	Clock  timeutil.Clock
	Sink   telemetry.Sink
	// OnTransition observes controller transitions, may be nil.
	OnTransition func(trigger.Transition)
}

// KalmanConfig maps the tuning file onto estimator parameters.
func KalmanConfig(cfg *config.TuningConfig) kalman.Config {
	return kalman.Config{
		MeasurementNoise:     cfg.GetMeasurementNoise(),
		ProcessNoiseDistance: cfg.GetProcessNoiseDistance(),
		ProcessNoiseVelocity: cfg.GetProcessNoiseVelocity(),
		NominalStep:          cfg.GetNominalStep(),
		InitialVelocityStd:   cfg.GetInitialVelocityStd(),
	}
}

// Build creates one channel per configured sensor, the detectors over them
// and the controller, and returns the Runner driving them.
func Build(cfg *config.TuningConfig, c Collaborators) (*Runner, error) {
	if len(cfg.Sensors) == 0 {
		return nil, ErrNoChannels
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}

	kcfg := KalmanConfig(cfg)
	var (
		channels  []*detect.Channel
		detectors []trigger.Motion
	)
	for _, sc := range cfg.Sensors {
		src, ok := c.Sources[sc.Name]
		if !ok {
			return nil, fmt.Errorf("sensor %q: no range source", sc.Name)
		}
		ch := detect.NewChannel(sc.Name, src, cfg.GetBufferHorizon(), kcfg)
		channels = append(channels, ch)
		for _, dc := range sc.Detectors {
			d, err := detect.NewDetector(dc, ch, c.Clock)
			if err != nil {
				return nil, fmt.Errorf("sensor %q: %w", sc.Name, err)
			}
			detectors = append(detectors, d)
		}
	}

	ctrl := trigger.New(trigger.Config{
		OffDelay:     cfg.GetOffDelay(),
		Lights:       c.Lights,
		Detectors:    detectors,
		Door:         c.Door,
		OnTransition: c.OnTransition,
	})

	return New(Config{
		Clock:        c.Clock,
		PollInterval: cfg.GetPollInterval(),
		Channels:     channels,
		Controller:   ctrl,
		Sink:         c.Sink,
	}), nil
}

// Controller returns the controller the runner drives.
func (r *Runner) Controller() *trigger.Controller { return r.cfg.Controller }

// Channels returns the runner's channels.
func (r *Runner) Channels() []*detect.Channel { return r.cfg.Channels }

// CalibrationOptions maps the tuning file onto calibrator options.
func CalibrationOptions(cfg *config.TuningConfig) calibration.Options {
	return calibration.Options{
		Duration: cfg.GetCalibrationDuration(),
		Interval: cfg.GetCalibrationInterval(),
	}
}
