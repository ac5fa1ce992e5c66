// Package pipeline runs the sensing-to-decision loop. A Runner owns every
// channel and the controller; each cycle reads the sources, updates the
// channels, evaluates the detectors and advances the controller, in that
// order.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/ultralight/internal/calibration"
	"github.com/banshee-data/ultralight/internal/db"
	"github.com/banshee-data/ultralight/internal/detect"
	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/telemetry"
	"github.com/banshee-data/ultralight/internal/timeutil"
	"github.com/banshee-data/ultralight/internal/trigger"
)

// Telemetry kinds written by the runner.
const (
	KindReading    = "reading"
	KindDetection  = "detection"
	KindTransition = "transition"
)

// Config wires a Runner. Controller must have been built over detectors that
// read Channels.
type Config struct {
	Clock        timeutil.Clock
	PollInterval time.Duration
	Channels     []*detect.Channel
	Controller   *trigger.Controller
	// Sink receives per-cycle telemetry; nil disables it.
	Sink telemetry.Sink
}

// Runner drives the loop. Step and Run must be called from one goroutine;
// Status may be called from any.
type Runner struct {
	cfg Config

	mu     sync.Mutex
	status Status
}

// ChannelStatus is the published view of one channel.
type ChannelStatus struct {
	Name        string                   `json:"name"`
	Distance    *float64                 `json:"distance"`
	Filtered    *float64                 `json:"filtered"`
	FilteredStd *float64                 `json:"filtered_std,omitempty"`
	Velocity    *float64                 `json:"velocity,omitempty"`
	Buffered    int                      `json:"buffered"`
	Calibration *calibration.Calibration `json:"calibration,omitempty"`
}

// Status is a copy of the loop state after the last completed cycle.
type Status struct {
	Time      time.Time         `json:"time"`
	Cycles    int64             `json:"cycles"`
	State     trigger.State     `json:"state"`
	Interval  *trigger.Interval `json:"interval,omitempty"`
	Triggered bool              `json:"triggered"`
	DoorOpen  bool              `json:"door_open"`
	Detectors map[string]bool   `json:"detectors"`
	Channels  []ChannelStatus   `json:"channels"`
	LastError string            `json:"last_error,omitempty"`
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Sink == nil {
		cfg.Sink = telemetry.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Runner{cfg: cfg}
}

// Calibrate calibrates every channel in turn. Any failure is returned and
// leaves the runner unusable.
func (r *Runner) Calibrate(ctx context.Context, opts calibration.Options) error {
	for _, ch := range r.cfg.Channels {
		if err := ch.Calibrate(ctx, r.cfg.Clock, opts); err != nil {
			return err
		}
		cal, _ := ch.Calibration()
		monitoring.Logf("calibrated %s: mean=%.3fm std=%.3fm from %d samples", ch.Name(), cal.Mean, cal.Std, cal.Samples)
	}
	return nil
}

// Step runs one cycle. Estimator errors abort the cycle before the
// controller runs; actuation errors are returned after the state change.
func (r *Runner) Step() error {
	readings := make([]ranging.Reading, len(r.cfg.Channels))
	for i, ch := range r.cfg.Channels {
		rd, err := ch.Sample(r.cfg.Clock)
		readings[i] = rd
		if err != nil {
			r.publish(readings, trigger.Evaluation{}, err)
			return fmt.Errorf("observe: %w", err)
		}
		r.recordReading(ch, rd)
	}

	ev := r.cfg.Controller.EvaluateDetail()
	now := r.cfg.Clock.Now()
	r.record(KindDetection, now, ev.Triggered, ev.DoorOpen)

	err := r.cfg.Controller.Advance(now, ev.Triggered)
	r.publish(readings, ev, err)
	return err
}

// Run steps once per poll interval until ctx is done. Cycle errors are
// logged and polling continues.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.cfg.Clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.Step(); err != nil {
			monitoring.Logf("cycle error: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// Status returns the state published by the last cycle.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.Channels = append([]ChannelStatus(nil), r.status.Channels...)
	if r.status.Detectors != nil {
		s.Detectors = make(map[string]bool, len(r.status.Detectors))
		for k, v := range r.status.Detectors {
			s.Detectors[k] = v
		}
	}
	return s
}

func (r *Runner) publish(readings []ranging.Reading, ev trigger.Evaluation, stepErr error) {
	s := Status{
		Time:      r.cfg.Clock.Now(),
		State:     r.cfg.Controller.State(),
		Triggered: ev.Triggered,
		DoorOpen:  ev.DoorOpen,
		Detectors: ev.Detectors,
		Channels:  make([]ChannelStatus, len(r.cfg.Channels)),
	}
	if iv, ok := r.cfg.Controller.Interval(); ok {
		s.Interval = &iv
	}
	if stepErr != nil {
		s.LastError = stepErr.Error()
	}
	for i, ch := range r.cfg.Channels {
		cs := ChannelStatus{Name: ch.Name(), Buffered: ch.Buffer().Len()}
		if rd := readings[i]; rd.Valid {
			d := rd.Distance
			cs.Distance = &d
		}
		if est := ch.Estimator(); est != nil {
			d, sd, v := est.Distance(), est.DistanceStd(), est.Velocity()
			cs.Filtered, cs.FilteredStd, cs.Velocity = &d, &sd, &v
		}
		if cal, ok := ch.Calibration(); ok {
			cs.Calibration = &cal
		}
		s.Channels[i] = cs
	}

	r.mu.Lock()
	s.Cycles = r.status.Cycles + 1
	r.status = s
	r.mu.Unlock()
}

func (r *Runner) recordReading(ch *detect.Channel, rd ranging.Reading) {
	var distance, filtered any
	if rd.Valid {
		distance = rd.Distance
	}
	if f, ok := ch.Filtered(); ok {
		filtered = f
	}
	r.record(KindReading, rd.Time, ch.Name(), distance, filtered)
}

func (r *Runner) record(kind string, ts time.Time, fields ...any) {
	if err := r.cfg.Sink.Record(kind, ts, fields...); err != nil {
		monitoring.Debugf("telemetry %s: %v", kind, err)
	}
}

// IntervalStore persists closed intervals.
type IntervalStore interface {
	RecordInterval(db.IntervalRecord) error
}

// TransitionRecorder returns a trigger.Config.OnTransition hook that logs
// every transition, sends it to sink and stores closed intervals. Either
// destination may be nil.
func TransitionRecorder(sink telemetry.Sink, store IntervalStore) func(trigger.Transition) {
	return func(tr trigger.Transition) {
		monitoring.Logf("%s -> %s (interval %s, action %q)", tr.From, tr.To, tr.Interval.ID, tr.Action)
		if sink != nil {
			if err := sink.Record(KindTransition, tr.Time, tr.From, tr.To, tr.Interval.ID, tr.Action); err != nil {
				monitoring.Debugf("telemetry %s: %v", KindTransition, err)
			}
		}
		if store == nil || tr.To != trigger.Idle {
			return
		}
		rec := db.IntervalRecord{
			ID:           tr.Interval.ID,
			Start:        tr.Interval.Start,
			End:          tr.Interval.End,
			Closed:       tr.Time,
			LightsWereOn: tr.Interval.LightsWereOn,
			SwitchedOff:  tr.Action == "off",
		}
		if err := store.RecordInterval(rec); err != nil {
			monitoring.Logf("store interval %s: %v", rec.ID, err)
		}
	}
}
