// Package trigger fuses detector outputs and the door switch into the
// decision to light the room, with an off-delay and a guard against turning
// off lights someone else switched on.
package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/ranging"
)

// State of the controller.
type State int

const (
	// Idle: no interval.
	Idle State = iota
	// Active: interval open and the inputs are currently triggered.
	Active
	// Cooldown: interval open, inputs quiet, waiting for the off-delay.
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Cooldown:
		return "cooldown"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Idle, Active, Cooldown} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Light is the actuator capability the controller drives.
type Light interface {
	Switch(on bool) error
	IsOn() bool
	// Update refreshes the cached state from the bridge.
	Update() error
}

// Motion is one detector output.
type Motion interface {
	HasMotion() bool
	Name() string
}

// Interval is a span during which motion was, or recently was, detected.
type Interval struct {
	ID           string    `json:"id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Active       bool      `json:"active"`
	LightsWereOn bool      `json:"lights_were_on"`
}

// Transition describes one state change.
type Transition struct {
	Time     time.Time
	From, To State
	Interval Interval
	// Action is "on", "off" or "" for transitions without actuation.
	Action string
}

// Evaluation holds the inputs of one cycle.
type Evaluation struct {
	Detectors map[string]bool
	DoorOpen  bool
	Triggered bool
}

// Config is everything the controller needs; it holds no globals.
type Config struct {
	OffDelay  time.Duration
	Lights    []Light
	Detectors []Motion
	// Door may be nil when no switch is wired.
	Door ranging.Switch
	// OnTransition, if set, observes every state change.
	OnTransition func(Transition)
	// NewID generates interval IDs; defaults to random UUIDs.
	NewID func() string
}

// Controller is the trigger/cooldown state machine. It is not safe for
// concurrent use; a single owner drives it once per cycle.
type Controller struct {
	cfg      Config
	interval *Interval
}

// New creates an idle controller.
func New(cfg Config) *Controller {
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	return &Controller{cfg: cfg}
}

// State returns the current state.
func (c *Controller) State() State {
	switch {
	case c.interval == nil:
		return Idle
	case c.interval.Active:
		return Active
	default:
		return Cooldown
	}
}

// Interval returns a copy of the current interval.
func (c *Controller) Interval() (Interval, bool) {
	if c.interval == nil {
		return Interval{}, false
	}
	return *c.interval, true
}

// DoorOpen reports whether the door switch reads open. An unreadable switch
// counts as closed.
func (c *Controller) DoorOpen() bool {
	if c.cfg.Door == nil {
		return false
	}
	on, known := c.cfg.Door.IsOn()
	return known && !on
}

// EvaluateDetail polls the door and every detector exactly once.
func (c *Controller) EvaluateDetail() Evaluation {
	ev := Evaluation{Detectors: make(map[string]bool, len(c.cfg.Detectors))}
	for i, d := range c.cfg.Detectors {
		m := d.HasMotion()
		ev.Detectors[fmt.Sprintf("%d:%s", i, d.Name())] = m
		ev.Triggered = ev.Triggered || m
	}
	ev.DoorOpen = c.DoorOpen()
	ev.Triggered = ev.Triggered || ev.DoorOpen
	return ev
}

// Evaluate returns OR(detectors) OR door open.
func (c *Controller) Evaluate() bool {
	return c.EvaluateDetail().Triggered
}

// Step evaluates the inputs and advances the state machine.
func (c *Controller) Step(now time.Time) error {
	return c.Advance(now, c.Evaluate())
}

// Advance applies one cycle with the given trigger decision. Actuation
// errors are returned; the controller does not retry them.
func (c *Controller) Advance(now time.Time, triggered bool) error {
	from := c.State()

	if triggered {
		if c.interval == nil {
			wereOn, err := c.anyLightOn()
			if err != nil {
				return fmt.Errorf("sample lights: %w", err)
			}
			c.interval = &Interval{
				ID:           c.cfg.NewID(),
				Start:        now,
				End:          now,
				LightsWereOn: wereOn,
			}
		} else {
			c.interval.End = now
		}
		c.interval.Active = true
		err := c.switchAll(true)
		c.emit(now, from, "on")
		return err
	}

	if c.interval == nil {
		return nil
	}
	c.interval.Active = false

	if c.interval.LightsWereOn {
		// Someone else turned the lights on; leave them alone.
		closed := *c.interval
		c.interval = nil
		c.emitClosed(now, from, closed, "")
		return nil
	}

	if now.Sub(c.interval.End) > c.cfg.OffDelay {
		err := c.switchAll(false)
		closed := *c.interval
		c.interval = nil
		c.emitClosed(now, from, closed, "off")
		return err
	}

	err := c.switchAll(true)
	c.emit(now, from, "")
	return err
}

func (c *Controller) anyLightOn() (bool, error) {
	var errs []error
	on := false
	for _, l := range c.cfg.Lights {
		if err := l.Update(); err != nil {
			errs = append(errs, err)
			continue
		}
		on = on || l.IsOn()
	}
	return on, errors.Join(errs...)
}

func (c *Controller) switchAll(on bool) error {
	var errs []error
	for _, l := range c.cfg.Lights {
		if err := l.Switch(on); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("switch lights on=%t: %w", on, err)
	}
	return nil
}

func (c *Controller) emit(now time.Time, from State, action string) {
	to := c.State()
	if from == to {
		return
	}
	c.emitClosed(now, from, *c.interval, action)
}

func (c *Controller) emitClosed(now time.Time, from State, iv Interval, action string) {
	to := c.State()
	monitoring.Debugf("trigger: %s -> %s interval=%s action=%q", from, to, iv.ID, action)
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(Transition{Time: now, From: from, To: to, Interval: iv, Action: action})
	}
}
