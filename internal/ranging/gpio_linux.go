//go:build linux

package ranging

import (
	"fmt"
	"time"

	"github.com/warthog618/gpiod"

	"github.com/banshee-data/ultralight/internal/monitoring"
)

// speedOfSound in m/s at roughly 20°C.
const speedOfSound = 343.2

// Ultrasonic drives an HC-SR04 style trigger/echo pair.
type Ultrasonic struct {
	trigger     *gpiod.Line
	echo        *gpiod.Line
	echoTimeout time.Duration
}

// NewUltrasonic requests the trigger line as output and the echo line as
// input on chip. echoTimeout bounds every Distance call.
func NewUltrasonic(chip string, triggerPin, echoPin int, echoTimeout time.Duration) (*Ultrasonic, error) {
	trigger, err := gpiod.RequestLine(chip, triggerPin, gpiod.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("failed to request trigger line %d: %w", triggerPin, err)
	}
	echo, err := gpiod.RequestLine(chip, echoPin, gpiod.AsInput)
	if err != nil {
		trigger.Close()
		return nil, fmt.Errorf("failed to request echo line %d: %w", echoPin, err)
	}
	return &Ultrasonic{trigger: trigger, echo: echo, echoTimeout: echoTimeout}, nil
}

// Distance sends a 10µs trigger pulse and times the echo pulse. It busy-waits
// on the echo line and gives up once echoTimeout has passed since the trigger.
func (u *Ultrasonic) Distance() (float64, bool) {
	if err := u.trigger.SetValue(1); err != nil {
		monitoring.Logf("ultrasonic: failed to raise trigger: %v", err)
		return 0, false
	}
	time.Sleep(10 * time.Microsecond)
	if err := u.trigger.SetValue(0); err != nil {
		monitoring.Logf("ultrasonic: failed to lower trigger: %v", err)
		return 0, false
	}

	triggered := time.Now()
	pulseStart := triggered
	for {
		v, err := u.echo.Value()
		if err != nil {
			return 0, false
		}
		if v == 1 {
			break
		}
		pulseStart = time.Now()
		if pulseStart.Sub(triggered) > u.echoTimeout {
			return 0, false
		}
	}

	pulseStop := pulseStart
	for {
		v, err := u.echo.Value()
		if err != nil {
			return 0, false
		}
		if v == 0 {
			break
		}
		pulseStop = time.Now()
		if pulseStop.Sub(triggered) > u.echoTimeout {
			return 0, false
		}
	}

	// divide by two for the round trip
	return speedOfSound * pulseStop.Sub(pulseStart).Seconds() / 2, true
}

// Close releases both lines.
func (u *Ultrasonic) Close() error {
	errT := u.trigger.Close()
	errE := u.echo.Close()
	if errT != nil {
		return errT
	}
	return errE
}

// ReedSwitch reads a door contact on a single input line.
type ReedSwitch struct {
	line *gpiod.Line
	pull Pull
}

// NewReedSwitch requests pin as an input with the bias matching pull.
func NewReedSwitch(chip string, pin int, pull Pull) (*ReedSwitch, error) {
	opts := []gpiod.LineReqOption{gpiod.AsInput}
	switch pull {
	case PullUp:
		opts = append(opts, gpiod.WithPullUp)
	case PullDown:
		opts = append(opts, gpiod.WithPullDown)
	}
	line, err := gpiod.RequestLine(chip, pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to request switch line %d: %w", pin, err)
	}
	return &ReedSwitch{line: line, pull: pull}, nil
}

// IsOn reports the contact state; read errors are reported as unknown.
func (r *ReedSwitch) IsOn() (bool, bool) {
	v, err := r.line.Value()
	if err != nil {
		monitoring.Debugf("reed switch: read failed: %v", err)
		return false, false
	}
	return r.pull.interpret(v)
}

// Close releases the line.
func (r *ReedSwitch) Close() error {
	return r.line.Close()
}
