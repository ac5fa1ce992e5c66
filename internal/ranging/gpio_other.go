//go:build !linux

package ranging

import (
	"errors"
	"time"
)

// ErrNoGPIO is returned on platforms without the Linux GPIO character device.
var ErrNoGPIO = errors.New("gpio is only supported on linux")

// Ultrasonic is unavailable off Linux.
type Ultrasonic struct{}

func NewUltrasonic(chip string, triggerPin, echoPin int, echoTimeout time.Duration) (*Ultrasonic, error) {
	return nil, ErrNoGPIO
}

func (u *Ultrasonic) Distance() (float64, bool) { return 0, false }
func (u *Ultrasonic) Close() error              { return nil }

// ReedSwitch is unavailable off Linux.
type ReedSwitch struct{}

func NewReedSwitch(chip string, pin int, pull Pull) (*ReedSwitch, error) {
	return nil, ErrNoGPIO
}

func (r *ReedSwitch) IsOn() (bool, bool) { return false, false }
func (r *ReedSwitch) Close() error       { return nil }
