package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortFactory opens serial ports. The daemon takes one so tests can
// hand it a scripted port.
type SerialPortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortFactoryFunc adapts a function to SerialPortFactory.
type SerialPortFactoryFunc func(path string, opts PortOptions) (SerialPorter, error)

func (f SerialPortFactoryFunc) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
