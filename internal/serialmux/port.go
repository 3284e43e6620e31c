package serialmux

import (
	"fmt"
	"io"
	"time"
)

// DefaultReadTimeout bounds a single read so a stalled receiver never blocks
// the poll loop for longer than this.
const DefaultReadTimeout = 100 * time.Millisecond

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// A read that times out returns (0, nil).
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// SerialPortFactory opens byte streams keyed by a port path and options.
type SerialPortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener adapts a function to SerialPortFactory.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}

// PortOpenError reports a port that could not be opened with the requested
// settings. The poll loop never starts when this is returned.
type PortOpenError struct {
	Port     string
	BaudRate int
	Err      error
}

func (e *PortOpenError) Error() string {
	return fmt.Sprintf("failed to open serial port %s at %d baud: %v", e.Port, e.BaudRate, e.Err)
}

func (e *PortOpenError) Unwrap() error { return e.Err }
