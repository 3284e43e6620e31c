package serialmux

import (
	"sort"

	"go.bug.st/serial"
)

// RealSerialPortFactory opens hardware ports through go.bug.st/serial.
type RealSerialPortFactory struct{}

// NewRealSerialPortFactory returns a factory for hardware ports.
func NewRealSerialPortFactory() *RealSerialPortFactory {
	return &RealSerialPortFactory{}
}

// Open opens path with opts and applies the read timeout. Any failure,
// including invalid options, is reported as a *PortOpenError.
func (f *RealSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	norm, err := opts.Normalise()
	if err != nil {
		return nil, &PortOpenError{Port: path, BaudRate: opts.BaudRate, Err: err}
	}
	mode, err := norm.SerialMode()
	if err != nil {
		return nil, &PortOpenError{Port: path, BaudRate: norm.BaudRate, Err: err}
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, &PortOpenError{Port: path, BaudRate: norm.BaudRate, Err: err}
	}
	if err := port.SetReadTimeout(norm.ReadTimeout); err != nil {
		port.Close()
		return nil, &PortOpenError{Port: path, BaudRate: norm.BaudRate, Err: err}
	}
	return port, nil
}

// ListPorts returns the serial ports present on this machine, sorted.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}
