package serialmux

import (
	"errors"
	"testing"
)

func TestRealSerialPortFactory_Open_InvalidPath(t *testing.T) {
	factory := NewRealSerialPortFactory()

	port, err := factory.Open("/dev/nonexistent-serial-port-12345", PortOptions{})
	if err == nil {
		port.Close()
		t.Fatal("Expected error when opening non-existent serial port")
	}
	var poe *PortOpenError
	if !errors.As(err, &poe) {
		t.Fatalf("expected *PortOpenError, got %T: %v", err, err)
	}
	if poe.Port != "/dev/nonexistent-serial-port-12345" || poe.BaudRate != 115200 {
		t.Errorf("PortOpenError = %+v", poe)
	}
}

func TestRealSerialPortFactory_Open_InvalidOptions(t *testing.T) {
	_, err := NewRealSerialPortFactory().Open("/dev/ttyUSB0", PortOptions{BaudRate: 300})
	var poe *PortOpenError
	if !errors.As(err, &poe) {
		t.Fatalf("expected *PortOpenError, got %v", err)
	}
	if poe.BaudRate != 300 {
		t.Errorf("BaudRate = %d, want 300", poe.BaudRate)
	}
}

func TestSerialPortOpener(t *testing.T) {
	port := NewTestableSerialPort()
	var gotPath string
	var factory SerialPortFactory = SerialPortOpener(func(path string, opts PortOptions) (SerialPorter, error) {
		gotPath = path
		return port, nil
	})
	p, err := factory.Open("COM3", PortOptions{})
	if err != nil || p != port || gotPath != "COM3" {
		t.Errorf("Open() = %v, %v (path %q)", p, err, gotPath)
	}
}

func TestListPorts(t *testing.T) {
	// Enumeration depends on the host; it only has to not fail outright.
	if _, err := ListPorts(); err != nil {
		t.Skipf("port enumeration unavailable: %v", err)
	}
}
