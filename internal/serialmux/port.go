package serialmux

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real reader hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens the serial port at path with the given options. It is
// injected so that tests and dev mode can substitute their own ports.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)

// OpenSerialPort is the PortOpener for real hardware.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
