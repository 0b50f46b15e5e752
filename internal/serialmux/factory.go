package serialmux

import (
	"fmt"
	"log/slog"
)

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions, logger *slog.Logger) (*SerialMux[SerialPorter], error) {
	return OpenSerialMux(OpenSerialPort, path, opts, logger)
}

// OpenSerialMux opens the port at path with open and wraps it in a SerialMux.
func OpenSerialMux(open PortOpener, path string, opts PortOptions, logger *slog.Logger) (*SerialMux[SerialPorter], error) {
	port, err := open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewSerialMux(port, WithLogger(logger)), nil
}
