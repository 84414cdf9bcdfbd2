package transport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the byte stream the I/O goroutine owns exclusively.
//
// go.bug.st/serial.Port satisfies it; tests and the simulator supply in-memory
// implementations.
type Port interface {
	io.ReadWriteCloser
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
	// SetReadTimeout bounds each Read. A Read that times out returns 0, nil.
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a named port at the given baud rate with reads bounded by readTimeout.
type PortOpener func(name string, baudRate int, readTimeout time.Duration) (Port, error)

var _ Port = (serial.Port)(nil)

// OpenSerialPort opens a physical serial port with 8N1 framing.
func OpenSerialPort(name string, baudRate int, readTimeout time.Duration) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}

	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return p, nil
}

// ListPorts returns the serial ports visible to the process.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
