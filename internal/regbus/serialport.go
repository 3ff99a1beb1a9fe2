package regbus

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPorter is the minimal interface the serial transport needs from a
// port. The abstraction exists so the transport can be tested without real
// hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is an optional extension implemented by ports that
// support read deadlines.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// DefaultBaudRate matches the control interface of the capture boards this
// transport was written against.
const DefaultBaudRate = 115200

// OpenSerialPort opens a real serial port configured 8N1 at the given baud
// rate.
func OpenSerialPort(path string, baudRate int) (SerialPorter, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}
