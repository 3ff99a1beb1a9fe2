package regbus

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Wire framing for register transactions over a serial line. One request
// frame per bus transaction, one response frame back:
//
//	request:  SOF, ctrl, addr, offset, data, checksum
//	response: SOF, status, data, checksum
//
// ctrl carries the read/write transaction flags; checksum is the XOR of the
// preceding frame bytes. The device answers every request, including writes,
// so the host can pace itself against the device clock.
const (
	frameSOF = 0x7e

	ctrlRead  = 0x01
	ctrlWrite = 0x02

	statusOK = 0x00

	requestLen  = 6
	responseLen = 4
)

// Transport-level failures. Address semantics never produce errors; these
// mean the link itself misbehaved.
var (
	ErrBadFrame   = errors.New("regbus: malformed response frame")
	ErrBadStatus  = errors.New("regbus: device reported transaction failure")
	ErrByteOffset = errors.New("regbus: byte offset out of frame range")
)

// SerialBus carries Bus transactions over a serial port. Transactions are
// strictly serialized: one request is in flight at a time.
type SerialBus struct {
	mu   sync.Mutex
	port SerialPorter
}

// NewSerialBus wraps an open port. If the port supports read deadlines a
// conservative per-transaction timeout is installed.
func NewSerialBus(port SerialPorter) *SerialBus {
	if tp, ok := port.(TimeoutSerialPorter); ok {
		// Best effort; a port that refuses a deadline still works, it
		// just blocks on a dead link.
		_ = tp.SetReadTimeout(2 * time.Second)
	}
	return &SerialBus{port: port}
}

// OpenSerialBus opens the serial port at path and returns a bus over it.
func OpenSerialBus(path string, baudRate int) (*SerialBus, error) {
	port, err := OpenSerialPort(path, baudRate)
	if err != nil {
		return nil, fmt.Errorf("open serial bus %s: %w", path, err)
	}
	return NewSerialBus(port), nil
}

// Close closes the underlying port.
func (s *SerialBus) Close() error {
	return s.port.Close()
}

// ReadByte implements Bus.
func (s *SerialBus) ReadByte(addr uint8, off int) (byte, error) {
	return s.transact(Transaction{Addr: addr, ByteOffset: off, Read: true, AddrValid: true})
}

// WriteByte implements Bus.
func (s *SerialBus) WriteByte(addr uint8, off int, b byte) error {
	_, err := s.transact(Transaction{Addr: addr, ByteOffset: off, Write: true, AddrValid: true, Data: b})
	return err
}

func (s *SerialBus) transact(tx Transaction) (byte, error) {
	if tx.ByteOffset < 0 || tx.ByteOffset > 0xff {
		return 0, ErrByteOffset
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req := encodeRequest(tx)
	if _, err := s.port.Write(req[:]); err != nil {
		return 0, fmt.Errorf("write transaction frame: %w", err)
	}

	var resp [responseLen]byte
	if _, err := io.ReadFull(s.port, resp[:]); err != nil {
		return 0, fmt.Errorf("read transaction response: %w", err)
	}
	return decodeResponse(resp)
}

func encodeRequest(tx Transaction) [requestLen]byte {
	var ctrl byte
	if tx.Read {
		ctrl |= ctrlRead
	}
	if tx.Write {
		ctrl |= ctrlWrite
	}
	frame := [requestLen]byte{frameSOF, ctrl, tx.Addr, byte(tx.ByteOffset), tx.Data, 0}
	frame[requestLen-1] = xorChecksum(frame[:requestLen-1])
	return frame
}

func decodeRequest(frame [requestLen]byte) (Transaction, error) {
	if frame[0] != frameSOF || xorChecksum(frame[:requestLen-1]) != frame[requestLen-1] {
		return Transaction{}, ErrBadFrame
	}
	return Transaction{
		Addr:       frame[2],
		ByteOffset: int(frame[3]),
		Read:       frame[1]&ctrlRead != 0,
		Write:      frame[1]&ctrlWrite != 0,
		AddrValid:  true,
		Data:       frame[4],
	}, nil
}

func encodeResponse(status, data byte) [responseLen]byte {
	frame := [responseLen]byte{frameSOF, status, data, 0}
	frame[responseLen-1] = xorChecksum(frame[:responseLen-1])
	return frame
}

func decodeResponse(frame [responseLen]byte) (byte, error) {
	if frame[0] != frameSOF || xorChecksum(frame[:responseLen-1]) != frame[responseLen-1] {
		return 0, ErrBadFrame
	}
	if frame[1] != statusOK {
		return 0, fmt.Errorf("%w: status 0x%02x", ErrBadStatus, frame[1])
	}
	return frame[2], nil
}

func xorChecksum(p []byte) byte {
	var c byte
	for _, b := range p {
		c ^= b
	}
	return c
}
