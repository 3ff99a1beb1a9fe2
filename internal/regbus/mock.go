package regbus

import (
	"bytes"
	"io"
	"sync"
)

// LoopPort implements SerialPorter by decoding request frames locally and
// answering them from a backing Bus. It stands in for a capture board on the
// far end of the serial link in tests.
type LoopPort struct {
	mu     sync.Mutex
	bus    Bus
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool

	// WriteErr and ReadErr, when set, are returned by the next Write or
	// Read call to exercise transport failure paths.
	WriteErr error
	ReadErr  error
}

// NewLoopPort returns a port answering frames from bus.
func NewLoopPort(bus Bus) *LoopPort {
	return &LoopPort{bus: bus}
}

// Write consumes request frames and queues the device responses.
func (p *LoopPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteErr != nil {
		err := p.WriteErr
		p.WriteErr = nil
		return 0, err
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.in.Write(b)
	for p.in.Len() >= requestLen {
		var frame [requestLen]byte
		p.in.Read(frame[:])
		p.serve(frame)
	}
	return len(b), nil
}

func (p *LoopPort) serve(frame [requestLen]byte) {
	tx, err := decodeRequest(frame)
	if err != nil {
		resp := encodeResponse(0xff, 0)
		p.out.Write(resp[:])
		return
	}
	var data byte
	status := byte(statusOK)
	switch {
	case tx.Read:
		data, err = p.bus.ReadByte(tx.Addr, tx.ByteOffset)
	case tx.Write:
		err = p.bus.WriteByte(tx.Addr, tx.ByteOffset, tx.Data)
	}
	if err != nil {
		status = 0xfe
	}
	resp := encodeResponse(status, data)
	p.out.Write(resp[:])
}

// Read returns queued response bytes.
func (p *LoopPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReadErr != nil {
		err := p.ReadErr
		p.ReadErr = nil
		return 0, err
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.out.Len() == 0 {
		return 0, io.EOF
	}
	return p.out.Read(b)
}

// Close marks the port closed.
func (p *LoopPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
