// Package regbus defines the byte-addressable register bus between the host
// and the compute unit: the transaction shape, the fixed register address
// map, the host-side register file that bridges the two clock domains, and a
// serial transport that carries the same transactions to external hardware.
package regbus

import "fmt"

// Register addresses. START and RESET are pulse registers: any write fires
// the corresponding control event once per transaction, and a read of START
// returns the synchronized busy status instead of data. KEY, INPUT and
// OUTPUT are 16-byte data registers addressed one byte at a time.
const (
	RegStart  uint8 = 0x05
	RegReset  uint8 = 0x07
	RegKey    uint8 = 0x08
	RegInput  uint8 = 0x09
	RegOutput uint8 = 0x0a
)

// Layout of the combined input word staged on the host side and sampled
// whole by the compute domain: INPUT occupies bytes 0..15, KEY bytes 16..31.
const (
	RegDataLen  = 16
	WordBytes   = 32
	InputOffset = 0
	KeyOffset   = 16
)

// Word is the combined input word crossing into the compute domain.
type Word = [WordBytes]byte

// Block is one 16-byte data register value.
type Block = [RegDataLen]byte

// RegWidth returns the width in bytes of a register, or 0 for unmapped
// addresses.
func RegWidth(addr uint8) int {
	switch addr {
	case RegStart, RegReset:
		return 1
	case RegKey, RegInput, RegOutput:
		return RegDataLen
	}
	return 0
}

// Transaction is the shape of one bus cycle. Multi-byte register access is
// built from a sequence of these, one per byte offset.
type Transaction struct {
	Addr       uint8
	ByteOffset int
	Read       bool
	Write      bool
	AddrValid  bool
	Data       byte
}

// Bus is the host-side view of the register bus. Accesses to unmapped
// addresses are permissive by contract: reads return zero and writes are
// ignored, with no error. Errors are reserved for transport failures
// (a broken serial link), never for address semantics.
type Bus interface {
	// ReadByte returns the byte at the given offset of a register.
	ReadByte(addr uint8, off int) (byte, error)
	// WriteByte stores one byte at the given offset of a register. For
	// pulse registers the payload is ignored; the write itself is the
	// event.
	WriteByte(addr uint8, off int, b byte) error
}

// ReadReg reads a full register, one byte transaction per offset.
func ReadReg(bus Bus, addr uint8, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := bus.ReadByte(addr, i)
		if err != nil {
			return nil, fmt.Errorf("read reg 0x%02x[%d]: %w", addr, i, err)
		}
		out[i] = b
	}
	return out, nil
}

// WriteReg writes a full register, one byte transaction per offset.
func WriteReg(bus Bus, addr uint8, data []byte) error {
	for i, b := range data {
		if err := bus.WriteByte(addr, i, b); err != nil {
			return fmt.Errorf("write reg 0x%02x[%d]: %w", addr, i, err)
		}
	}
	return nil
}
