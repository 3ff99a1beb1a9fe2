package regbus

import (
	"errors"
	"testing"
)

func TestSerialBusRoundTrip(t *testing.T) {
	rf, _, _ := newTestRegFile()
	bus := NewSerialBus(NewLoopPort(rf))
	defer bus.Close()

	payload := make([]byte, RegDataLen)
	for i := range payload {
		payload[i] = byte(0x30 + i)
	}
	if err := WriteReg(bus, RegInput, payload); err != nil {
		t.Fatalf("WriteReg over serial: %v", err)
	}

	got, err := ReadReg(bus, RegInput, RegDataLen)
	if err != nil {
		t.Fatalf("ReadReg over serial: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Errorf("INPUT[%d] = 0x%02x, want 0x%02x", i, got[i], payload[i])
		}
	}
}

func TestSerialBusUnmappedReadsZero(t *testing.T) {
	rf, _, _ := newTestRegFile()
	bus := NewSerialBus(NewLoopPort(rf))
	defer bus.Close()

	got, err := bus.ReadByte(0x3c, 0)
	if err != nil {
		t.Fatalf("ReadByte(unmapped): %v", err)
	}
	if got != 0x00 {
		t.Errorf("unmapped read over serial = 0x%02x, want 0x00", got)
	}
}

func TestSerialBusTransportErrors(t *testing.T) {
	rf, _, _ := newTestRegFile()
	port := NewLoopPort(rf)
	bus := NewSerialBus(port)

	wantErr := errors.New("yanked cable")
	port.WriteErr = wantErr
	if _, err := bus.ReadByte(RegStart, 0); !errors.Is(err, wantErr) {
		t.Errorf("ReadByte with write failure = %v, want wrapped %v", err, wantErr)
	}

	port.ReadErr = wantErr
	if err := bus.WriteByte(RegKey, 0, 0x01); !errors.Is(err, wantErr) {
		t.Errorf("WriteByte with read failure = %v, want wrapped %v", err, wantErr)
	}

	// The link recovers once the fault clears.
	if err := bus.WriteByte(RegKey, 0, 0x01); err != nil {
		t.Errorf("WriteByte after recovery: %v", err)
	}
}

func TestSerialBusRejectsBadOffsets(t *testing.T) {
	rf, _, _ := newTestRegFile()
	bus := NewSerialBus(NewLoopPort(rf))

	if _, err := bus.ReadByte(RegKey, -1); !errors.Is(err, ErrByteOffset) {
		t.Errorf("negative offset error = %v, want ErrByteOffset", err)
	}
	if _, err := bus.ReadByte(RegKey, 300); !errors.Is(err, ErrByteOffset) {
		t.Errorf("oversized offset error = %v, want ErrByteOffset", err)
	}
}

func TestFrameChecksumRejectsCorruption(t *testing.T) {
	frame := encodeRequest(Transaction{Addr: RegKey, ByteOffset: 3, Write: true, AddrValid: true, Data: 0x5a})
	if _, err := decodeRequest(frame); err != nil {
		t.Fatalf("decode of clean frame: %v", err)
	}
	frame[2] ^= 0x10
	if _, err := decodeRequest(frame); !errors.Is(err, ErrBadFrame) {
		t.Errorf("decode of corrupted frame = %v, want ErrBadFrame", err)
	}
}
