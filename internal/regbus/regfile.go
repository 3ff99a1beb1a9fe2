package regbus

import (
	"sync"

	"github.com/scalab/tracecap/internal/cdc"
)

// RegisterFile is the host-domain register file bridging the bus to the
// compute clock domain. It owns the host half of the crossing: the staging
// bytes of the combined input word, the source halves of the START and RESET
// pulse synchronizers, and the two-stage synchronizers through which the
// compute domain's busy level and latched output word become visible.
//
// Bus transactions and host clock ticks are serialized on one mutex; that is
// the single-owner host bus domain of the design. The compute domain touches
// nothing in here; it sees only the wires.
//
// Ordering caveat, inherited from the hardware contract: the staged word is
// continuously sampled by the compute domain, so callers must finish all
// KEY/INPUT byte writes and allow synchronizer settling before writing
// START. The register file does not enforce this.
type RegisterFile struct {
	mu sync.Mutex

	staged     Word
	stagedWire cdc.WordWire[Word]

	start *cdc.PulseSync
	reset *cdc.PulseSync

	busySync *cdc.BitSync
	outSync  *cdc.WordSync[Block]
}

// NewRegisterFile builds a register file observing the compute domain's busy
// wire and latched output word wire.
func NewRegisterFile(busy *cdc.Wire, out *cdc.WordWire[Block]) *RegisterFile {
	return &RegisterFile{
		start:    cdc.NewPulseSync("start"),
		reset:    cdc.NewPulseSync("reset"),
		busySync: cdc.NewBitSync(busy),
		outSync:  cdc.NewWordSync(out),
	}
}

// StartPulse returns the START pulse synchronizer so the compute unit can
// tick its destination half.
func (rf *RegisterFile) StartPulse() *cdc.PulseSync { return rf.start }

// ResetPulse returns the RESET pulse synchronizer.
func (rf *RegisterFile) ResetPulse() *cdc.PulseSync { return rf.reset }

// StagedWord returns the wire carrying the combined input word into the
// compute domain.
func (rf *RegisterFile) StagedWord() *cdc.WordWire[Word] { return &rf.stagedWire }

// Tick advances the host-domain half of the crossing by one clock cycle.
func (rf *RegisterFile) Tick() {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.start.TickSource()
	rf.reset.TickSource()
	rf.busySync.Tick()
	rf.outSync.Tick()
}

// WriteByte performs one write transaction. Writes to pulse registers fire
// the corresponding event regardless of payload; writes to KEY/INPUT stage
// the byte into the combined input word; writes to OUTPUT, out-of-range
// offsets, and unmapped addresses are ignored.
func (rf *RegisterFile) WriteByte(addr uint8, off int, b byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	switch addr {
	case RegStart:
		rf.start.Signal()
	case RegReset:
		rf.reset.Signal()
	case RegKey:
		if off >= 0 && off < RegDataLen {
			rf.staged[KeyOffset+off] = b
			rf.stagedWire.Store(rf.staged)
		}
	case RegInput:
		if off >= 0 && off < RegDataLen {
			rf.staged[InputOffset+off] = b
			rf.stagedWire.Store(rf.staged)
		}
	}
	return nil
}

// ReadByte performs one read transaction. A read of START returns the
// synchronized busy status (0x01 while the compute unit is running).
// KEY/INPUT read back the host-side staging bytes; OUTPUT reads the latched,
// synchronized result word. Unmapped addresses and out-of-range offsets read
// as zero.
func (rf *RegisterFile) ReadByte(addr uint8, off int) (byte, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	switch addr {
	case RegStart:
		if rf.busySync.Out() {
			return 0x01, nil
		}
		return 0x00, nil
	case RegKey:
		if off >= 0 && off < RegDataLen {
			return rf.staged[KeyOffset+off], nil
		}
	case RegInput:
		if off >= 0 && off < RegDataLen {
			return rf.staged[InputOffset+off], nil
		}
	case RegOutput:
		if off >= 0 && off < RegDataLen {
			word := rf.outSync.Out()
			return word[off], nil
		}
	}
	return 0x00, nil
}

// DroppedPulses reports how many START and RESET events were lost to
// back-to-back writes faster than the handshake round trip.
func (rf *RegisterFile) DroppedPulses() (start, reset uint64) {
	return rf.start.Dropped(), rf.reset.Dropped()
}
