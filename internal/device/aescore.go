// Package device provides the simulated compute unit: an AES-128 core
// running in its own clock domain behind the register bus, plus a full
// in-process target (register file + core + free-running domains) and a
// simulated scope tapping the core's leakage.
package device

import (
	"crypto/aes"
	"math/rand"

	"github.com/scalab/tracecap/internal/cdc"
	"github.com/scalab/tracecap/internal/regbus"
	"github.com/scalab/tracecap/internal/sca"
)

// DefaultLatency is the number of compute-domain cycles the core stays busy
// for one block: one cycle per AES round plus load.
const DefaultLatency = 12

type coreState int

const (
	coreIdle coreState = iota
	coreRunning
)

// LeakTap receives one leakage sample per compute-domain cycle, along with
// the busy level driving the trigger line. Called from the compute domain.
type LeakTap func(sample float64, busy bool)

// AESCore is the compute unit. Each Tick is one compute-domain cycle:
//
//   - a RESET pulse forces the core to idle, drops busy, and clears the
//     latched output;
//   - a START pulse while idle samples the combined input word whole (INPUT
//     bytes 0..15, KEY bytes 16..31), raises busy, and runs for Latency
//     cycles; a START pulse while running is ignored;
//   - on the last busy cycle the result is latched onto the output word
//     wire and busy drops, in that order, so the host never reads a torn
//     or stale OUTPUT after observing done.
//
// The leakage model is deliberately crude: while busy, each cycle emits the
// Hamming weight of one ciphertext byte plus Gaussian noise.
type AESCore struct {
	start *cdc.PulseSync
	reset *cdc.PulseSync
	input *cdc.WordSync[regbus.Word]
	busy  *cdc.Wire
	out   *cdc.WordWire[regbus.Block]

	latency    int
	state      coreState
	cyclesLeft int
	pending    regbus.Block

	tap LeakTap
	rng *rand.Rand
}

// NewAESCore wires a core to the compute-domain halves of a register file's
// crossing. The busy and out wires must be the ones the register file
// observes. tap may be nil. latency <= 0 selects DefaultLatency.
func NewAESCore(rf *regbus.RegisterFile, busy *cdc.Wire, out *cdc.WordWire[regbus.Block], latency int, tap LeakTap) *AESCore {
	if latency <= 0 {
		latency = DefaultLatency
	}
	return &AESCore{
		start:   rf.StartPulse(),
		reset:   rf.ResetPulse(),
		input:   cdc.NewWordSync(rf.StagedWord()),
		busy:    busy,
		out:     out,
		latency: latency,
		tap:     tap,
		rng:     rand.New(rand.NewSource(0x5ca)),
	}
}

// Tick advances the core by one compute-domain cycle.
func (c *AESCore) Tick() {
	c.input.Tick()
	rst := c.reset.TickDest()
	strt := c.start.TickDest()

	if rst {
		c.state = coreIdle
		c.cyclesLeft = 0
		c.busy.Set(false)
		c.out.Store(regbus.Block{})
		c.emit(false)
		return
	}

	switch c.state {
	case coreIdle:
		if strt {
			word := c.input.Out()
			var key, pt [regbus.RegDataLen]byte
			copy(key[:], word[regbus.KeyOffset:regbus.KeyOffset+regbus.RegDataLen])
			copy(pt[:], word[regbus.InputOffset:regbus.InputOffset+regbus.RegDataLen])

			// AES-128 key schedule; 16-byte keys never fail.
			block, err := aes.NewCipher(key[:])
			if err != nil {
				panic("device: aes key schedule: " + err.Error())
			}
			block.Encrypt(c.pending[:], pt[:])

			c.state = coreRunning
			c.cyclesLeft = c.latency
			c.busy.Set(true)
		}
		c.emit(false)

	case coreRunning:
		c.emit(true)
		c.cyclesLeft--
		if c.cyclesLeft <= 0 {
			c.out.Store(c.pending)
			c.busy.Set(false)
			c.state = coreIdle
		}
	}
}

// Busy reports the core's own view of its busy level. Compute domain only;
// the host must read the synchronized status through the register file.
func (c *AESCore) Busy() bool { return c.state == coreRunning }

func (c *AESCore) emit(active bool) {
	if c.tap == nil {
		return
	}
	sample := c.rng.NormFloat64() * noiseSigma
	if active {
		idx := c.latency - c.cyclesLeft
		b := c.pending[idx%regbus.RegDataLen]
		sample += leakScale * float64(sca.HammingWeightByte(b))
	}
	c.tap(sample, active)
}

const (
	noiseSigma = 0.01
	leakScale  = 0.05
)
