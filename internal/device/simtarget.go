package device

import (
	"context"
	"sync"
	"time"

	"github.com/scalab/tracecap/internal/cdc"
	"github.com/scalab/tracecap/internal/regbus"
)

// SimTargetConfig sets the clocking of the in-process target. The two
// periods are deliberately unrelated; the domains free-run with no phase
// relationship, exactly like the hardware they stand in for.
type SimTargetConfig struct {
	HostPeriod    time.Duration
	ComputePeriod time.Duration
	Latency       int
}

// DefaultSimTargetConfig returns clocking that keeps a full acquisition well
// under a millisecond while leaving room for many synchronizer cycles inside
// one host poll interval.
func DefaultSimTargetConfig() SimTargetConfig {
	return SimTargetConfig{
		HostPeriod:    5 * time.Microsecond,
		ComputePeriod: 7 * time.Microsecond,
		Latency:       DefaultLatency,
	}
}

// SimTarget is the complete in-process stand-in for a capture board: a
// register file clocked in a host domain, an AES core clocked in an
// independent compute domain, and a scope tapping the core's leakage. It
// implements regbus.Bus.
type SimTarget struct {
	rf    *regbus.RegisterFile
	core  *AESCore
	scope *SimScope

	host    *cdc.Domain
	compute *cdc.Domain

	cancel context.CancelFunc
	wg     sync.WaitGroup
	cfg    SimTargetConfig
}

// NewSimTarget assembles the target. Call Start to begin clocking it.
func NewSimTarget(cfg SimTargetConfig) *SimTarget {
	if cfg.HostPeriod <= 0 || cfg.ComputePeriod <= 0 {
		def := DefaultSimTargetConfig()
		if cfg.HostPeriod <= 0 {
			cfg.HostPeriod = def.HostPeriod
		}
		if cfg.ComputePeriod <= 0 {
			cfg.ComputePeriod = def.ComputePeriod
		}
	}

	var busy cdc.Wire
	var out cdc.WordWire[regbus.Block]

	rf := regbus.NewRegisterFile(&busy, &out)
	scope := NewSimScope()
	core := NewAESCore(rf, &busy, &out, cfg.Latency, scope.tap)

	return &SimTarget{
		rf:      rf,
		core:    core,
		scope:   scope,
		host:    cdc.NewDomain("host", rf),
		compute: cdc.NewDomain("compute", core),
		cfg:     cfg,
	}
}

// Start free-runs both clock domains until Close or context cancellation.
func (t *SimTarget) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.host.Run(ctx, t.cfg.HostPeriod)
	}()
	go func() {
		defer t.wg.Done()
		t.compute.Run(ctx, t.cfg.ComputePeriod)
	}()
}

// Close stops both clocks and waits for them to halt.
func (t *SimTarget) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

// Scope returns the simulated measurement instrument attached to the core.
func (t *SimTarget) Scope() *SimScope { return t.scope }

// ReadByte implements regbus.Bus.
func (t *SimTarget) ReadByte(addr uint8, off int) (byte, error) {
	return t.rf.ReadByte(addr, off)
}

// WriteByte implements regbus.Bus.
func (t *SimTarget) WriteByte(addr uint8, off int, b byte) error {
	return t.rf.WriteByte(addr, off, b)
}
