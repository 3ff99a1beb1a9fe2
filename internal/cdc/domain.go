package cdc

import (
	"context"
	"sync/atomic"
	"time"
)

// Tickable is one clocked state machine inside a domain.
type Tickable interface {
	Tick()
}

// TickFunc adapts a function to the Tickable interface.
type TickFunc func()

// Tick calls f.
func (f TickFunc) Tick() { f() }

// Domain is a named clock domain: an ordered set of Tickables advanced
// together, one tick per clock cycle. Domains never share Tickables; all
// communication between them goes through Wire values and synchronizers.
//
// A domain must have a single driver: either deterministic stepping via Step
// (tests) or one goroutine calling Run (live simulation), never both.
type Domain struct {
	name   string
	ticks  []Tickable
	cycles atomic.Uint64
}

// NewDomain creates a clock domain with the given members.
func NewDomain(name string, ticks ...Tickable) *Domain {
	return &Domain{name: name, ticks: ticks}
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Add registers another state machine. Must not be called once the domain
// is being clocked.
func (d *Domain) Add(t Tickable) { d.ticks = append(d.ticks, t) }

// Step advances the domain by n clock cycles.
func (d *Domain) Step(n int) {
	for i := 0; i < n; i++ {
		for _, t := range d.ticks {
			t.Tick()
		}
		d.cycles.Add(1)
	}
}

// Cycles returns the number of cycles elapsed since creation. Safe to read
// from any goroutine.
func (d *Domain) Cycles() uint64 { return d.cycles.Load() }

// Run free-runs the domain clock at the given period until the context is
// cancelled. It blocks; callers start it in its own goroutine. The period is
// a wall-clock stand-in for the domain's oscillator and has no fixed phase
// relationship to any other domain's.
func (d *Domain) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Step(1)
		}
	}
}
