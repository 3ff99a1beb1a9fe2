package cdc

import "sync/atomic"

// PulseSync transfers a single-cycle event from a source clock domain to a
// destination clock domain using a four-phase request/acknowledge handshake:
//
//  1. Signal latches an internal request flag while the synchronizer is idle
//     and raises the request wire.
//  2. The destination samples the request through a two-stage BitSync; a
//     rising edge on the synchronized request produces exactly one output
//     pulse, and the sampled level is fed back as the acknowledge wire.
//  3. The source samples acknowledge through its own two-stage BitSync and
//     clears the request once it is observed.
//  4. When acknowledge falls again the synchronizer is idle and ready for
//     the next event.
//
// Caveat for callers: an event signaled while a transfer is in flight is
// dropped, not queued. At most one event is in flight at a time; callers
// must space events at least one round trip apart or accept coalescing.
// There is no error path at this layer; Dropped counts the losses.
type PulseSync struct {
	name string

	req Wire
	ack Wire

	// Source-domain state: touched only by Signal and TickSource.
	pending bool
	ackSync *BitSync

	// Destination-domain state: touched only by TickDest.
	reqSync *BitSync
	prevOut bool

	dropped atomic.Uint64
}

// NewPulseSync returns an idle pulse synchronizer. The name appears in
// diagnostics only.
func NewPulseSync(name string) *PulseSync {
	ps := &PulseSync{name: name}
	ps.ackSync = NewBitSync(&ps.ack)
	ps.reqSync = NewBitSync(&ps.req)
	return ps
}

// Name returns the identifier given at construction.
func (ps *PulseSync) Name() string { return ps.name }

// Busy reports whether a transfer is in flight as seen from the source
// domain: either the request flag is held or the acknowledge has not yet
// fallen. Source domain only.
func (ps *PulseSync) Busy() bool {
	return ps.pending || ps.ackSync.Out()
}

// Signal marks a one-cycle source-domain event for transfer. It returns
// false, and the event is lost, if a previous transfer is still in flight.
// Source domain only.
func (ps *PulseSync) Signal() bool {
	if ps.Busy() {
		ps.dropped.Add(1)
		return false
	}
	ps.pending = true
	ps.req.Set(true)
	return true
}

// TickSource advances the source-domain half by one clock cycle.
func (ps *PulseSync) TickSource() {
	ps.ackSync.Tick()
	if ps.pending && ps.ackSync.Out() {
		ps.pending = false
		ps.req.Set(false)
	}
}

// TickDest advances the destination-domain half by one clock cycle and
// reports whether this cycle carries the output pulse.
func (ps *PulseSync) TickDest() bool {
	ps.reqSync.Tick()
	out := ps.reqSync.Out()
	pulse := out && !ps.prevOut
	ps.prevOut = out
	ps.ack.Set(out)
	return pulse
}

// Dropped returns the number of events lost to the at-most-one-in-flight
// rule. Safe to read from any goroutine.
func (ps *PulseSync) Dropped() uint64 { return ps.dropped.Load() }
