// Package cdc models clock-domain-crossing primitives: level wires, two-stage
// synchronizers, and a four-phase pulse synchronizer. Two clock domains share
// no state except Wire values; every cross-domain signal must pass through a
// BitSync, WordSync, or PulseSync before it is acted on.
//
// The model is logical, not electrical: a Wire holds the settled value of a
// physical line, and the two-stage synchronizers provide the sampling latency
// that makes reading it safe. Metastability physics is out of scope.
package cdc

import "sync/atomic"

// Wire is a single-bit level signal crossing two clock domains. It has
// exactly one writer (the source domain); the destination domain must only
// observe it through a BitSync.
type Wire struct {
	v atomic.Bool
}

// Set drives the wire level. Source domain only.
func (w *Wire) Set(level bool) { w.v.Store(level) }

// sample reads the current line level. Destination synchronizers only.
func (w *Wire) sample() bool { return w.v.Load() }

// WordWire is a multi-byte level signal crossing two clock domains. The
// source domain replaces the whole word at once; the destination samples it
// whole through a WordSync, so it never observes a torn value. Like Wire, it
// has exactly one writer.
type WordWire[T any] struct {
	v atomic.Pointer[T]
}

// Store drives the word onto the wire. Source domain only.
func (w *WordWire[T]) Store(word T) { w.v.Store(&word) }

// sample reads the settled word, or the zero value if nothing has been
// driven yet.
func (w *WordWire[T]) sample() T {
	if p := w.v.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}
