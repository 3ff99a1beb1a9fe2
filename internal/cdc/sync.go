package cdc

// BitSync is a two-stage synchronizer for a level Wire. The owning domain
// calls Tick once per clock; a change on the wire becomes visible on Out no
// sooner than one tick later and is guaranteed visible after two. All fields
// besides the wire itself are local to the owning domain.
type BitSync struct {
	wire   *Wire
	s1, s2 bool
}

// NewBitSync returns a synchronizer sampling the given wire.
func NewBitSync(w *Wire) *BitSync {
	return &BitSync{wire: w}
}

// Tick advances the synchronizer by one destination clock cycle.
func (s *BitSync) Tick() {
	s.s2 = s.s1
	s.s1 = s.wire.sample()
}

// Out reports the synchronized level as of the last Tick.
func (s *BitSync) Out() bool { return s.s2 }

// WordSync is the two-stage synchronizer for a WordWire. Same contract as
// BitSync: the destination domain only ever sees whole words, two ticks
// stale at worst.
type WordSync[T any] struct {
	wire   *WordWire[T]
	s1, s2 T
}

// NewWordSync returns a synchronizer sampling the given word wire.
func NewWordSync[T any](w *WordWire[T]) *WordSync[T] {
	return &WordSync[T]{wire: w}
}

// Tick advances the synchronizer by one destination clock cycle.
func (s *WordSync[T]) Tick() {
	s.s2 = s.s1
	s.s1 = s.wire.sample()
}

// Out returns the synchronized word as of the last Tick.
func (s *WordSync[T]) Out() T { return s.s2 }
