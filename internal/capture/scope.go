package capture

import "context"

// Scope is the boundary of the external measurement subsystem. The
// orchestrator arms it before each start pulse, collects the captured wave
// after completion, and reads the trigger window duration in cycles. What
// the instrument does inside its acquisition window is not this package's
// concern.
type Scope interface {
	// Arm prepares the instrument to capture the next trigger window.
	Arm(ctx context.Context) error
	// WaitTrace blocks until the acquisition completes and returns the
	// captured wave. The context bounds the wait.
	WaitTrace(ctx context.Context) ([]float64, error)
	// TrigCount reports the busy/active signal duration, in cycles, of
	// the last completed acquisition.
	TrigCount() int
}

// NopScope is a Scope for bus-only sessions with no instrument attached: it
// arms instantly and returns empty waves.
type NopScope struct{}

// Arm implements Scope.
func (NopScope) Arm(context.Context) error { return nil }

// WaitTrace implements Scope.
func (NopScope) WaitTrace(context.Context) ([]float64, error) { return nil, nil }

// TrigCount implements Scope.
func (NopScope) TrigCount() int { return 0 }
