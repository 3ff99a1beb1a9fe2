package device

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotArmed is returned when a trace is requested from a scope that was
// never armed for the acquisition.
var ErrNotArmed = errors.New("device: scope not armed")

// SimScope is the simulated measurement instrument. It taps the compute
// core's per-cycle leakage while armed and reports the busy line's duration
// in compute cycles as the trigger count, which is the boundary the
// acquisition loop reads it at.
type SimScope struct {
	mu       sync.Mutex
	armed    bool
	samples  []float64
	trig     int
	sawBusy  bool
	busyFell bool

	lastTrig int
}

// NewSimScope returns a disarmed scope.
func NewSimScope() *SimScope {
	return &SimScope{}
}

// tap receives one sample per compute-domain cycle while the target runs.
func (s *SimScope) tap(sample float64, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return
	}
	s.samples = append(s.samples, sample)
	if busy {
		s.trig++
		s.sawBusy = true
	} else if s.sawBusy {
		s.busyFell = true
	}
}

// Arm clears the previous acquisition and starts capturing. Arming always
// succeeds on the simulated instrument; the context matches the external
// scope contract, where arming can take time and fail.
func (s *SimScope) Arm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.samples = nil
	s.trig = 0
	s.sawBusy = false
	s.busyFell = false
	return nil
}

// WaitTrace blocks until the trigger window has opened and closed (the busy
// line rose and fell) and returns the captured wave. The context bounds the
// wait.
func (s *SimScope) WaitTrace(ctx context.Context) ([]float64, error) {
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()
	if !armed {
		return nil, ErrNotArmed
	}

	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.busyFell {
			wave := make([]float64, len(s.samples))
			copy(wave, s.samples)
			s.lastTrig = s.trig
			s.armed = false
			s.mu.Unlock()
			return wave, nil
		}
		s.mu.Unlock()
	}
}

// TrigCount reports how many compute cycles the busy line was high during
// the last completed acquisition.
func (s *SimScope) TrigCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTrig
}
