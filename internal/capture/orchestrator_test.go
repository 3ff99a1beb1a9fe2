package capture

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/scalab/tracecap/internal/regbus"
)

// fakeBus is an always-reachable target with scriptable completion
// behaviour: it computes the correct ciphertext on every start pulse unless
// told to corrupt it, and can be wedged busy for the first N start pulses.
type fakeBus struct {
	mu sync.Mutex

	staged [regbus.WordBytes]byte
	output Block

	startWrites  int
	failStarts   int  // starts 1..failStarts never complete
	neverDone    bool // all starts never complete
	busyPolls    int  // busy reads returned per successful start
	busyLeft     int
	stuck        bool
	corruptByte  int // index of output byte to flip, -1 for none
	resetWrites  int
	unmappedHits int
}

func newFakeBus() *fakeBus {
	return &fakeBus{busyPolls: 2, corruptByte: -1}
}

func (f *fakeBus) WriteByte(addr uint8, off int, b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch addr {
	case regbus.RegInput:
		f.staged[regbus.InputOffset+off] = b
	case regbus.RegKey:
		f.staged[regbus.KeyOffset+off] = b
	case regbus.RegStart:
		f.startWrites++
		if f.neverDone || f.startWrites <= f.failStarts {
			f.stuck = true
			return nil
		}
		f.stuck = false
		f.busyLeft = f.busyPolls
		var key, pt Block
		copy(key[:], f.staged[regbus.KeyOffset:regbus.KeyOffset+regbus.RegDataLen])
		copy(pt[:], f.staged[regbus.InputOffset:regbus.InputOffset+regbus.RegDataLen])
		ct, err := encryptBlock(key, pt)
		if err != nil {
			return err
		}
		copy(f.output[:], ct)
		if f.corruptByte >= 0 {
			f.output[f.corruptByte] ^= 0xff
		}
	case regbus.RegReset:
		f.resetWrites++
	default:
		f.unmappedHits++
	}
	return nil
}

func (f *fakeBus) ReadByte(addr uint8, off int) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch addr {
	case regbus.RegStart:
		if f.stuck {
			return 0x01, nil
		}
		if f.busyLeft > 0 {
			f.busyLeft--
			return 0x01, nil
		}
		return 0x00, nil
	case regbus.RegOutput:
		return f.output[off], nil
	}
	return 0x00, nil
}

// fakeScope hands back a canned wave; arming can be made to fail.
type fakeScope struct {
	wave     []float64
	trig     int
	armFails int
	armCalls int
}

func (s *fakeScope) Arm(context.Context) error {
	s.armCalls++
	if s.armCalls <= s.armFails {
		return errors.New("instrument not ready")
	}
	return nil
}

func (s *fakeScope) WaitTrace(context.Context) ([]float64, error) { return s.wave, nil }
func (s *fakeScope) TrigCount() int                               { return s.trig }

// countingPattern wraps a record and counts how often it is asked for one.
type countingPattern struct {
	rec   DutIO
	calls int
}

func (p *countingPattern) Next(int) (DutIO, error) {
	p.calls++
	return p.rec, nil
}

func fastConfig() Config {
	return Config{
		PollInterval:      200 * time.Microsecond,
		CompletionTimeout: 20 * time.Millisecond,
		SettleDelay:       100 * time.Microsecond,
		MaxAttempts:       3,
		AverageOver:       1,
		ArmRetries:        3,
		ReportInterval:    1000,
	}
}

func testRecord(t *testing.T) DutIO {
	t.Helper()
	var rec DutIO
	copy(rec.Key[:], "0123456789abcdef")
	copy(rec.Input[:], "fedcba9876543210")
	expected, err := encryptBlock(rec.Key, rec.Input)
	if err != nil {
		t.Fatalf("reference encrypt: %v", err)
	}
	rec.Expected = expected
	return rec
}

func TestAcquireProducesValidatedTrace(t *testing.T) {
	bus := newFakeBus()
	scope := &fakeScope{wave: []float64{1, 2, 3}, trig: 12}
	rec := testRecord(t)
	o := New(bus, scope, &SequencePattern{Records: []DutIO{rec}}, fastConfig())

	trace, err := o.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if trace.DutIO.Key != rec.Key || trace.DutIO.Input != rec.Input {
		t.Error("trace does not carry the record that produced it")
	}
	if trace.TrigCount != 12 {
		t.Errorf("TrigCount = %d, want 12", trace.TrigCount)
	}
	if len(trace.Wave) != 3 {
		t.Errorf("wave length = %d, want 3", len(trace.Wave))
	}
	if o.State() != StateIdle {
		t.Errorf("state after Acquire = %v, want IDLE", o.State())
	}
}

func TestRunYieldsExactlyNInOrder(t *testing.T) {
	const n = 8
	records := make([]DutIO, n)
	for i := range records {
		var rec DutIO
		copy(rec.Key[:], "kkkkkkkkkkkkkkkk")
		rec.Input[0] = byte(i)
		records[i] = rec
	}

	bus := newFakeBus()
	o := New(bus, nil, &SequencePattern{Records: records}, fastConfig())

	var got []*TraceExt
	err := o.Run(context.Background(), n, func(i int, tr *TraceExt) error {
		if i != len(got) {
			t.Errorf("sink called with index %d, want %d", i, len(got))
		}
		got = append(got, tr)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != n {
		t.Fatalf("captured %d traces, want %d", len(got), n)
	}
	for i, tr := range got {
		if !reflect.DeepEqual(tr.DutIO, records[i]) {
			t.Errorf("trace %d carries wrong record", i)
		}
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	bus := newFakeBus()
	bus.neverDone = true
	cfg := fastConfig()
	o := New(bus, nil, &countingPattern{rec: testRecord(t)}, cfg)

	started := time.Now()
	trace, err := o.Acquire(context.Background(), 0)
	elapsed := time.Since(started)

	if trace != nil {
		t.Fatal("timeout produced a partial trace")
	}
	if !errors.Is(err, ErrCompletionTimeout) {
		t.Fatalf("error = %v, want ErrCompletionTimeout", err)
	}
	if bus.startWrites != cfg.MaxAttempts {
		t.Errorf("start pulses = %d, want %d (one per attempt)", bus.startWrites, cfg.MaxAttempts)
	}
	if want := time.Duration(cfg.MaxAttempts) * cfg.CompletionTimeout; elapsed < want {
		t.Errorf("failed after %v, want at least attempts x timeout = %v", elapsed, want)
	}
	if o.State() != StateIdle {
		t.Errorf("state after failure = %v, want IDLE", o.State())
	}

	// The failure is terminal for that acquisition only.
	bus.neverDone = false
	bus.stuck = false
	if _, err := o.Acquire(context.Background(), 1); err != nil {
		t.Errorf("Acquire after timeout failure: %v", err)
	}
}

func TestMismatchIsDistinctAndNotRetried(t *testing.T) {
	bus := newFakeBus()
	bus.corruptByte = 5
	o := New(bus, nil, &countingPattern{rec: testRecord(t)}, fastConfig())

	trace, err := o.Acquire(context.Background(), 0)
	if trace != nil {
		t.Fatal("mismatch produced a trace with wrong data")
	}
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want MismatchError", err)
	}
	if errors.Is(err, ErrCompletionTimeout) {
		t.Error("mismatch must not be a timeout")
	}
	if bytes.Equal(mismatch.Expected, mismatch.Got) {
		t.Error("MismatchError carries equal expected/got")
	}
	if bus.startWrites != 1 {
		t.Errorf("start pulses = %d, want 1 (mismatch is not retried)", bus.startWrites)
	}
}

func TestRetryPolicyControlsRecordRegeneration(t *testing.T) {
	for _, tc := range []struct {
		policy    RetryPolicy
		wantCalls int
	}{
		{RetryReuse, 1},
		{RetryRegenerate, 2},
	} {
		bus := newFakeBus()
		bus.failStarts = 1 // first attempt times out, second completes
		pattern := &countingPattern{rec: testRecord(t)}
		cfg := fastConfig()
		cfg.RetryPolicy = tc.policy
		o := New(bus, nil, pattern, cfg)

		if _, err := o.Acquire(context.Background(), 0); err != nil {
			t.Fatalf("policy %v: Acquire: %v", tc.policy, err)
		}
		if pattern.calls != tc.wantCalls {
			t.Errorf("policy %v: pattern.Next called %d times, want %d", tc.policy, pattern.calls, tc.wantCalls)
		}
	}
}

func TestArmRetriesAndSkip(t *testing.T) {
	// Two arm failures inside the retry budget still yield a trace.
	bus := newFakeBus()
	scope := &fakeScope{wave: []float64{1}, armFails: 2}
	o := New(bus, scope, &countingPattern{rec: testRecord(t)}, fastConfig())
	if _, err := o.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("Acquire with flaky arming: %v", err)
	}

	// A scope that never arms fails the acquisition...
	scope = &fakeScope{armFails: 1 << 30}
	o = New(bus, scope, &countingPattern{rec: testRecord(t)}, fastConfig())
	if _, err := o.Acquire(context.Background(), 0); !errors.Is(err, ErrArmFailed) {
		t.Fatalf("error = %v, want ErrArmFailed", err)
	}

	// ...and Run either aborts or skips, per config.
	cfg := fastConfig()
	o = New(bus, &fakeScope{armFails: 1 << 30}, &countingPattern{rec: testRecord(t)}, cfg)
	if err := o.Run(context.Background(), 2, nil); !errors.Is(err, ErrArmFailed) {
		t.Errorf("Run without skip = %v, want ErrArmFailed", err)
	}

	cfg.SkipOnArmFail = true
	sunk := 0
	o = New(bus, &fakeScope{armFails: 1 << 30}, &countingPattern{rec: testRecord(t)}, cfg)
	err := o.Run(context.Background(), 2, func(int, *TraceExt) error {
		sunk++
		return nil
	})
	if err != nil {
		t.Errorf("Run with skip = %v, want nil", err)
	}
	if sunk != 0 {
		t.Errorf("sink received %d traces from unarmed scope, want 0", sunk)
	}
}

func TestAcquireCancellable(t *testing.T) {
	bus := newFakeBus()
	bus.neverDone = true
	cfg := fastConfig()
	cfg.CompletionTimeout = 10 * time.Second

	o := New(bus, nil, &countingPattern{rec: testRecord(t)}, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := o.Acquire(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context deadline", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Error("cancellation did not interrupt the wait")
	}
}

func TestAverageOverAveragesWaves(t *testing.T) {
	bus := newFakeBus()
	scope := &fakeScope{wave: []float64{2, 4, 6}}
	cfg := fastConfig()
	cfg.AverageOver = 4

	o := New(bus, scope, &countingPattern{rec: testRecord(t)}, cfg)
	trace, err := o.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	want := []float64{2, 4, 6}
	if len(trace.Wave) != len(want) {
		t.Fatalf("wave length = %d, want %d", len(trace.Wave), len(want))
	}
	for i := range want {
		if trace.Wave[i] != want[i] {
			t.Errorf("wave[%d] = %v, want %v", i, trace.Wave[i], want[i])
		}
	}
	if bus.startWrites != 4 {
		t.Errorf("start pulses = %d, want 4 (one per repetition)", bus.startWrites)
	}
}

func TestResetTarget(t *testing.T) {
	bus := newFakeBus()
	o := New(bus, nil, &countingPattern{rec: testRecord(t)}, fastConfig())
	if err := o.ResetTarget(context.Background()); err != nil {
		t.Fatalf("ResetTarget: %v", err)
	}
	if bus.resetWrites != 1 {
		t.Errorf("reset pulses = %d, want 1", bus.resetWrites)
	}
}

func TestMeanWaveTruncatesToShortest(t *testing.T) {
	got := meanWave([][]float64{
		{1, 3, 5, 7},
		{3, 5, 7},
	})
	want := []float64{2, 4, 6}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mean[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if meanWave(nil) != nil {
		t.Error("meanWave(nil) should be nil")
	}
}
