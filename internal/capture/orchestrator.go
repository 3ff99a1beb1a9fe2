package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/scalab/tracecap/internal/regbus"
)

// RetryPolicy selects what happens to the input record when a completion
// timeout triggers a retry.
type RetryPolicy int

const (
	// RetryReuse retries the same record. This is the default: the
	// original capture loop drives one record through all repetitions of
	// an acquisition.
	RetryReuse RetryPolicy = iota
	// RetryRegenerate asks the pattern for a fresh record on each retry.
	RetryRegenerate
)

// ParseRetryPolicy parses "reuse" or "regenerate".
func ParseRetryPolicy(s string) (RetryPolicy, error) {
	switch s {
	case "reuse":
		return RetryReuse, nil
	case "regenerate":
		return RetryRegenerate, nil
	}
	return 0, fmt.Errorf("unknown retry policy %q (want reuse or regenerate)", s)
}

func (p RetryPolicy) String() string {
	if p == RetryRegenerate {
		return "regenerate"
	}
	return "reuse"
}

// State is the orchestrator's position in the acquisition cycle.
type State int

const (
	StateIdle State = iota
	StateStageInput
	StateStart
	StateAwaitComplete
	StateReadback
	StateValidate
	StateComplete
	StateRetry
	StateFailed
)

var stateNames = [...]string{
	"IDLE", "STAGE_INPUT", "START", "AWAIT_COMPLETE",
	"READBACK", "VALIDATE", "COMPLETE", "RETRY", "FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config tunes the acquisition loop. Zero fields take defaults.
type Config struct {
	// PollInterval is how often AWAIT_COMPLETE samples the busy status.
	PollInterval time.Duration
	// CompletionTimeout bounds one AWAIT_COMPLETE (and one scope read).
	CompletionTimeout time.Duration
	// SettleDelay is inserted after staging writes and after the start
	// pulse. It covers synchronizer settling latency: the protocol does
	// not order staged-word visibility against the start pulse, the
	// caller's pacing does.
	SettleDelay time.Duration
	// MaxAttempts bounds completion-timeout retries per acquisition.
	MaxAttempts int
	// RetryPolicy picks record reuse vs regeneration on retry.
	RetryPolicy RetryPolicy
	// AverageOver repeats each record this many times and averages the
	// captured waves.
	AverageOver int
	// ArmRetries bounds scope arming attempts per repetition.
	ArmRetries int
	// SkipOnArmFail makes Run log and skip a trace whose scope never
	// armed instead of aborting the session.
	SkipOnArmFail bool
	// ReportInterval is the progress logging stride of Run, in traces.
	ReportInterval int
}

// DefaultConfig returns the tuning used against the built-in simulated
// target.
func DefaultConfig() Config {
	return Config{
		PollInterval:      500 * time.Microsecond,
		CompletionTimeout: time.Second,
		SettleDelay:       time.Millisecond,
		MaxAttempts:       3,
		RetryPolicy:       RetryReuse,
		AverageOver:       1,
		ArmRetries:        3,
		ReportInterval:    500,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = def.CompletionTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.AverageOver <= 0 {
		c.AverageOver = def.AverageOver
	}
	if c.ArmRetries <= 0 {
		c.ArmRetries = def.ArmRetries
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = def.ReportInterval
	}
	return c
}

// Orchestrator sequences acquisitions against one target. It is strictly
// sequential: one acquisition completes or fails before the next begins, and
// no concurrent use against the same target is supported. Serialization
// across processes is someone else's job (an advisory device lock); the
// orchestrator assumes exclusive access.
type Orchestrator struct {
	bus     regbus.Bus
	scope   Scope
	pattern Pattern
	cfg     Config
	state   State
}

// New builds an orchestrator. A nil scope runs bus-only with NopScope.
func New(bus regbus.Bus, scope Scope, pattern Pattern, cfg Config) *Orchestrator {
	if scope == nil {
		scope = NopScope{}
	}
	return &Orchestrator{
		bus:     bus,
		scope:   scope,
		pattern: pattern,
		cfg:     cfg.withDefaults(),
		state:   StateIdle,
	}
}

// State reports the current position in the acquisition cycle. Meaningful
// only from the goroutine driving the orchestrator.
func (o *Orchestrator) State() State { return o.state }

// Acquire runs one full acquisition for the given trace index and returns
// exactly one trace, or an error with no partial trace. Whatever happens,
// the orchestrator is back in IDLE afterwards and ready for the next index.
func (o *Orchestrator) Acquire(ctx context.Context, traceIndex int) (*TraceExt, error) {
	defer func() { o.state = StateIdle }()

	o.state = StateStageInput
	rec, err := o.pattern.Next(traceIndex)
	if err != nil {
		o.state = StateFailed
		return nil, fmt.Errorf("next record for trace %d: %w", traceIndex, err)
	}

	reps := o.cfg.AverageOver
	waves := make([][]float64, 0, reps)
	trig := 0
	for rep := 0; rep < reps; rep++ {
		wave, tc, err := o.acquireOnce(ctx, &rec, traceIndex)
		if err != nil {
			o.state = StateFailed
			return nil, err
		}
		waves = append(waves, wave)
		trig = tc
	}

	o.state = StateComplete
	return &TraceExt{Wave: meanWave(waves), DutIO: rec, TrigCount: trig}, nil
}

// acquireOnce drives one repetition through STAGE_INPUT, START,
// AWAIT_COMPLETE, READBACK and VALIDATE, retrying timeouts up to the
// configured attempt count. rec may be replaced when the retry policy
// regenerates.
func (o *Orchestrator) acquireOnce(ctx context.Context, rec *DutIO, traceIndex int) ([]float64, int, error) {
	for attempt := 1; ; attempt++ {
		o.state = StateStageInput
		if err := o.stage(*rec); err != nil {
			return nil, 0, err
		}
		// Let the staged word settle across the domain crossing before
		// the start pulse can possibly be observed.
		if err := sleepCtx(ctx, o.cfg.SettleDelay); err != nil {
			return nil, 0, err
		}

		o.state = StateStart
		if err := o.armScope(ctx); err != nil {
			return nil, 0, err
		}
		if err := o.bus.WriteByte(regbus.RegStart, 0, 0x01); err != nil {
			return nil, 0, fmt.Errorf("start pulse: %w", err)
		}
		// Grace for the start pulse to cross before polling: a done
		// status read before the pulse arrives would be a stale done.
		if err := sleepCtx(ctx, o.cfg.SettleDelay); err != nil {
			return nil, 0, err
		}

		o.state = StateAwaitComplete
		err := o.awaitDone(ctx)
		if errors.Is(err, ErrCompletionTimeout) {
			if attempt >= o.cfg.MaxAttempts {
				return nil, 0, fmt.Errorf("trace %d after %d attempts: %w", traceIndex, attempt, ErrCompletionTimeout)
			}
			o.state = StateRetry
			if o.cfg.RetryPolicy == RetryRegenerate {
				next, nerr := o.pattern.Next(traceIndex)
				if nerr != nil {
					return nil, 0, fmt.Errorf("regenerate record for trace %d: %w", traceIndex, nerr)
				}
				*rec = next
			}
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		o.state = StateReadback
		out, err := regbus.ReadReg(o.bus, regbus.RegOutput, regbus.RegDataLen)
		if err != nil {
			return nil, 0, fmt.Errorf("read output: %w", err)
		}
		waveCtx, cancel := context.WithTimeout(ctx, o.cfg.CompletionTimeout)
		wave, err := o.scope.WaitTrace(waveCtx)
		cancel()
		if err != nil {
			return nil, 0, fmt.Errorf("scope capture: %w", err)
		}
		trig := o.scope.TrigCount()

		o.state = StateValidate
		if rec.Expected != nil && !bytes.Equal(out, rec.Expected) {
			return nil, 0, &MismatchError{Expected: rec.Expected, Got: out}
		}
		return wave, trig, nil
	}
}

// stage writes the record's input and key bytes through the bus.
func (o *Orchestrator) stage(rec DutIO) error {
	if err := regbus.WriteReg(o.bus, regbus.RegInput, rec.Input[:]); err != nil {
		return fmt.Errorf("stage input: %w", err)
	}
	if err := regbus.WriteReg(o.bus, regbus.RegKey, rec.Key[:]); err != nil {
		return fmt.Errorf("stage key: %w", err)
	}
	return nil
}

// armScope arms the measurement instrument, retrying per config.
func (o *Orchestrator) armScope(ctx context.Context) error {
	var last error
	for i := 0; i < o.cfg.ArmRetries; i++ {
		err := o.scope.Arm(ctx)
		if err == nil {
			return nil
		}
		last = err
		if err := sleepCtx(ctx, o.cfg.SettleDelay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrArmFailed, o.cfg.ArmRetries, last)
}

// awaitDone polls the busy status until done or CompletionTimeout. This is
// the only blocking point in the loop, and it is bounded.
func (o *Orchestrator) awaitDone(ctx context.Context) error {
	deadline := time.Now().Add(o.cfg.CompletionTimeout)
	for {
		v, err := o.bus.ReadByte(regbus.RegStart, 0)
		if err != nil {
			return fmt.Errorf("busy poll: %w", err)
		}
		if v != 0x01 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrCompletionTimeout
		}
		if err := sleepCtx(ctx, o.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// ResetTarget pulses RESET and waits out the settling latency, placing the
// compute unit in a known idle state before a session.
func (o *Orchestrator) ResetTarget(ctx context.Context) error {
	if err := o.bus.WriteByte(regbus.RegReset, 0, 0x01); err != nil {
		return fmt.Errorf("reset pulse: %w", err)
	}
	return sleepCtx(ctx, o.cfg.SettleDelay)
}

// Run captures n traces, indexes 0..n-1, handing each to sink as it
// completes. Any acquisition failure aborts the session, except that arming
// failures are skipped when the config says so.
func (o *Orchestrator) Run(ctx context.Context, n int, sink func(traceIndex int, trace *TraceExt) error) error {
	trigCounts := make(map[int]struct{})
	captured := 0
	for i := 0; i < n; i++ {
		if i%o.cfg.ReportInterval == 0 {
			log.Printf("captured %d/%d traces", i, n)
		}
		trace, err := o.Acquire(ctx, i)
		if err != nil {
			if o.cfg.SkipOnArmFail && errors.Is(err, ErrArmFailed) {
				log.Printf("trace %d: %v; skipping", i, err)
				continue
			}
			return fmt.Errorf("trace %d: %w", i, err)
		}
		if sink != nil {
			if err := sink(i, trace); err != nil {
				return fmt.Errorf("sink trace %d: %w", i, err)
			}
		}
		trigCounts[trace.TrigCount] = struct{}{}
		captured++
	}
	log.Printf("captured %d/%d traces, %d distinct trigger counts", captured, n, len(trigCounts))
	return nil
}

// meanWave averages waves sample-wise, truncating to the shortest capture.
func meanWave(waves [][]float64) []float64 {
	switch len(waves) {
	case 0:
		return nil
	case 1:
		return waves[0]
	}
	minLen := len(waves[0])
	for _, w := range waves[1:] {
		if len(w) < minLen {
			minLen = len(w)
		}
	}
	if minLen == 0 {
		return nil
	}
	acc := make([]float64, minLen)
	for _, w := range waves {
		floats.Add(acc, w[:minLen])
	}
	floats.Scale(1/float64(len(waves)), acc)
	return acc
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
