package capture_test

import (
	"context"
	"testing"
	"time"

	"github.com/scalab/tracecap/internal/capture"
	"github.com/scalab/tracecap/internal/device"
)

// TestSessionAgainstSimTarget exercises the whole stack: orchestrator over
// the register bus into free-running host and compute clock domains, with
// the simulated scope on the trigger line. Every readback is validated
// against the reference encryption, so a pass means the staged word, the
// start pulse, the busy status, and the output latch all crossed correctly.
func TestSessionAgainstSimTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("live clock domains; skipped in -short")
	}

	cfg := device.DefaultSimTargetConfig()
	target := device.NewSimTarget(cfg)
	target.Start(context.Background())
	defer target.Close()

	pattern, err := capture.NewFixedKeyPattern([]byte("\x10\xa5\x88\x69\xd7\x4b\xe5\xa3\x74\xcf\x86\x7c\xfb\x47\x38\x59"))
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}

	ocfg := capture.DefaultConfig()
	ocfg.CompletionTimeout = 2 * time.Second
	// Coarse timers can stretch a domain tick toward a millisecond, so the
	// default settle grace is not enough for the handshake to cross.
	ocfg.SettleDelay = 50 * time.Millisecond
	ocfg.ReportInterval = 100
	o := capture.New(target, target.Scope(), pattern, ocfg)

	const n = 5
	var traces []*capture.TraceExt
	err = o.Run(context.Background(), n, func(i int, tr *capture.TraceExt) error {
		traces = append(traces, tr)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(traces) != n {
		t.Fatalf("captured %d traces, want %d", len(traces), n)
	}

	for i, tr := range traces {
		if len(tr.Wave) == 0 {
			t.Errorf("trace %d: empty wave", i)
		}
		if tr.TrigCount != cfg.Latency {
			t.Errorf("trace %d: TrigCount = %d, want %d", i, tr.TrigCount, cfg.Latency)
		}
	}
}
