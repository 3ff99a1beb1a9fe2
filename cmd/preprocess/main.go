// preprocess cleans a stored capture session: it detects the encryption
// window, aligns traces to a sharp edge inside it, crops, removes baseline,
// detrends, normalizes and smooths, then writes the result back as a new
// session. Optionally renders an HTML diagnostics page comparing mean waves.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"github.com/scalab/tracecap/internal/config"
	"github.com/scalab/tracecap/internal/preprocess"
	"github.com/scalab/tracecap/internal/tracestore"
)

var (
	dbFile    = flag.String("db", "traces.db", "Path to the SQLite trace database")
	sessionID = flag.String("session", "", "Session to preprocess (default: most recent completed session)")
	htmlFile  = flag.String("html", "", "Write an HTML diagnostics page to this path")

	preSamples   = flag.Int("pre-samples", 150, "Leading samples treated as baseline for activity detection")
	smoothK      = flag.Int("smooth-k", 11, "Smoothing window for activity detection")
	threshStd    = flag.Float64("thresh-std", 3.0, "Detection threshold in std-devs above baseline activity")
	margin       = flag.Int("margin", 50, "Samples to expand the detected window on each side")
	noAlign      = flag.Bool("no-align", false, "Disable per-trace alignment")
	noDetrend    = flag.Bool("no-detrend", false, "Disable slow-trend removal")
	noNormalize  = flag.Bool("no-normalize", false, "Disable per-trace normalization")
	finalSmoothK = flag.Int("final-smooth-k", 3, "Final smoothing kernel size (1 disables)")
)

func main() {
	flag.Parse()

	store, err := tracestore.Open(*dbFile, config.DefaultStoreBatchSize)
	if err != nil {
		log.Fatalf("Failed to open trace database: %v", err)
	}
	defer store.Close()

	srcID := *sessionID
	if srcID == "" {
		srcID, err = latestCompletedSession(store)
		if err != nil {
			log.Fatalf("Failed to pick a session: %v", err)
		}
	}

	src, err := store.GetSession(srcID)
	if err != nil {
		log.Fatalf("Failed to load session: %v", err)
	}
	traces, err := store.SessionTraces(srcID)
	if err != nil {
		log.Fatalf("Failed to load traces for session %s: %v", srcID, err)
	}
	if len(traces) == 0 {
		log.Fatalf("Session %s has no traces", srcID)
	}
	log.Printf("Loaded %d traces from session %s", len(traces), srcID)

	raw := make([][]float64, len(traces))
	for i, tr := range traces {
		raw[i] = tr.Wave
	}

	params := preprocess.Params{
		PreSamples:   *preSamples,
		SmoothK:      *smoothK,
		ThreshStd:    *threshStd,
		Margin:       *margin,
		Align:        !*noAlign,
		BaselineEnd:  20,
		Detrend:      !*noDetrend,
		Normalize:    !*noNormalize,
		FinalSmoothK: *finalSmoothK,
	}
	res, err := preprocess.Run(raw, params)
	if err != nil {
		log.Fatalf("Preprocessing failed: %v", err)
	}
	log.Printf("Window [%d,%d) len=%d, ref=%d, kept %d/%d traces",
		res.Start, res.End, res.End-res.Start, res.RefIndex, len(res.Kept), len(traces))

	key, err := hex.DecodeString(src.KeyHex)
	if err != nil {
		log.Fatalf("Failed to decode session key: %v", err)
	}
	out, err := store.BeginSession(fmt.Sprintf("preprocessed from %s", srcID), key)
	if err != nil {
		log.Fatalf("Failed to begin output session: %v", err)
	}
	for i, srcIdx := range res.Kept {
		tr := traces[srcIdx]
		tr.Wave = res.Waves[i]
		if err := out.Append(tr); err != nil {
			log.Fatalf("Failed to append trace %d: %v", srcIdx, err)
		}
	}
	if err := out.Close(); err != nil {
		log.Fatalf("Failed to finalize output session: %v", err)
	}
	log.Printf("Wrote session %s: %d traces, %d samples each",
		out.ID, out.Count(), res.End-res.Start)

	if *htmlFile != "" {
		f, err := os.Create(*htmlFile)
		if err != nil {
			log.Fatalf("Failed to create diagnostics file: %v", err)
		}
		defer f.Close()
		if err := preprocess.RenderDiagnostics(f, raw, res.Waves, res.Start, res.End); err != nil {
			log.Fatalf("Failed to render diagnostics: %v", err)
		}
		log.Printf("Diagnostics written to %s", *htmlFile)
	}
}

func latestCompletedSession(store *tracestore.Store) (string, error) {
	sessions, err := store.ListSessions()
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if s.CompletedAt != nil && s.TraceCount > 0 {
			return s.SessionID, nil
		}
	}
	return "", fmt.Errorf("no completed sessions in database")
}
