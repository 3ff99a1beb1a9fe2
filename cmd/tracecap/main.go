// tracecap drives a capture session against an AES target: it stages
// plaintext and key over the register bus, fires encryption runs, validates
// ciphertexts and persists the captured waves to SQLite. Without -serial it
// runs against the built-in simulated target.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/scalab/tracecap/internal/capture"
	"github.com/scalab/tracecap/internal/config"
	"github.com/scalab/tracecap/internal/device"
	"github.com/scalab/tracecap/internal/regbus"
	"github.com/scalab/tracecap/internal/tracestore"
)

var (
	numTraces   = flag.Int("n", 5000, "Number of traces to capture")
	dbFile      = flag.String("db", "traces.db", "Path to the SQLite trace database")
	configFile  = flag.String("config", "", "Path to a capture config JSON file (optional)")
	description = flag.String("desc", "", "Session description stored with the traces")
	serialPort  = flag.String("serial", "", "Serial device of the capture board (default: built-in simulated target)")
	baudRate    = flag.Int("baud", regbus.DefaultBaudRate, "Serial baud rate")
	keyHex      = flag.String("key", "10a58869d74be5a374cf867cfb473859", "Fixed AES-128 key (hex)")
)

func main() {
	flag.Parse()

	if *numTraces <= 0 {
		log.Fatal("trace count must be positive")
	}

	captureCfg := config.EmptyCaptureConfig()
	if *configFile != "" {
		var err error
		captureCfg, err = config.LoadCaptureConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load capture config: %v", err)
		}
		log.Printf("Loaded capture config from %s", *configFile)
	}
	cfg, err := captureCfg.Resolve()
	if err != nil {
		log.Fatalf("Invalid capture config: %v", err)
	}

	key, err := hex.DecodeString(*keyHex)
	if err != nil {
		log.Fatalf("Invalid key hex: %v", err)
	}
	pattern, err := capture.NewFixedKeyPattern(key)
	if err != nil {
		log.Fatalf("Failed to build input pattern: %v", err)
	}

	store, err := tracestore.Open(*dbFile, captureCfg.GetStoreBatchSize())
	if err != nil {
		log.Fatalf("Failed to open trace database: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bus regbus.Bus
	var scope capture.Scope
	if *serialPort != "" {
		serialBus, err := regbus.OpenSerialBus(*serialPort, *baudRate)
		if err != nil {
			log.Fatalf("Failed to open serial bus on %s: %v", *serialPort, err)
		}
		defer serialBus.Close()
		log.Printf("Using capture board on %s at %d baud", *serialPort, *baudRate)
		bus = serialBus
		// Trace collection over serial relies on an external scope; runs
		// still validate ciphertexts and exercise the full handshake.
		scope = capture.NopScope{}
	} else {
		target := device.NewSimTarget(device.DefaultSimTargetConfig())
		target.Start(ctx)
		defer target.Close()
		log.Print("Using built-in simulated target")
		bus = target
		scope = target.Scope()
	}

	orch := capture.New(bus, scope, pattern, cfg)
	if err := orch.ResetTarget(ctx); err != nil {
		log.Fatalf("Failed to reset target: %v", err)
	}

	session, err := store.BeginSession(*description, key)
	if err != nil {
		log.Fatalf("Failed to begin session: %v", err)
	}
	log.Printf("Capture session %s: %d traces to %s", session.ID, *numTraces, *dbFile)

	runErr := orch.Run(ctx, *numTraces, func(traceIndex int, trace *capture.TraceExt) error {
		return session.Append(*trace)
	})
	if err := session.Close(); err != nil {
		log.Fatalf("Failed to finalize session %s: %v", session.ID, err)
	}
	if runErr != nil {
		log.Fatalf("Capture run failed after %d traces: %v", session.Count(), runErr)
	}
	log.Printf("Session %s complete: %d traces stored", session.ID, session.Count())
}
