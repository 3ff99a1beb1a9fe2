// Package capture drives the acquisition loop against a target on the
// register bus: stage one input record, pulse START, wait for completion
// under a timeout, read the result back, validate it, and hand the caller
// one trace per invocation.
package capture

import (
	"crypto/aes"
	"crypto/rand"
	"fmt"

	"github.com/scalab/tracecap/internal/regbus"
)

// Block is one 16-byte register value.
type Block = regbus.Block

// DutIO is the input record for one execution of the compute unit: a key
// and an input block, plus optionally the output the caller expects back.
// Records are created fresh per acquisition and never mutated afterwards.
type DutIO struct {
	Key   Block
	Input Block

	// Expected, when non-nil, enables byte-for-byte output validation.
	Expected []byte
}

// TraceExt is the result of one acquisition: the captured wave, the record
// that produced it, and the trigger duration in compute cycles observed by
// the measurement subsystem. Ownership passes to the caller.
type TraceExt struct {
	Wave      []float64
	DutIO     DutIO
	TrigCount int
}

// Pattern produces the next input record for a monotonically increasing
// trace index. Implementations must be deterministic in their key material
// but are free to randomize inputs.
type Pattern interface {
	Next(traceIndex int) (DutIO, error)
}

// FixedKeyPattern generates records with a fixed key and a fresh random
// input block per record, with the expected ciphertext precomputed so the
// orchestrator validates every readback.
type FixedKeyPattern struct {
	key Block
}

// NewFixedKeyPattern returns a pattern over the given 16-byte key.
func NewFixedKeyPattern(key []byte) (*FixedKeyPattern, error) {
	if len(key) != regbus.RegDataLen {
		return nil, fmt.Errorf("fixed key must be %d bytes, got %d", regbus.RegDataLen, len(key))
	}
	p := &FixedKeyPattern{}
	copy(p.key[:], key)
	return p, nil
}

// Next implements Pattern.
func (p *FixedKeyPattern) Next(int) (DutIO, error) {
	rec := DutIO{Key: p.key}
	if _, err := rand.Read(rec.Input[:]); err != nil {
		return DutIO{}, fmt.Errorf("generate random input: %w", err)
	}
	expected, err := encryptBlock(rec.Key, rec.Input)
	if err != nil {
		return DutIO{}, err
	}
	rec.Expected = expected
	return rec, nil
}

// SequencePattern replays a fixed list of records by trace index, for
// deterministic sessions and tests.
type SequencePattern struct {
	Records []DutIO
}

// Next implements Pattern.
func (p *SequencePattern) Next(traceIndex int) (DutIO, error) {
	if traceIndex < 0 || traceIndex >= len(p.Records) {
		return DutIO{}, fmt.Errorf("no record for trace index %d (have %d)", traceIndex, len(p.Records))
	}
	return p.Records[traceIndex], nil
}

// encryptBlock is the reference AES-128-ECB single-block encryption used for
// expected-output computation.
func encryptBlock(key, pt Block) ([]byte, error) {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("reference key schedule: %w", err)
	}
	ct := make([]byte, regbus.RegDataLen)
	c.Encrypt(ct, pt[:])
	return ct, nil
}
