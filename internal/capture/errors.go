package capture

import (
	"errors"
	"fmt"
)

// Reported failure kinds. Protocol-level drops and unmapped-address accesses
// are silent by design; everything surfaced here is an orchestration-level
// failure the caller must see.
var (
	// ErrCompletionTimeout means the target never reported done within the
	// configured timeout, across all retry attempts.
	ErrCompletionTimeout = errors.New("capture: target did not report done in time")

	// ErrArmFailed means the scope would not arm for the acquisition.
	ErrArmFailed = errors.New("capture: scope failed to arm")
)

// MismatchError reports a readback that differs from the record's expected
// output. It is a data-integrity failure, distinct from a timeout, and is
// never retried automatically.
type MismatchError struct {
	Expected []byte
	Got      []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("capture: output mismatch: expected % x, got % x", e.Expected, e.Got)
}
