package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for the non-fatal per-record failure modes. Both degrade to
// "report and drop the record"; neither ever stops a reader.
var (
	// ErrUnknownType marks a well-formed record whose tag matches no known
	// kind. The producer's type space may grow ahead of the dispatcher.
	ErrUnknownType = errors.New("unknown record type")
)

// InitError wraps a failure during Register. When returned, no partial engine
// is left running: everything opened has been closed again.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("relay init failed at %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
