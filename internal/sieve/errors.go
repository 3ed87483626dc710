package sieve

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrOutOfOrder is returned when a segment is assembled before one that
// precedes it.
var ErrOutOfOrder = errors.New("segment out of order")

// Stage names the part of a run that failed.
type Stage string

const (
	StageConfig      Stage = "config"
	StageAcquisition Stage = "acquisition"
	StageCompile     Stage = "compile"
	StageDispatch    Stage = "dispatch"
	StageTransfer    Stage = "transfer"
	StageAssemble    Stage = "assemble"
)

// StageError ties a fatal error to its stage and, when known, its segment.
type StageError struct {
	Stage   Stage
	Segment int // -1 outside the segment loop
	Err     error
}

func (e *StageError) Error() string {
	if e.Segment >= 0 {
		return fmt.Sprintf("%s failed at segment %d: %v", e.Stage, e.Segment, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, segment int, err error) error {
	return &StageError{Stage: stage, Segment: segment, Err: err}
}

// StageOf returns the stage recorded in err, or "" if there is none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
