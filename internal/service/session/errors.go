package session

import (
	"errors"
	"fmt"
)

// Stage names the step of a session that failed
type Stage int

const (
	StageRelays Stage = iota + 1
	StageProbe
	StagePartial
	StageJobFile
	StageEngine
	StageOutputExists
	StageInterrupted
)

var stageNames = map[Stage]string{
	StageRelays:       "relay check",
	StageProbe:        "probe",
	StagePartial:      "range support",
	StageJobFile:      "job file",
	StageEngine:       "engine init",
	StageOutputExists: "output check",
	StageInterrupted:  "download",
}

var exitCodes = map[Stage]int{
	StageRelays:       10,
	StageProbe:        11,
	StagePartial:      12,
	StageJobFile:      13,
	StageEngine:       14,
	StageOutputExists: 15,
	StageInterrupted:  20,
}

// String returns the stage name
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Error is a session failure tagged with the stage it happened in
type Error struct {
	Stage Stage
	Err   error
}

// Error returns the error message
func (e *Error) Error() string {
	return e.Stage.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) *Error {
	return &Error{Stage: stage, Err: err}
}

// ExitCode maps err to the process exit status: 0 for nil, the stage's code
// for a session error and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *Error
	if errors.As(err, &se) {
		if code, ok := exitCodes[se.Stage]; ok {
			return code
		}
	}
	return 1
}
