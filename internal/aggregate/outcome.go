package aggregate

import (
	"errors"
	"fmt"

	"github.com/cam3ron2/github-quest/internal/progress"
)

// Status is the terminal state of an aggregation run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// ErrTimedOut is the cause of runs that exceeded the aggregation timeout.
var ErrTimedOut = errors.New("aggregation timed out")

// StageError is an unrecoverable failure within one stage.
type StageError struct {
	Stage progress.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("aggregation stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one aggregation run. Stats is always well formed;
// it holds zeros unless Status is StatusSucceeded.
type Outcome struct {
	Stats  Stats  `json:"stats"`
	Status Status `json:"status"`
	Err    error  `json:"-"`
}

// ZeroFallback reports whether Stats are zeros standing in for a failed run
// rather than measured activity.
func (o Outcome) ZeroFallback() bool {
	return o.Status != StatusSucceeded
}

// Message returns the failure message, or "" for a successful run.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
