package types

import (
	"encoding/json"
	"fmt"
)

// TaskResult is the final outcome of a job
type TaskResult int

const (
	ResultSucceeded TaskResult = iota
	ResultSucceededWithIssues
	ResultFailed
	ResultCanceled
	ResultSkipped
	ResultAbandoned
)

var resultNames = map[TaskResult]string{
	ResultSucceeded:           "Succeeded",
	ResultSucceededWithIssues: "SucceededWithIssues",
	ResultFailed:              "Failed",
	ResultCanceled:            "Canceled",
	ResultSkipped:             "Skipped",
	ResultAbandoned:           "Abandoned",
}

func (r TaskResult) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("TaskResult(%d)", int(r))
}

// MarshalJSON encodes the result by name.
func (r TaskResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts either the result name or its numeric value.
func (r *TaskResult) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		for k, v := range resultNames {
			if v == name {
				*r = k
				return nil
			}
		}
		return fmt.Errorf("unknown task result %q", name)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task result must be a name or number: %w", err)
	}
	*r = TaskResult(n)
	return nil
}

// Worker exit codes. A worker that finishes normally exits with
// ReturnCodeOffset plus its TaskResult; 0 is also accepted as success.
const (
	ReturnCodeOffset = 100
	maxResultCode    = ReturnCodeOffset + int(ResultAbandoned)
)

// ExitCodeFor returns the exit code a worker uses to report r.
func ExitCodeFor(r TaskResult) int {
	return ReturnCodeOffset + int(r)
}

// IsValidReturnCode reports whether a worker exit code is a normal
// completion rather than a crash.
func IsValidReturnCode(code int) bool {
	return code == 0 || (code >= ReturnCodeOffset && code <= maxResultCode)
}

// TranslateExitCode maps a worker exit code to a result. Crash codes map
// to Failed.
func TranslateExitCode(code int) TaskResult {
	if code == 0 {
		return ResultSucceeded
	}
	if IsValidReturnCode(code) {
		return TaskResult(code - ReturnCodeOffset)
	}
	return ResultFailed
}

// Agent process exit codes
const (
	ExitSuccess               = 0
	ExitTerminatedError       = 1
	ExitRetryableError        = 2
	ExitRunnerUpdating        = 3
	ExitRunOnceRunnerUpdating = 4
)
