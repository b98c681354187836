package docker

import (
	"errors"
	"fmt"
	"strings"
)

// number of trailing log lines carried on an execution error
const logTailLines = 40

// NotAvailableError means the container engine is disabled, unreachable or
// missing the requested image at job start. It is only raised before any
// container has run.
type NotAvailableError struct {
	Reason string
	Err    error
}

func NewNotAvailableError(err error, format string, args ...interface{}) *NotAvailableError {
	return &NotAvailableError{Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *NotAvailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("container engine not available: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("container engine not available: %s", e.Reason)
}

func (e *NotAvailableError) Unwrap() error { return e.Err }

func IsNotAvailable(err error) bool {
	var na *NotAvailableError
	return errors.As(err, &na)
}

// ExecutionError means a container exited nonzero, or an otherwise
// successful run failed a post-condition. It carries the image, the exit
// status and the last log lines for diagnosis.
type ExecutionError struct {
	Message  string
	Image    string
	ExitCode int64
	LogTail  []string
}

func NewExecutionError(image string, exitCode int64, logs []string) *ExecutionError {
	return &ExecutionError{
		Message:  fmt.Sprintf("container %s exited with status %d", image, exitCode),
		Image:    image,
		ExitCode: exitCode,
		LogTail:  TailLines(logs, logTailLines),
	}
}

// NewPostConditionError marks a zero-exit run that still failed to produce a
// required output.
func NewPostConditionError(logs []string, format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{
		Message: fmt.Sprintf(format, args...),
		LogTail: TailLines(logs, logTailLines),
	}
}

func (e *ExecutionError) Error() string {
	if len(e.LogTail) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s\nlast output:\n%s", e.Message, strings.Join(e.LogTail, "\n"))
}

func AsExecutionError(err error) (*ExecutionError, bool) {
	var ee *ExecutionError
	ok := errors.As(err, &ee)
	return ee, ok
}

// TailLines returns the last n entries of lines.
func TailLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
