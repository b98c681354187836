package workspace

import (
	"errors"
	"fmt"
)

// Error marks a failure staging, persisting or validating job inputs. Any
// member of this category terminates the job immediately; nothing is retried.
type Error struct {
	msg string
	err error
}

func NewError(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

func WrapError(err error, format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// IsWorkspaceError reports whether err belongs to the workspace taxonomy.
func IsWorkspaceError(err error) bool {
	var we *Error
	return errors.As(err, &we)
}
