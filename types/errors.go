package types

import (
	"errors"
	"fmt"
)

// UnknownActionError is returned when no handler is registered under Action.
// It signals a configuration error, not a transient condition.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action [%s]", e.Action)
}

// HandlerTypeError is returned when a registered handler does not have the
// type requested by the caller.
type HandlerTypeError struct {
	Action string
	Want   string
	Got    string
}

func (e *HandlerTypeError) Error() string {
	return fmt.Sprintf("handler for action [%s] is %s, not %s", e.Action, e.Got, e.Want)
}

// UnknownExecutorError is returned when a record names an executor that was
// never configured.
type UnknownExecutorError struct {
	Executor string
}

func (e *UnknownExecutorError) Error() string {
	return fmt.Sprintf("unknown executor [%s]", e.Executor)
}

// IsUnknownAction reports whether err wraps an UnknownActionError.
func IsUnknownAction(err error) bool {
	var target *UnknownActionError
	return errors.As(err, &target)
}
