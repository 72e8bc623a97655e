package command

import (
	"errors"
	"fmt"
)

// Sentinel errors for resolution and binding failures.
var (
	ErrUnknownCommand       = errors.New("command: unknown command")
	ErrUnresolvedSubcommand = errors.New("command: unresolved subcommand")
	ErrMissingArgument      = errors.New("command: missing argument")
	ErrMissingKeyword       = errors.New("command: missing keyword argument")
	ErrBadQuoting           = errors.New("command: bad quoting")
	ErrDuplicateName        = errors.New("command: duplicate name")
	ErrInvalidSpec          = errors.New("command: invalid spec")
)

// ArgumentError reports a parameter that could not be bound.
type ArgumentError struct {
	Param string
	Raw   string
	Err   error
}

func (e *ArgumentError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("command: argument %s: bad value %q: %v", e.Param, e.Raw, e.Err)
	}
	return fmt.Sprintf("command: argument %s: %v", e.Param, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned by, or a panic raised in, a command
// handler.
type HandlerError struct {
	Command string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("command: %s: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
