package main

import (
	"errors"
	"fmt"
)

// Exit codes.
const (
	exitSuccess      = 0 // Successful execution
	exitFailure      = 1 // Unhealthy backlog or failed batch
	exitCommandError = 2 // Bad flags, bad configuration or unreachable store
)

// exitError carries the exit code a command failure maps to.
type exitError struct {
	code    int
	message string
	err     error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *exitError) Unwrap() error {
	return e.err
}

func wrapExit(code int, message string, err error) *exitError {
	return &exitError{code: code, message: message, err: err}
}

// exitCode extracts the exit code from an error. Errors without one are
// flag or argument errors raised by cobra itself.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitCommandError
}
