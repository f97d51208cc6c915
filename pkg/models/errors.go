package models

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded    = errors.New("context capacity exceeded")
	ErrInvalidRange        = errors.New("invalid step range")
	ErrInvalidTransition   = errors.New("invalid session transition")
	ErrContextNotFound     = errors.New("automation context not found")
	ErrEngine              = errors.New("automation engine error")
	ErrSetupTimeout        = errors.New("setup timed out")
	ErrConcurrentExecution = errors.New("execution already in progress")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionTerminated   = errors.New("session terminated")
	ErrIterationLimit      = errors.New("iteration limit reached")
	ErrScriptNotFound      = errors.New("test script not found")
	ErrInvalidRequest      = errors.New("invalid request")
)

// ContextError wraps an infrastructure failure of the automation engine
type ContextError struct {
	ContextID string
	Op        string
	Err       error
}

func (e *ContextError) Error() string {
	if e.ContextID == "" {
		return fmt.Sprintf("context %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("context %s %s: %v", e.ContextID, e.Op, e.Err)
}

func (e *ContextError) Unwrap() []error {
	return []error{ErrEngine, e.Err}
}
