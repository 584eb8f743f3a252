package request

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no request exists for an id.
	ErrNotFound = errors.New("request not found")

	// ErrTerminal is returned when a mutation targets a request that is
	// already COMPLETE, CANCELED or FAILED. The mutation had no effect.
	ErrTerminal = errors.New("request already terminal")
)

// ValidationError reports bad submission parameters. It is returned before
// any tracker exists.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Msg
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Msg)
}

// NodeUnavailableError means a cluster node failed, refused or timed out
// while executing its step.
type NodeUnavailableError struct {
	NodeID string
	Err    error
}

func (e *NodeUnavailableError) Error() string {
	return fmt.Sprintf("node %s unavailable: %v", e.NodeID, e.Err)
}

func (e *NodeUnavailableError) Unwrap() error { return e.Err }

// InternalFailure wraps an unexpected error raised while merging or
// accumulating a step result. The request it happened on is FAILED.
type InternalFailure struct {
	Err error
}

func (e *InternalFailure) Error() string {
	return fmt.Sprintf("internal failure: %v", e.Err)
}

func (e *InternalFailure) Unwrap() error { return e.Err }
