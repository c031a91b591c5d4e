package flow

import (
	"errors"
	"fmt"
)

// ErrInputMismatch means the input does not fit the waiting node. The node is re-prompted.
var ErrInputMismatch = errors.New("input does not match the expected shape")

// ErrUnknownFlow is returned when a flow id is not in the registry.
var ErrUnknownFlow = errors.New("unknown flow")

// GraphIntegrityError reports a transition to a node that does not exist, or a run that exceeded the
// auto-advance cap. It is logged and the session is reset to the menu; it never reaches the caller.
type GraphIntegrityError struct {
	FlowID string
	FromID string
	ToID   string
	Reason string
}

func (e *GraphIntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("flow %s: %s at node %s", e.FlowID, e.Reason, e.FromID)
	}
	return fmt.Sprintf("flow %s: node %s references missing node %q", e.FlowID, e.FromID, e.ToID)
}

// SideEffectError wraps a failed gateway call. The step still completes.
type SideEffectError struct {
	Op     string
	NodeID string
	Err    error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("%s at node %s: %v", e.Op, e.NodeID, e.Err)
}

func (e *SideEffectError) Unwrap() error {
	return e.Err
}

// MalformedEventError is returned for events that cannot be interpreted. The session is untouched.
type MalformedEventError struct {
	EventID string
	Err     error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: %v", e.EventID, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}
