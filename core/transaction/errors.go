package transaction

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// --- Error Definitions ---

var (
	ErrInvalidTxState = errors.New("invalid transaction state for prepare")
	ErrTxTimeout      = errors.New("transaction timed out and was rolled back")
	ErrTxRolledBack   = errors.New("transaction has been rolled back")
	ErrKeyLocked      = errors.New("key is currently locked by another transaction")
	ErrPrepareFailed  = errors.New("prepare phase failed for transaction")
)

// ErrorKind classifies prepare failures.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalidState
	KindTimeout
	KindTopology
	KindApplication
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidState:
		return "invalid_state"
	case KindTimeout:
		return "timeout"
	case KindTopology:
		return "topology"
	case KindApplication:
		return "application"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// TopologyError reports that a node was unreachable or left the cluster.
// Callers may remap the transaction and retry it in a new prepare run.
type TopologyError struct {
	NodeID uuid.UUID
	Reason string
}

func (e *TopologyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote node left grid: %s", e.NodeID)
	}
	return fmt.Sprintf("topology error for node %s: %s", e.NodeID, e.Reason)
}

// NewNodeLeftError builds the error used when a node leaves mid-prepare.
func NewNodeLeftError(id uuid.UUID) *TopologyError {
	return &TopologyError{NodeID: id}
}

// ApplicationError reports that a node's prepare handler rejected the request.
type ApplicationError struct {
	NodeID uuid.UUID
	Err    error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("prepare rejected by node %s: %v", e.NodeID, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// KindOf classifies err. Unknown errors are application errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var topErr *TopologyError
	switch {
	case errors.As(err, &topErr):
		return KindTopology
	case errors.Is(err, ErrTxTimeout):
		return KindTimeout
	case errors.Is(err, ErrInvalidTxState):
		return KindInvalidState
	}
	return KindApplication
}

// IsTopologyError reports whether err signals a cluster topology problem.
func IsTopologyError(err error) bool {
	return KindOf(err) == KindTopology
}
