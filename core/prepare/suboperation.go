package prepare

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/txmapping"
)

// route says how a sub-operation reaches its node. It is fixed when the
// sub-operation is created.
type route int

const (
	routeLocal route = iota
	routeRemote
)

func (r route) String() string {
	if r == routeLocal {
		return "local"
	}
	return "remote"
}

// SubState is the resolution of one node's prepare attempt.
type SubState int32

const (
	SubPending SubState = iota
	SubSucceeded
	SubFailed
	SubNodeLeft
)

func (s SubState) String() string {
	switch s {
	case SubPending:
		return "PENDING"
	case SubSucceeded:
		return "SUCCEEDED"
	case SubFailed:
		return "FAILED"
	case SubNodeLeft:
		return "NODE_LEFT"
	default:
		return fmt.Sprintf("SubState(%d)", int32(s))
	}
}

// subOperation tracks the prepare attempt sent to one node mapping.
type subOperation struct {
	id      uuid.UUID
	mapping *txmapping.NodeMapping
	route   route
	state   atomic.Int32
}

func newSubOperation(m *txmapping.NodeMapping, local uuid.UUID) *subOperation {
	s := &subOperation{id: uuid.New(), mapping: m, route: routeRemote}
	if m.Node().ID == local {
		s.route = routeLocal
	}
	return s
}

func (s *subOperation) node() cluster.Node { return s.mapping.Node() }

func (s *subOperation) current() SubState { return SubState(s.state.Load()) }

func (s *subOperation) resolved() bool { return s.current() != SubPending }

// resolve moves the sub-operation out of PENDING. Only the first call wins.
func (s *subOperation) resolve(to SubState) bool {
	return s.state.CompareAndSwap(int32(SubPending), int32(to))
}

func (s *subOperation) String() string {
	return fmt.Sprintf("[node=%s, route=%s, state=%s]", s.node().ID, s.route, s.current())
}
