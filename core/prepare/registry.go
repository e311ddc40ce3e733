package prepare

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InFlight indexes running coordinators by future id. It routes remote
// replies to their run and fans node-left events out to the runs that
// target the departed node.
type InFlight struct {
	mu     sync.RWMutex
	runs   map[string]*Coordinator
	logger *zap.Logger
}

// NewInFlight returns an empty registry.
func NewInFlight(logger *zap.Logger) *InFlight {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InFlight{runs: make(map[string]*Coordinator), logger: logger}
}

func (r *InFlight) Register(c *Coordinator) {
	r.mu.Lock()
	r.runs[c.FutureID().String()] = c
	r.mu.Unlock()
}

func (r *InFlight) Deregister(c *Coordinator) {
	r.mu.Lock()
	delete(r.runs, c.FutureID().String())
	r.mu.Unlock()
}

// Get returns the run registered under futureID.
func (r *InFlight) Get(futureID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.runs[futureID]
	return c, ok
}

// Len returns the number of runs in flight.
func (r *InFlight) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Deliver hands a reply from nodeID to its run. It reports whether the run
// was still registered.
func (r *InFlight) Deliver(nodeID uuid.UUID, res *Response) bool {
	c, ok := r.Get(res.FutureID)
	if !ok {
		r.logger.Debug("Dropping prepare response for unknown run",
			zap.String("fut", res.FutureID), zap.Stringer("node", nodeID))
		return false
	}
	c.OnResult(nodeID, res)
	return true
}

// OnNodeLeft notifies every run that targets nodeID. It reports whether any
// run was affected, in which case the caller may remap and retry.
func (r *InFlight) OnNodeLeft(nodeID uuid.UUID) bool {
	r.mu.RLock()
	runs := make([]*Coordinator, 0, len(r.runs))
	for _, c := range r.runs {
		runs = append(runs, c)
	}
	r.mu.RUnlock()

	affected := false
	for _, c := range runs {
		if c.OnNodeLeft(nodeID) {
			affected = true
		}
	}
	if affected {
		r.logger.Info("Node left during prepare, affected runs failed", zap.Stringer("node", nodeID))
	}
	return affected
}
