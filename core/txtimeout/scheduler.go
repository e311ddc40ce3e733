// Package txtimeout fires transaction deadlines.
package txtimeout

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs callbacks when transaction deadlines pass. After Stop no
// new callbacks fire.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	nextID  uint64
	stopped bool
	fired   atomic.Int64
	logger  *zap.Logger
}

// New creates a Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{timers: make(map[uint64]*time.Timer), logger: logger.Named("txtimeout")}
}

// Schedule runs fn on its own goroutine at deadline. A deadline in the past
// fires immediately. The returned cancel func is safe to call more than once.
func (s *Scheduler) Schedule(deadline time.Time, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return func() {}
	}

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(time.Until(deadline), func() {
		if !s.remove(id) {
			return
		}
		s.fired.Add(1)
		s.logger.Debug("Transaction deadline passed", zap.Time("deadline", deadline))
		fn()
	})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
	}
}

func (s *Scheduler) remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; !ok {
		return false
	}
	delete(s.timers, id)
	return true
}

// Pending returns the number of armed deadlines.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Fired returns how many deadlines have fired.
func (s *Scheduler) Fired() int64 { return s.fired.Load() }

// Stop cancels every armed deadline.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
