package prepare

import "sync"

// outcome is the aggregated result of one prepare run: a single-assignment
// error slot and a done flag that flips once.
type outcome struct {
	mu   sync.Mutex
	err  error
	done bool
}

// recordErr stores err if no error was recorded and the run is not done.
// It reports whether err became the recorded cause.
func (o *outcome) recordErr(err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done || o.err != nil {
		return false
	}
	o.err = err
	return true
}

// whileActive runs fn under the guard if the run is not done yet.
func (o *outcome) whileActive(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return false
	}
	fn()
	return true
}

// finish flips the done flag. Only the first caller gets ok == true, together
// with the recorded error.
func (o *outcome) finish() (err error, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil, false
	}
	o.done = true
	return o.err, true
}

func (o *outcome) isDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func (o *outcome) recorded() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
