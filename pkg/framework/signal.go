package framework

// Signal is a wake-up flag coalescing concurrent posts: no matter how
// many producers post in a race, at most one wake is pending until the
// consumer receives it.
type Signal struct {
	ch chan struct{}
}

// NewSignal creates a Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Post raises the signal. It never blocks.
func (s *Signal) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the chan to wait on.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Clear drops a pending wake, if any.
func (s *Signal) Clear() {
	select {
	case <-s.ch:
	default:
	}
}
