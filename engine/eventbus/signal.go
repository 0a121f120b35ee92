package eventbus

import (
	"context"
	"sync"
)

// Signal is the AbortSignal-shaped cancellation token the bus hands to
// each HandlerFunc. It mirrors ctx.Done() the way the runtime adapter's
// isolate termination already does, but as a value Go handlers can poll or
// subscribe to directly. It does not reach JS: a JS handler's signal
// argument is a plain {aborted:false} object that never changes.
type Signal struct {
	mu        sync.Mutex
	aborted   bool
	done      chan struct{}
	listeners []func()
}

func newSignal(ctx context.Context) *Signal {
	s := &Signal{done: make(chan struct{})}
	go func() {
		<-ctx.Done()
		s.abort()
	}()
	return s
}

// Aborted reports whether the signal has fired. Long host calls poll this
// instead of blocking, matching the runtime adapter's cooperative yield
// model.
func (s *Signal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// OnAbort registers fn to run when the signal fires (synchronously, if it
// has already fired). No JS shim calls it; JS handlers have no
// addEventListener("abort", ...) hook.
func (s *Signal) OnAbort(fn func()) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		fn()
		return
	}
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Signal) abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	listeners := s.listeners
	s.listeners = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
