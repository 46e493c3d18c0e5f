package fleetcache

import "sync"

// Observer follows the state of one resource reference.
type Observer struct {
	mu      sync.Mutex
	latest  Result
	updates chan Result
	stopped bool
	detach  func()
	release func() bool
	done    chan struct{}
}

func newObserver() *Observer {
	return &Observer{
		updates: make(chan Result, 1),
		done:    make(chan struct{}),
	}
}

// Result returns the most recent state.
func (o *Observer) Result() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest
}

// Updates delivers state changes. Only the latest undelivered state is kept.
func (o *Observer) Updates() <-chan Result {
	return o.updates
}

// Done is closed by Stop.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Stop detaches the observer. Cached data and live channels are kept.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.done)
	detach := o.detach
	o.detach = nil
	release := o.release
	o.release = nil
	o.mu.Unlock()

	if release != nil {
		release()
	}
	if detach != nil {
		detach()
	}
}

// setDetach records how to detach the observer, or detaches right away when
// it was stopped already. Must not be called with the store lock held.
func (o *Observer) setDetach(detach func()) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		detach()
		return
	}
	o.detach = detach
	o.mu.Unlock()
}

// setRelease records how to drop the context hook that stops the observer.
func (o *Observer) setRelease(release func() bool) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		release()
		return
	}
	o.release = release
	o.mu.Unlock()
}

// push never blocks; callers may hold the store lock.
func (o *Observer) push(r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.latest = r
	select {
	case <-o.updates:
	default:
	}
	select {
	case o.updates <- r:
	default:
	}
}
