package stream

import "sync"

// event is a one-shot signal. Firing it more than once is a no-op.
type event struct {
	once sync.Once
	c    chan struct{}
}

func newEvent() *event {
	return &event{c: make(chan struct{})}
}

// fire reports whether this call was the one that fired the event.
func (e *event) fire() bool {
	fired := false
	e.once.Do(func() {
		close(e.c)
		fired = true
	})
	return fired
}

func (e *event) fired() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}

func (e *event) wait() <-chan struct{} {
	return e.c
}

// baton is a single-slot rendezvous: at most one post is in flight, and a
// post made before anyone waits is kept for the next waiter.
type baton struct {
	c chan struct{}
}

func newBaton() baton {
	return baton{c: make(chan struct{}, 1)}
}

func (b baton) post() {
	select {
	case b.c <- struct{}{}:
	default:
	}
}

// pending reports whether a post is waiting to be taken.
func (b baton) pending() bool {
	return len(b.c) > 0
}

// take consumes a pending post without blocking.
func (b baton) take() bool {
	select {
	case <-b.c:
		return true
	default:
		return false
	}
}
