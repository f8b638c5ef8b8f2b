package relay

import "context"

// semaphore is a channel-based counting semaphore bounding background work.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		n = 1
	}
	return &semaphore{ch: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Must only follow a successful Acquire.
func (s *semaphore) Release() {
	<-s.ch
}

// Available returns the number of free slots.
func (s *semaphore) Available() int {
	return cap(s.ch) - len(s.ch)
}

// Cap returns the total capacity.
func (s *semaphore) Cap() int {
	return cap(s.ch)
}
