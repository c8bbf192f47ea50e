package worker

import (
	"context"
	"sync"
)

// semaphore is a context-aware concurrency limiter for worker slots.
// A limit of 0 means unlimited. The limit can be changed while workers are
// blocked; waiters are woken to re-evaluate.
type semaphore struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	acquired int
}

func newSemaphore(limit int) *semaphore {
	if limit < 0 {
		limit = 0
	}
	s := &semaphore{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a slot is free or the context is done.
func (s *semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit == 0 {
		s.acquired++
		return nil
	}

	// Wake blocked waiters when the context ends so they can observe the
	// cancellation instead of sleeping on the cond forever. The broadcast
	// must hold mu or it can land between a waiter's ctx check and its
	// Wait and be lost.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	for s.limit > 0 && s.acquired >= s.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.acquired++
	return nil
}

// Release frees a slot.
func (s *semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquired > 0 {
		s.acquired--
	}
	s.cond.Signal()
}

// SetLimit changes the capacity. 0 means unlimited.
func (s *semaphore) SetLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 {
		n = 0
	}
	s.limit = n
	s.cond.Broadcast()
}

// Acquired returns the number of held slots.
func (s *semaphore) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}
