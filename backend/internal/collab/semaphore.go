package collab

import (
	"context"
	"errors"
	"fmt"
)

const DefaultMaxConcurrent = 100

var (
	ErrAcquireTimeout = errors.New("semaphore acquire: context done")
	ErrNotAcquired    = errors.New("semaphore release: not acquired")
)

// Semaphore bounds how many merges or producer sends run at once.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}
}

func (s *Semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
