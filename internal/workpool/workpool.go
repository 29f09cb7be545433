// Package workpool runs CPU- and IO-heavy tasks with bounded concurrency.
//
// Callers beyond the pool size wait in line rather than spawning more work.
// A task runs on its own goroutine, so a caller whose context is cancelled
// while the task runs returns immediately; the slot stays held until the
// task itself finishes.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("worker pool closed")

// Pool is a fixed-size worker pool.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	closed atomic.Bool

	inFlight  atomic.Int64
	waiting   atomic.Int64
	completed atomic.Int64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size      int   `json:"size"`
	InFlight  int64 `json:"in_flight"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
}

// New creates a pool running at most size tasks at once.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, sem: semaphore.NewWeighted(int64(size))}
}

// Size returns the configured number of workers.
func (p *Pool) Size() int { return p.size }

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		InFlight:  p.inFlight.Load(),
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
	}
}

// Do waits for a free worker, runs task on it and returns its error.
func (p *Pool) Do(ctx context.Context, task func(ctx context.Context) error) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return fmt.Errorf("waiting for worker: %w", err)
	}

	p.inFlight.Add(1)
	done := make(chan error, 1)
	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.completed.Add(1)
			p.sem.Release(1)
		}()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker panic: %v", r)
			}
		}()
		done <- task(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new tasks and waits for running ones to finish.
func (p *Pool) Close(ctx context.Context) error {
	p.closed.Store(true)
	if err := p.sem.Acquire(ctx, int64(p.size)); err != nil {
		return err
	}
	p.sem.Release(int64(p.size))
	return nil
}
