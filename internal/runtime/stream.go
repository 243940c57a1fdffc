// Package runtime hosts multiple graphs side by side: it owns their
// sessions and streams, starts trigger sources, and routes operator
// input to whichever node is waiting for it.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hiveloop/hiveloop/internal/executor"
)

var (
	// ErrStreamBusy is returned when a trigger fires while the stream is
	// at its concurrency limit.
	ErrStreamBusy = errors.New("stream busy")
	// ErrNoInputWaiter is returned when input is injected but no node is
	// waiting for it.
	ErrNoInputWaiter = errors.New("no node awaiting input")
)

// Stream is one execution lane of an entry point. It enforces the entry
// point's concurrency limit, carries injected operator input to waiting
// nodes, and can cancel everything it is running.
type Stream struct {
	ID        string
	SessionID string

	sem *semaphore.Weighted

	mu       sync.Mutex
	cancels  map[int]context.CancelFunc
	nextSlot int
	waiters  int
	inputs   chan string
	lastRun  time.Time
}

// NewStream creates a stream with the given concurrency limit.
// maxConcurrent <= 0 means 1.
func NewStream(id, sessionID string, maxConcurrent int) *Stream {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Stream{
		ID:        id,
		SessionID: sessionID,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		cancels:   make(map[int]context.CancelFunc),
		inputs:    make(chan string, 1),
	}
}

// Busy reports whether the stream is at its concurrency limit.
func (s *Stream) Busy() bool {
	if !s.sem.TryAcquire(1) {
		return true
	}
	s.sem.Release(1)
	return false
}

// LastRun returns when the stream last started an execution.
func (s *Stream) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Acquire claims one stream slot without blocking. Callers that get a
// slot must pass it to Run, which releases it; callers that don't get one
// treat the stream as busy and skip.
func (s *Stream) Acquire() bool {
	return s.sem.TryAcquire(1)
}

// Run executes fn inside one stream slot and releases the slot on
// return. The slot must have been claimed with Acquire.
func (s *Stream) Run(ctx context.Context, fn func(ctx context.Context) (*executor.Outcome, error)) (*executor.Outcome, error) {
	defer s.sem.Release(1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	slot := s.nextSlot
	s.nextSlot++
	s.cancels[slot] = cancel
	s.lastRun = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, slot)
		s.mu.Unlock()
	}()

	return fn(runCtx)
}

// Cancel aborts every execution the stream is running.
func (s *Stream) Cancel() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Await blocks until operator input arrives or the context ends.
// Implements executor.InputProvider.
func (s *Stream) Await(ctx context.Context) (string, error) {
	s.mu.Lock()
	s.waiters++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiters--
		s.mu.Unlock()
	}()

	select {
	case text := <-s.inputs:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AwaitingInput reports whether some node is blocked in Await.
func (s *Stream) AwaitingInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters > 0
}

// Inject hands operator input to the waiting node. Fails when nothing is
// waiting; injected input is never queued for a future question.
func (s *Stream) Inject(text string) error {
	s.mu.Lock()
	waiting := s.waiters > 0
	s.mu.Unlock()
	if !waiting {
		return ErrNoInputWaiter
	}
	select {
	case s.inputs <- text:
		return nil
	default:
		return ErrNoInputWaiter
	}
}
