package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/vyvo/appbuilder/pkg/builder"
)

// ErrClosed is returned by a slot that can no longer deliver requests.
var ErrClosed = errors.New("queue closed")

// Slot holds at most one pending build request. Put replaces whatever is
// pending; Take blocks until a request is pending and removes it.
type Slot interface {
	Put(ctx context.Context, req builder.BuildRequest) (superseded bool, err error)
	Take(ctx context.Context) (builder.BuildRequest, error)
}

// Coordinator hands pending build requests from producers to the single
// worker and tells producers when that worker is listening.
type Coordinator struct {
	slot        Slot
	ready       chan struct{}
	readyOnce   sync.Once
	onSupersede func(dropped int)
}

func NewCoordinator(slot Slot) *Coordinator {
	if slot == nil {
		slot = NewMemorySlot()
	}
	return &Coordinator{slot: slot, ready: make(chan struct{})}
}

// OnSupersede registers a callback invoked whenever Enqueue replaces a
// request that was never consumed.
func (c *Coordinator) OnSupersede(fn func(dropped int)) {
	c.onSupersede = fn
}

// Enqueue overwrites the pending slot with req.
func (c *Coordinator) Enqueue(ctx context.Context, req builder.BuildRequest) error {
	superseded, err := c.slot.Put(ctx, req)
	if err != nil {
		return err
	}
	if superseded && c.onSupersede != nil {
		c.onSupersede(1)
	}
	return nil
}

// AwaitReady blocks until a worker has subscribed.
func (c *Coordinator) AwaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe marks the consumer side as listening. Only the worker calls it.
func (c *Coordinator) Subscribe() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Next blocks until a request is pending and returns it. Each enqueued value
// is returned at most once.
func (c *Coordinator) Next(ctx context.Context) (builder.BuildRequest, error) {
	return c.slot.Take(ctx)
}

// MemorySlot is the in-process Slot.
type MemorySlot struct {
	mu      sync.Mutex
	pending *builder.BuildRequest
	signal  chan struct{}
}

func NewMemorySlot() *MemorySlot {
	return &MemorySlot{signal: make(chan struct{}, 1)}
}

func (s *MemorySlot) Put(_ context.Context, req builder.BuildRequest) (bool, error) {
	s.mu.Lock()
	superseded := s.pending != nil
	s.pending = &req
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return superseded, nil
}

func (s *MemorySlot) Take(ctx context.Context) (builder.BuildRequest, error) {
	for {
		s.mu.Lock()
		if s.pending != nil {
			req := *s.pending
			s.pending = nil
			s.mu.Unlock()
			return req, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return builder.BuildRequest{}, ctx.Err()
		case <-s.signal:
		}
	}
}
