package chmux

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Allocator hands out local port numbers. At most MaxPorts numbers are in use
// at any time.
type Allocator struct {
	logger *zap.Logger
	sem    *semaphore.Weighted
	max  uint32
	mu   sync.Mutex
	used map[uint32]struct{}
	next uint32
}

func newAllocator(max uint32, logger *zap.Logger) *Allocator {
	return &Allocator{
		logger: logger,
		sem:    semaphore.NewWeighted(int64(max)),
		max:    max,
		used:   make(map[uint32]struct{}),
	}
}

// Allocate waits until a port number is free.
func (a *Allocator) Allocate(ctx context.Context) (*PortNumber, error) {
	if a.sem.TryAcquire(1) {
		return a.take(), nil
	}
	a.logger.Debug("all port numbers in use, waiting", zap.Uint32("max", a.max))
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return a.take(), nil
}

// TryAllocate returns ErrNoPorts instead of waiting.
func (a *Allocator) TryAllocate() (*PortNumber, error) {
	if !a.sem.TryAcquire(1) {
		a.logger.Debug("all port numbers in use", zap.Uint32("max", a.max))
		return nil, ErrNoPorts
	}
	return a.take(), nil
}

func (a *Allocator) take() *PortNumber {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		n := a.next
		a.next = (a.next + 1) % a.max
		if _, ok := a.used[n]; !ok {
			a.used[n] = struct{}{}
			return &PortNumber{n: n, alloc: a}
		}
	}
}

func (a *Allocator) release(n uint32) {
	a.mu.Lock()
	delete(a.used, n)
	a.mu.Unlock()
	a.sem.Release(1)
}

// PortNumber is an allocated local port number. It is owned by the port once
// used to connect or accept, and returned when that port is released.
type PortNumber struct {
	n     uint32
	alloc *Allocator
	once  sync.Once
}

func (p *PortNumber) Number() uint32 {
	return p.n
}

// Release returns the number to the allocator. It is safe to call more than once.
func (p *PortNumber) Release() {
	p.once.Do(func() {
		p.alloc.release(p.n)
	})
}
