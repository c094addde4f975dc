package scraper

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/use-agent/scrapeserv/engine"
)

// slotPool limits concurrent renders and bounds how many callers may wait
// for a slot. Callers beyond the wait bound are rejected immediately.
type slotPool struct {
	sem      *semaphore.Weighted
	max      int
	maxQueue int

	active  atomic.Int32
	waiting atomic.Int32
}

func newSlotPool(max, maxQueue int) *slotPool {
	if max < 1 {
		max = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &slotPool{
		sem:      semaphore.NewWeighted(int64(max)),
		max:      max,
		maxQueue: maxQueue,
	}
}

// acquire blocks until a slot is free or ctx is done. It returns
// engine.ErrSaturated without blocking when the wait queue is full.
func (p *slotPool) acquire(ctx context.Context) (func(), error) {
	if !p.sem.TryAcquire(1) {
		if int(p.waiting.Add(1)) > p.maxQueue {
			p.waiting.Add(-1)
			return nil, engine.ErrSaturated
		}
		err := p.sem.Acquire(ctx, 1)
		p.waiting.Add(-1)
		if err != nil {
			return nil, err
		}
	}
	p.active.Add(1)

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			p.active.Add(-1)
			p.sem.Release(1)
		}
	}, nil
}

// load reports running and waiting renders.
func (p *slotPool) load() (active, waiting int) {
	return int(p.active.Load()), int(p.waiting.Load())
}
