package slab

import (
	"sync"

	"github.com/eapache/queue"
)

// prefetchJob asks the worker to acquire the next slab for a size class.
// gen is the allocator generation at enqueue time; a cancelled generation
// makes the job a no-op.
type prefetchJob struct {
	class *sizeClass
	gen   uint64
}

// prefetcher runs slab acquisitions off the request's critical path on one
// dedicated worker goroutine. Jobs execute under the allocator's locker, so
// the worker and the application serialize exactly like two client threads;
// the application never waits for a prefetch to *complete*, only for the
// lock like anyone else.
type prefetcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   *queue.Queue
	closed bool

	run func(prefetchJob)
}

func newPrefetcher(run func(prefetchJob)) *prefetcher {
	p := &prefetcher{
		jobs: queue.New(),
		run:  run,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.loop()
	return p
}

// enqueue hands a job to the worker.
func (p *prefetcher) enqueue(job prefetchJob) {
	p.mu.Lock()
	if !p.closed {
		p.jobs.Add(job)
		p.cond.Signal()
	}
	p.mu.Unlock()
}

// close stops the worker after the queue drains.
func (p *prefetcher) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *prefetcher) loop() {
	for {
		p.mu.Lock()
		for p.jobs.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.jobs.Length() == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		job := p.jobs.Remove().(prefetchJob)
		p.mu.Unlock()

		p.run(job)
	}
}
