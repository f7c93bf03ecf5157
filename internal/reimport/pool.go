package reimport

import (
	"context"
	"sync"

	"reimportd/pkg/logx"
)

// PoolHooks are invoked by the pool without holding its lock.
type PoolHooks struct {
	// Started runs after a job launched successfully.
	Started func(*Job)
	// Done receives every terminal outcome, including launch failures.
	// It runs before the job's slot is released.
	Done func(*Job, Outcome)
}

// Pool runs at most size jobs at a time and queues the rest.
type Pool struct {
	ctx   context.Context
	size  int
	order QueueOrder
	log   logx.Logger
	hooks PoolHooks

	mu      sync.Mutex
	pending []*Job
	running map[string]*Job
	closed  bool
}

func NewPool(ctx context.Context, size int, order QueueOrder, log logx.Logger, hooks PoolHooks) *Pool {
	if ctx == nil {
		ctx = context.Background()
	}
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		ctx:     ctx,
		size:    size,
		order:   order,
		log:     log,
		hooks:   hooks,
		running: make(map[string]*Job),
	}
}

// Enqueue queues a created job and starts jobs while capacity allows.
func (p *Pool) Enqueue(j *Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	j.onTerminal = p.jobDone
	j.onRelease = p.release
	p.pending = append(p.pending, j)
	p.mu.Unlock()

	p.tryStartNext()
	return nil
}

// popLocked takes the next job according to the queue order.
func (p *Pool) popLocked() *Job {
	var j *Job
	if p.order == LIFO {
		last := len(p.pending) - 1
		j = p.pending[last]
		p.pending[last] = nil
		p.pending = p.pending[:last]
		return j
	}
	j = p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return j
}

// tryStartNext fills free slots. A slot is reserved under the lock and the
// launch happens outside it, so concurrent callers cannot oversubscribe.
func (p *Pool) tryStartNext() {
	for {
		p.mu.Lock()
		if p.closed || len(p.running) >= p.size || len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.popLocked()
		p.running[j.id] = j
		p.mu.Unlock()

		if err := j.Start(p.ctx); err != nil {
			p.mu.Lock()
			delete(p.running, j.id)
			p.mu.Unlock()
			o := j.Outcome()
			if o.State == StateLaunchFailed && p.hooks.Done != nil {
				p.hooks.Done(j, o)
			}
			continue
		}
		if p.hooks.Started != nil && j.State() != StateCancelled {
			p.hooks.Started(j)
		}
	}
}

// jobDone reports the outcome first, then releases the slot and refills.
func (p *Pool) jobDone(j *Job, o Outcome) {
	if p.hooks.Done != nil {
		p.hooks.Done(j, o)
	}
	p.mu.Lock()
	delete(p.running, j.id)
	p.mu.Unlock()
	p.tryStartNext()
}

// release drops a cancelled job without reporting an outcome and refills.
func (p *Pool) release(j *Job) {
	p.mu.Lock()
	delete(p.running, j.id)
	for i, q := range p.pending {
		if q == j {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.tryStartNext()
}

// HasPendingWork reports whether any job is queued or running.
func (p *Pool) HasPendingWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0 || len(p.running) > 0
}

func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Pool) Size() int { return p.size }

// Jobs returns the running jobs followed by the queued ones in start order.
func (p *Pool) Jobs() []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Job, 0, len(p.running)+len(p.pending))
	for _, j := range p.running {
		out = append(out, j)
	}
	if p.order == LIFO {
		for i := len(p.pending) - 1; i >= 0; i-- {
			out = append(out, p.pending[i])
		}
	} else {
		out = append(out, p.pending...)
	}
	return out
}

// Close cancels every job and rejects further enqueues. It is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	jobs := make([]*Job, 0, len(p.running)+len(p.pending))
	for _, j := range p.running {
		jobs = append(jobs, j)
	}
	jobs = append(jobs, p.pending...)
	p.pending = nil
	p.running = make(map[string]*Job)
	p.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	if len(jobs) > 0 {
		p.log.Info("pool closed", logx.Int("cancelled", len(jobs)))
	}
}
