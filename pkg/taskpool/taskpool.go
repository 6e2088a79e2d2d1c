package taskpool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

var (
	ErrClosed  = errors.New("task pool closed")
	ErrNoTasks = errors.New("no tasks to run")
)

// Task is a unit of cancelable work.
type Task func(ctx context.Context) error

// Named pairs a task with the token used to cancel it.
type Named struct {
	Token string
	Run   Task
}

// Job tracks one submitted task.
type Job struct {
	Token  string
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	ctx   context.Context
	fn    Task
	state jobState
	stops []func() bool
}

type jobState int

const (
	queued jobState = iota
	running
	dropped
)

// Done is closed once the task returned or was canceled while queued.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the task error. Only valid after Done is closed.
func (j *Job) Err() error { return j.err }

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool runs submitted tasks with at most maxConcurrent in flight. Queued work
// is unbounded and dequeued in submission order.
type Pool struct {
	sem    *semaphore.Weighted
	onIdle func()

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []*Job
	jobs    map[string][]*Job
	pending int
	idle    chan struct{}
	closed  bool
}

// New creates a pool. onIdle, when set, runs each time the queue drains and
// nothing is in flight.
func New(maxConcurrent int, onIdle func()) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Pool{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		onIdle: onIdle,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string][]*Job),
		idle:   idle,
	}
}

// Submit queues fn under token. The task context ends when ctx ends, when the
// token or the whole pool is canceled, or when the pool is closed.
func (p *Pool) Submit(ctx context.Context, token string, fn Task) *Job {
	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{Token: token, cancel: cancel, done: make(chan struct{}), ctx: jobCtx, fn: fn}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		job.err = ErrClosed
		close(job.done)
		return job
	}
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
	p.jobs[token] = append(p.jobs[token], job)
	p.queue = append(p.queue, job)
	job.stops = []func() bool{
		context.AfterFunc(p.ctx, cancel),
		context.AfterFunc(jobCtx, func() { p.drop(job) }),
	}
	p.mu.Unlock()

	p.dispatch()
	return job
}

// dispatch starts queued jobs in order while the semaphore has room.
func (p *Pool) dispatch() {
	var start []*Job
	p.mu.Lock()
	for len(p.queue) > 0 && p.sem.TryAcquire(1) {
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		job.state = running
		start = append(start, job)
	}
	p.mu.Unlock()

	for _, job := range start {
		go p.run(job)
	}
}

func (p *Pool) run(job *Job) {
	if err := job.ctx.Err(); err != nil {
		job.err = err
	} else {
		job.err = job.fn(job.ctx)
	}
	p.sem.Release(1)
	p.finish(job)
	p.dispatch()
}

// drop finishes a job whose context ended while it was still queued.
func (p *Pool) drop(job *Job) {
	p.mu.Lock()
	if job.state != queued {
		p.mu.Unlock()
		return
	}
	job.state = dropped
	for i, j := range p.queue {
		if j == job {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	job.err = job.ctx.Err()
	p.mu.Unlock()
	p.finish(job)
}

func (p *Pool) finish(job *Job) {
	for _, stop := range job.stops {
		stop()
	}
	job.cancel()
	close(job.done)

	p.mu.Lock()
	list := p.jobs[job.Token]
	for i, j := range list {
		if j == job {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.jobs, job.Token)
	} else {
		p.jobs[job.Token] = list
	}
	p.pending--
	nowIdle := p.pending == 0
	if nowIdle {
		close(p.idle)
	}
	p.mu.Unlock()

	if nowIdle && p.onIdle != nil {
		p.onIdle()
	}
}

// Cancel signals every job submitted under token. It reports whether any was
// found.
func (p *Pool) Cancel(token string) bool {
	p.mu.Lock()
	list := append([]*Job(nil), p.jobs[token]...)
	p.mu.Unlock()
	for _, j := range list {
		j.cancel()
	}
	return len(list) > 0
}

// CancelAll signals every queued and running job. The pool stays usable.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	p.cancel()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()
}

// Pending returns the number of queued plus running jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Active reports whether a job with token is queued or running.
func (p *Pool) Active(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs[token]) > 0
}

// Wait blocks until the pool is idle or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all work and rejects further submissions.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cancel()
	p.mu.Unlock()
}

// Race runs the tasks and returns the token of the first one to succeed.
// The others are canceled but not waited for. If every task fails the
// combined error is returned.
func (p *Pool) Race(ctx context.Context, tasks []Named) (string, error) {
	if len(tasks) == 0 {
		return "", ErrNoTasks
	}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make([]*Job, len(tasks))
	for i, t := range tasks {
		jobs[i] = p.Submit(raceCtx, t.Token, t.Run)
	}

	type outcome struct {
		token string
		err   error
	}
	results := make(chan outcome, len(jobs))
	for _, j := range jobs {
		go func(j *Job) {
			<-j.done
			results <- outcome{token: j.Token, err: j.err}
		}(j)
	}

	var errs error
	for range jobs {
		select {
		case r := <-results:
			if r.err == nil {
				return r.token, nil
			}
			errs = multierr.Append(errs, r.err)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", errs
}

// All runs the tasks and waits for every one of them. Errors are combined.
func (p *Pool) All(ctx context.Context, tasks []Named) error {
	jobs := make([]*Job, len(tasks))
	for i, t := range tasks {
		jobs[i] = p.Submit(ctx, t.Token, t.Run)
	}
	var errs error
	for _, j := range jobs {
		select {
		case <-j.done:
			errs = multierr.Append(errs, j.err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errs
}
