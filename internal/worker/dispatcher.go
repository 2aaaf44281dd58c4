package worker

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"medibot/internal/metrics"
	"medibot/internal/models"
	"medibot/internal/pipeline"
)

// ErrDispatcherBusy is returned when the intake queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue is full")

// ErrDispatcherClosed is returned after Close.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

type ownerQueue struct {
	jobs     []Job
	enqueued bool
}

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Dispatcher queues chat jobs per owner and hands them to pool workers in
// round-robin owner order, so one busy caller cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for outer jobs
	metrics  *metrics.Pipeline
	logger   *slog.Logger

	mu        sync.Mutex
	queues    map[string]*ownerQueue // pending jobs per owner
	ready     *list.List             // LRU queue of owners with pending jobs
	positions map[string]*list.Element
	pending   int

	closeOnce sync.Once
	quit      chan struct{}
	stopped   chan struct{}
}

func NewDispatcher(runner Runner, cfg Config, m *metrics.Pipeline, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, runner),
		JobQueue:  make(chan Job, cfg.QueueSize),
		metrics:   m,
		logger:    logger.With("component", "dispatcher"),
		queues:    make(map[string]*ownerQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues req and waits for its response.
func (d *Dispatcher) Submit(ctx context.Context, req models.ChatRequest, caller models.Caller) (*models.ChatResponse, error) {
	return d.do(ctx, req, caller, nil)
}

// SubmitStream queues req and relays progress to emit until it returns.
func (d *Dispatcher) SubmitStream(ctx context.Context, req models.ChatRequest, caller models.Caller, emit pipeline.Emit) (*models.ChatResponse, error) {
	if emit == nil {
		emit = func(pipeline.Event) error { return nil }
	}
	return d.do(ctx, req, caller, emit)
}

func (d *Dispatcher) do(ctx context.Context, req models.ChatRequest, caller models.Caller, emit pipeline.Emit) (*models.ChatResponse, error) {
	task := &chatTask{
		ctx:    ctx,
		req:    req,
		caller: caller,
		stream: emit,
		done:   make(chan result, 1),
	}
	job := Job{Type: Chat, Owner: caller.Kind + ":" + caller.ID, task: task}

	select {
	case <-d.quit:
		return nil, ErrDispatcherClosed
	default:
	}
	select {
	case d.JobQueue <- job:
	default:
		d.logger.Warn("intake queue full", "owner_kind", caller.Kind)
		return nil, ErrDispatcherBusy
	}

	select {
	case res := <-task.done:
		return res.resp, res.err
	case <-ctx.Done():
		task.abandon()
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		if !d.hasPending() {
			select {
			case job := <-d.JobQueue: // wait for work
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
		}

		// a job is only chosen once a worker is free, so owners that arrived
		// while every worker was busy still get their turn
		workerChan, workerID := d.pool.acquire()
		if workerChan == nil {
			return
		}
		d.drainIntake()
		job, ok := d.next()
		if !ok {
			if !d.pool.Release(workerChan) {
				workerChan <- Job{Type: Stop}
			}
			continue
		}
		debugLog("assign job", "type", job.Type, "owner", job.Owner, "worker", workerID)
		workerChan <- job
	}
}

func (d *Dispatcher) hasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending > 0
}

// drainIntake moves every job waiting on JobQueue into its owner queue
func (d *Dispatcher) drainIntake() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

// CancelOwner drops every pending job of owner. Their callers receive
// context.Canceled.
func (d *Dispatcher) CancelOwner(owner string) {
	d.mu.Lock()
	q := d.queues[owner]
	delete(d.queues, owner)
	if elem, ok := d.positions[owner]; ok {
		d.ready.Remove(elem)
		delete(d.positions, owner)
	}
	if q != nil {
		d.pending -= len(q.jobs)
		d.metrics.SetQueueDepth(d.pending)
	}
	d.mu.Unlock()

	if q == nil {
		return
	}
	for _, job := range q.jobs {
		job.task.done <- result{err: context.Canceled}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending++
	d.metrics.SetQueueDepth(d.pending)

	q := d.queues[job.Owner]
	if q == nil {
		q = &ownerQueue{}
		d.queues[job.Owner] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// owner already waiting for a turn
		return
	}
	q.enqueued = true
	d.positions[job.Owner] = d.ready.PushBack(job.Owner)
}

// next pops the job of the owner at the front of the LRU queue
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	owner := elem.Value.(string)
	q := d.queues[owner]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this owner, leave the rotation
		delete(d.queues, owner)
		d.ready.Remove(elem)
		delete(d.positions, owner)
	} else {
		// back of the line
		d.ready.MoveToBack(elem)
	}
	d.pending--
	d.metrics.SetQueueDepth(d.pending)
	return job, true
}

// Stats reports queued jobs, including those not yet taken from the intake,
// and the worker counts.
func (d *Dispatcher) Stats() (pending, running, idle int) {
	d.mu.Lock()
	pending = d.pending + len(d.JobQueue)
	d.mu.Unlock()
	running, idle = d.pool.stats()
	return pending, running, idle
}

// Close stops intake, fails queued jobs and retires workers once their
// current job ends.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.stopped

		d.mu.Lock()
		queues := d.queues
		d.queues = make(map[string]*ownerQueue)
		d.ready.Init()
		d.positions = make(map[string]*list.Element)
		d.pending = 0
		d.mu.Unlock()

		for _, q := range queues {
			for _, job := range q.jobs {
				job.task.done <- result{err: ErrDispatcherClosed}
			}
		}
		for {
			select {
			case job := <-d.JobQueue:
				job.task.done <- result{err: ErrDispatcherClosed}
			default:
				return
			}
		}
	})
}
