// Package orchestrator runs background sync jobs through a bounded worker
// pool, driving each job's state machine
// (queued -> running -> completed | failed | cancelled) with cooperative
// cancellation and rate-limited progress reporting.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/katha-begin/shotsync/internal/logging"
	"github.com/katha-begin/shotsync/internal/metrics"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Operation is one unit of transfer work within a job.
type Operation struct {
	ItemID     int64
	Kind       string // "download" or "upload"
	RemotePath string
	LocalPath  string
	Bytes      int64
}

// OperationResult reports one finished operation back to the job owner.
type OperationResult struct {
	Op    Operation
	Bytes int64
	Err   error
}

// Progress is a bounded-rate snapshot of a running job.
type Progress struct {
	JobID       string
	State       State
	Completed   int
	Failed      int
	Total       int
	BytesDone   int64
	BytesTotal  int64
	CurrentFile string
}

// Job describes one background sync job. Do performs a single operation;
// it receives a context that stays live through cancellation so in-flight
// transfers finish rather than being killed mid-write.
type Job struct {
	ID         string
	Operations []Operation

	// Workers bounds parallel transfers within this job (defaults to 1).
	Workers int

	// Do executes one operation, reporting transfer progress through the
	// callback. Required.
	Do func(ctx context.Context, op Operation, progress func(bytes int64)) error

	// OnResult, if set, is called after each operation completes.
	OnResult func(res OperationResult)

	// OnProgress, if set, receives rate-limited progress snapshots and a
	// final snapshot when the job ends.
	OnProgress func(p Progress)
}

// job is the runtime state wrapper around a submitted Job.
type job struct {
	spec Job

	mu        sync.Mutex
	state     State
	cancelled bool
	errMsg    string

	completed   atomic.Int64
	failed      atomic.Int64
	bytesDone   atomic.Int64
	currentFile atomic.Value // string
}

func (j *job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	ID        string
	State     State
	Completed int
	Failed    int
	Total     int
	BytesDone int64
	Error     string
}

// Queue accepts jobs and cancellation requests. Pool is the in-process
// implementation.
type Queue interface {
	Submit(spec Job) (string, error)
	Cancel(id string) error
}

// Pool is an in-process job queue: a fixed set of workers pulls submitted
// jobs and runs each to completion. Independent jobs run concurrently,
// each against its own endpoint connections.
type Pool struct {
	queue    chan *job
	interval time.Duration

	mu   sync.Mutex
	jobs map[string]*job

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewPool creates a Pool with the given number of job workers and
// progress reporting interval.
func NewPool(workers int, progressInterval time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	if progressInterval <= 0 {
		progressInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:    make(chan *job, 256),
		interval: progressInterval,
		jobs:     make(map[string]*job),
		baseCtx:  ctx,
		stop:     cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a job and returns its ID.
func (p *Pool) Submit(spec Job) (string, error) {
	if spec.Do == nil {
		return "", fmt.Errorf("job has no Do function")
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Workers < 1 {
		spec.Workers = 1
	}

	j := &job{spec: spec, state: StateQueued}
	j.currentFile.Store("")

	p.mu.Lock()
	if _, exists := p.jobs[spec.ID]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("job %s already submitted", spec.ID)
	}
	p.jobs[spec.ID] = j
	p.mu.Unlock()

	select {
	case p.queue <- j:
		return spec.ID, nil
	case <-p.baseCtx.Done():
		return "", fmt.Errorf("pool is shut down")
	}
}

// Cancel requests cancellation of a job. Cancelling an unknown, finished
// or already-cancelled job is a harmless no-op. Queued jobs become
// cancelled immediately; running jobs stop issuing new operations and
// transition once in-flight transfers drain.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	j, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case StateCompleted, StateFailed, StateCancelled:
		return nil
	}
	j.cancelled = true
	return nil
}

// Status returns the externally visible state of a job.
func (p *Pool) Status(id string) (JobStatus, bool) {
	p.mu.Lock()
	j, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}

	j.mu.Lock()
	state := j.state
	errMsg := j.errMsg
	j.mu.Unlock()

	return JobStatus{
		ID:        id,
		State:     state,
		Completed: int(j.completed.Load()),
		Failed:    int(j.failed.Load()),
		Total:     len(j.spec.Operations),
		BytesDone: j.bytesDone.Load(),
		Error:     errMsg,
	}, true
}

// Shutdown stops accepting work and waits for workers to drain.
func (p *Pool) Shutdown() {
	p.stop()
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

// run drives one job to a terminal state. Panics from the job's Do
// function fail the job, never the worker.
func (p *Pool) run(j *job) {
	j.mu.Lock()
	if j.cancelled {
		j.state = StateCancelled
		j.mu.Unlock()
		metrics.JobStarted()
		p.finish(j, StateCancelled)
		return
	}
	j.state = StateRunning
	j.mu.Unlock()

	metrics.JobStarted()
	logging.Info("job started",
		zap.String("job_id", j.spec.ID),
		zap.Int("operations", len(j.spec.Operations)))

	reporterDone := p.startReporter(j)

	final := p.execute(j)

	close(reporterDone)
	p.finish(j, final)
}

// execute runs the job's operations with bounded parallelism, checking
// the cancellation flag between operations.
func (p *Pool) execute(j *job) (final State) {
	defer func() {
		if r := recover(); r != nil {
			j.mu.Lock()
			j.errMsg = fmt.Sprintf("panic: %v", r)
			j.mu.Unlock()
			logging.Error("job panicked",
				zap.String("job_id", j.spec.ID),
				zap.Any("panic", r))
			final = StateFailed
		}
	}()

	sem := make(chan struct{}, j.spec.Workers)
	var wg sync.WaitGroup

	for _, op := range j.spec.Operations {
		j.mu.Lock()
		cancelled := j.cancelled
		j.mu.Unlock()
		if cancelled {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(op Operation) {
			defer wg.Done()
			defer func() { <-sem }()
			p.runOperation(j, op)
		}(op)
	}

	wg.Wait()

	j.mu.Lock()
	cancelled := j.cancelled
	j.mu.Unlock()
	if cancelled {
		return StateCancelled
	}
	// Per-operation failures are counted, not fatal: the job completes
	// once every planned operation was processed. StateFailed is reserved
	// for job-level errors.
	return StateCompleted
}

func (p *Pool) runOperation(j *job, op Operation) {
	j.currentFile.Store(op.RemotePath)

	var opBytes atomic.Int64
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		// Base context, not a job-cancel context: an in-flight transfer
		// runs to completion even after Cancel.
		return j.spec.Do(p.baseCtx, op, func(bytes int64) {
			prev := opBytes.Swap(bytes)
			j.bytesDone.Add(bytes - prev)
		})
	}()

	if err != nil {
		j.failed.Add(1)
		logging.Warn("operation failed",
			zap.String("job_id", j.spec.ID),
			zap.String("path", op.RemotePath),
			zap.Error(err))
	} else {
		j.completed.Add(1)
	}

	if j.spec.OnResult != nil {
		j.spec.OnResult(OperationResult{Op: op, Bytes: opBytes.Load(), Err: err})
	}
}

// startReporter emits progress snapshots at the pool's bounded interval,
// not per byte. Returns a channel to close when the job ends.
func (p *Pool) startReporter(j *job) chan struct{} {
	done := make(chan struct{})
	if j.spec.OnProgress == nil {
		return done
	}

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.spec.OnProgress(p.snapshot(j))
			case <-done:
				return
			}
		}
	}()
	return done
}

func (p *Pool) snapshot(j *job) Progress {
	j.mu.Lock()
	state := j.state
	j.mu.Unlock()

	var total int64
	for _, op := range j.spec.Operations {
		total += op.Bytes
	}

	current, _ := j.currentFile.Load().(string)
	return Progress{
		JobID:       j.spec.ID,
		State:       state,
		Completed:   int(j.completed.Load()),
		Failed:      int(j.failed.Load()),
		Total:       len(j.spec.Operations),
		BytesDone:   j.bytesDone.Load(),
		BytesTotal:  total,
		CurrentFile: current,
	}
}

func (p *Pool) finish(j *job, final State) {
	j.setState(final)
	metrics.JobFinished(string(final))
	logging.Info("job finished",
		zap.String("job_id", j.spec.ID),
		zap.String("state", string(final)),
		zap.Int64("completed", j.completed.Load()),
		zap.Int64("failed", j.failed.Load()))

	if j.spec.OnProgress != nil {
		j.spec.OnProgress(p.snapshot(j))
	}
}
