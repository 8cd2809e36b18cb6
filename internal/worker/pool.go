// Package worker runs independent API calls concurrently on a pond pool.
// The dashboard uses it to count every collection at once, which is where
// several requests can hit an expired token at the same moment.
package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/matthieugras/busadmin/internal/logging"
)

// errSessionEnded marks jobs skipped after a fatal result
var errSessionEnded = errors.New("skipped: session ended")

// PoolConfig configures the worker pool
type PoolConfig struct {
	NumWorkers int
}

// Pool manages a pool of workers using pond
type Pool struct {
	pond       pond.Pool
	numWorkers int

	// Results channel
	results chan JobResult

	// Status tracking
	statusMu     sync.RWMutex
	workerStatus map[int]*WorkerStatus
	workerIDPool chan int // Pool of reusable worker IDs

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a new worker pool using pond.
// Jobs run with ctx; a fatal result cancels the jobs that have not started.
func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	// Create pool of reusable worker IDs for status tracking
	workerIDPool := make(chan int, cfg.NumWorkers)
	for i := range cfg.NumWorkers {
		workerIDPool <- i
	}

	return &Pool{
		pond:         pond.NewPool(cfg.NumWorkers),
		numWorkers:   cfg.NumWorkers,
		results:      make(chan JobResult, cfg.NumWorkers*2),
		workerStatus: make(map[int]*WorkerStatus),
		workerIDPool: workerIDPool,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Submit adds a job to the pool.
func (p *Pool) Submit(job *Job) {
	p.pond.Submit(func() {
		p.executeJob(job)
	})
}

// SubmitAll submits multiple jobs
func (p *Pool) SubmitAll(jobs []*Job) {
	for _, job := range jobs {
		p.Submit(job)
	}
}

// executeJob processes a single job and sends its result
func (p *Pool) executeJob(job *Job) {
	// Acquire a worker ID from the pool (blocks until one is available)
	workerID := <-p.workerIDPool
	defer func() {
		p.workerIDPool <- workerID
	}()

	var result JobResult
	if err := p.ctx.Err(); err != nil {
		result = JobResult{Job: job, Name: job.Counter.Name(), Error: errSessionEnded, Skipped: true}
	} else {
		p.updateStatus(workerID, WorkerStateWorking, job.Counter.Name())
		result = job.run(p.ctx)
		p.updateStatus(workerID, WorkerStateIdle, "")
	}

	if result.Fatal {
		logging.Warn("Job %s ended the session, cancelling remaining jobs: %v", result.Name, result.Error)
		p.cancel()
	} else if result.Error != nil && !result.Skipped {
		logging.Error("Job %s failed: %v", result.Name, result.Error)
	} else {
		logging.Debug("Job %s done in %s", result.Name, result.Duration.Round(time.Millisecond))
	}

	p.results <- result
}

// Results returns channel of completed results
func (p *Pool) Results() <-chan JobResult {
	return p.results
}

// GetWorkerStatus returns the status of all workers
func (p *Pool) GetWorkerStatus() []WorkerStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	out := make([]WorkerStatus, 0, len(p.workerStatus))
	for _, s := range p.workerStatus {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) updateStatus(id int, state WorkerState, jobName string) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.workerStatus[id] = &WorkerStatus{ID: id, State: state, JobName: jobName, Since: time.Now()}
}

// StopAndWait waits for submitted jobs and closes the results channel.
// Results must be drained concurrently.
func (p *Pool) StopAndWait() {
	p.pond.StopAndWait()
	p.cancel()
	close(p.results)
}

// Stop immediately stops the pool
func (p *Pool) Stop() {
	p.cancel()
	p.pond.Stop()
}

// CountAll counts every collection with numWorkers concurrent requests and
// returns the results in the order of counters.
func CountAll(ctx context.Context, numWorkers int, counters []Counter) []JobResult {
	pool := NewPool(ctx, PoolConfig{NumWorkers: numWorkers})
	jobs := make([]*Job, len(counters))
	for i, c := range counters {
		jobs[i] = &Job{ID: i, Counter: c}
	}
	pool.SubmitAll(jobs)
	go pool.StopAndWait()

	results := make([]JobResult, len(counters))
	for r := range pool.Results() {
		results[r.Job.ID] = r
	}
	return results
}
