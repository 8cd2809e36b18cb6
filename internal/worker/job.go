package worker

import (
	"context"
	"time"

	"github.com/matthieugras/busadmin/internal/api"
)

// Counter is anything that can count its items, typically an api.Lister
type Counter interface {
	Name() string
	Count(ctx context.Context) (int, error)
}

// Job counts one collection
type Job struct {
	ID      int
	Counter Counter
}

// JobResult contains the outcome of a job
type JobResult struct {
	Job      *Job
	Name     string
	Count    int
	Error    error
	Duration time.Duration
	Fatal    bool // the session ended; the remaining jobs are skipped
	Skipped  bool
}

// run executes the job
func (j *Job) run(ctx context.Context) JobResult {
	start := time.Now()
	result := JobResult{Job: j, Name: j.Counter.Name()}

	count, err := j.Counter.Count(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		result.Fatal = api.IsKind(err, api.KindTerminalAuth)
		return result
	}
	result.Count = count
	return result
}

// WorkerStatus represents the status of a worker
type WorkerStatus struct {
	ID      int
	State   WorkerState
	JobName string
	Since   time.Time
}

// WorkerState represents the state of a worker
type WorkerState int

const (
	WorkerStateIdle WorkerState = iota
	WorkerStateWorking
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateWorking:
		return "working"
	default:
		return "unknown"
	}
}
