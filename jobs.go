package opsignal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an async clustering job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// JobStatus is a point-in-time snapshot of a job. Result is set only once
// the job completes, Error only once it fails.
type JobStatus struct {
	ID          string                  `json:"id"`
	State       JobState                `json:"state"`
	Stage       string                  `json:"stage,omitempty"`
	Progress    float64                 `json:"progress"`
	SubmittedAt time.Time               `json:"submitted_at"`
	FinishedAt  *time.Time              `json:"finished_at,omitempty"`
	Result      *HybridClusteringResult `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// JobManager runs clustering batches asynchronously, one goroutine per job.
// Status snapshots are copies; callers never observe a job mid-update.
type JobManager struct {
	engine *ClusterEngine

	mu   sync.RWMutex
	jobs map[string]*JobStatus
}

// NewJobManager returns a manager running jobs on engine.
func NewJobManager(engine *ClusterEngine) *JobManager {
	return &JobManager{
		engine: engine,
		jobs:   make(map[string]*JobStatus),
	}
}

// Submit queues a clustering run and returns its job id immediately. The
// batch is validated up front so an obviously bad request fails fast instead
// of producing a doomed job.
func (m *JobManager) Submit(ctx context.Context, signals []Signal, force bool) (string, error) {
	if len(signals) < 2 {
		return "", &ValidationError{Reason: "clustering requires at least 2 signals"}
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.jobs[id] = &JobStatus{
		ID:          id,
		State:       JobQueued,
		SubmittedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	go m.runJob(ctx, id, signals, force)
	return id, nil
}

func (m *JobManager) runJob(ctx context.Context, id string, signals []Signal, force bool) {
	m.update(id, func(job *JobStatus) {
		job.State = JobProcessing
	})

	result, err := m.engine.run(ctx, signals, force, func(stage string, progress float64) {
		m.update(id, func(job *JobStatus) {
			job.Stage = stage
			job.Progress = progress
		})
	})

	now := time.Now().UTC()
	m.update(id, func(job *JobStatus) {
		job.FinishedAt = &now
		if err != nil {
			job.State = JobFailed
			job.Error = err.Error()
			job.Result = result
			return
		}
		job.State = JobCompleted
		job.Progress = 1.0
		job.Result = result
	})
}

func (m *JobManager) update(id string, fn func(*JobStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		fn(job)
	}
}

// Status returns a snapshot of the job, or nil if the id is unknown.
func (m *JobManager) Status(id string) *JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	snapshot := *job
	return &snapshot
}

// Jobs lists snapshots of all known jobs.
func (m *JobManager) Jobs() []JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]JobStatus, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	return out
}
