package jobs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"roof-segmenter/internal/domain"
)

// ErrJobExists is returned when a job ID is issued twice.
var ErrJobExists = errors.New("job already exists")

// ErrUnknownJob is returned for operations on an ID that was never created.
var ErrUnknownJob = errors.New("unknown job")

// NewID issues a fresh job identifier. The millisecond prefix keeps IDs
// roughly sortable on disk; the random suffix makes collisions implausible
// even for uploads landing in the same millisecond.
func NewID() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}

// Manager tracks every job's lifecycle and validates its transitions.
// Jobs for different uploads run concurrently and independently.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

// NewManager creates an empty job registry.
func NewManager() *Manager {
	return &Manager{
		jobs: make(map[string]domain.Job),
	}
}

// Create registers a new job in received state. An ID, once issued, is
// never reused, so a duplicate is an error rather than a reset.
func (m *Manager) Create(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; ok {
		return ErrJobExists
	}

	m.jobs[id] = domain.Job{
		ID:        id,
		Status:    domain.JobStatusReceived,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// Transition validates and applies a state transition for one job.
func (m *Manager) Transition(id string, status domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	if status == job.Status {
		return nil
	}
	if !isValidTransition(job.Status, status) {
		return fmt.Errorf("invalid transition: %s -> %s", job.Status, status)
	}

	job.Status = status
	m.jobs[id] = job
	return nil
}

// SetInput records the stored upload path for a job.
func (m *Manager) SetInput(id, inputPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrUnknownJob
	}

	job.InputPath = inputPath
	m.jobs[id] = job
	return nil
}

// SetResult records output artifacts produced by a completed run.
func (m *Manager) SetResult(id, outputPath string, segments []domain.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrUnknownJob
	}

	job.OutputPath = outputPath
	job.Segments = segments
	m.jobs[id] = job
	return nil
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (domain.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	return job, ok
}

// Count returns the number of jobs ever created.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// isValidTransition enforces the allowed job state machine edges.
// Failure is reachable from any non-terminal state.
func isValidTransition(from, to domain.JobStatus) bool {
	if to == domain.JobStatusFailed {
		return !from.Terminal()
	}

	switch from {
	case domain.JobStatusReceived:
		return to == domain.JobStatusUploaded
	case domain.JobStatusUploaded:
		return to == domain.JobStatusProcessing
	case domain.JobStatusProcessing:
		return to == domain.JobStatusCompleted
	default:
		return false
	}
}
