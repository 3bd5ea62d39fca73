package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the state of a background run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run manager errors.
var (
	ErrRunActive    = errors.New("a run is already active")
	ErrRunNotFound  = errors.New("run not found")
	ErrRunNotActive = errors.New("run is not active")
)

// RunFunc performs a batch, emitting progress to sink.
type RunFunc func(ctx context.Context, sink Sink) (*Summary, error)

// Run is a batch executing in the background.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	Total       int        `json:"total"`
	Done        int        `json:"done"`
	Summary     *Summary   `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	mu     sync.RWMutex
	cancel context.CancelFunc
}

// Snapshot returns a thread-safe copy of run state.
func (r *Run) Snapshot() Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Run{
		ID:          r.ID,
		Status:      r.Status,
		Total:       r.Total,
		Done:        r.Done,
		Summary:     r.Summary,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// RunManager runs at most one batch at a time and keeps past runs in memory.
type RunManager struct {
	runs    map[string]*Run
	active  *Run
	mu      sync.RWMutex
	forward func(runID string, e Event)
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewRunManager creates a run manager. forward, if non-nil, receives every
// event of every run tagged with the run id.
func NewRunManager(forward func(runID string, e Event), logger *slog.Logger) *RunManager {
	if logger == nil {
		logger = slog.Default()
	}
	if forward == nil {
		forward = func(string, Event) {}
	}
	return &RunManager{
		runs:    make(map[string]*Run),
		forward: forward,
		logger:  logger,
	}
}

// Start launches fn in the background for a batch of total tasks.
// It fails with ErrRunActive while another run is in progress.
func (m *RunManager) Start(total int, fn RunFunc) (*Run, error) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:        uuid.New().String()[:8], // Short ID for convenience
		Status:    RunStatusRunning,
		Total:     total,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		cancel()
		return nil, ErrRunActive
	}
	m.runs[run.ID] = run
	m.active = run
	m.mu.Unlock()

	m.logger.Info("run started", "run_id", run.ID, "tasks", total)

	sink := Synchronized(SinkFunc(func(e Event) {
		switch e.Kind {
		case EventSaved, EventSkipped, EventFailed:
			run.mu.Lock()
			run.Done++
			run.mu.Unlock()
		}
		m.forward(run.ID, e)
	}))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("run goroutine panicked", "run_id", run.ID, "panic", r)
				m.finish(run, nil, fmt.Errorf("internal panic: %v", r))
			}
		}()

		summary, err := fn(ctx, sink)
		m.finish(run, summary, err)
	}()

	return run, nil
}

// finish records the result of a run and clears the active slot.
func (m *RunManager) finish(run *Run, summary *Summary, err error) {
	now := time.Now()

	m.mu.Lock()
	if m.active == run {
		m.active = nil
	}
	run.mu.Lock()
	run.Summary = summary
	run.CompletedAt = &now
	switch {
	case errors.Is(err, context.Canceled):
		run.Status = RunStatusCancelled
		run.Error = err.Error()
	case err != nil:
		run.Status = RunStatusFailed
		run.Error = err.Error()
	default:
		run.Status = RunStatusCompleted
	}
	status := run.Status
	run.mu.Unlock()
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("run ended", "run_id", run.ID, "status", status, "error", err)
		return
	}
	m.logger.Info("run completed", "run_id", run.ID, "saved", summary.Saved, "skipped", summary.Skipped, "failed", summary.Failed)
}

// Get retrieves a run by ID.
func (m *RunManager) Get(id string) *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs[id]
}

// Active returns the run in progress, or nil.
func (m *RunManager) Active() *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// List returns all runs, most recent first.
func (m *RunManager) List() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}

	slices.SortFunc(runs, func(a, b *Run) int {
		return b.StartedAt.Compare(a.StartedAt)
	})

	return runs
}

// Cancel stops an active run. The run finishes asynchronously.
func (m *RunManager) Cancel(id string) error {
	m.mu.RLock()
	run, ok := m.runs[id]
	active := m.active == run
	m.mu.RUnlock()

	if !ok {
		return ErrRunNotFound
	}
	if !active {
		return ErrRunNotActive
	}

	m.logger.Info("cancelling run", "run_id", id)
	run.cancel()
	return nil
}

// Shutdown cancels the active run and waits for it to finish or ctx to expire.
func (m *RunManager) Shutdown(ctx context.Context) error {
	if run := m.Active(); run != nil {
		run.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
