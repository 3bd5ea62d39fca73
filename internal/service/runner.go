// Package service implements the export workflow: trigger, poll, resolve, download.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/raphaelgruber/cvat-export/internal/metrics"
	"github.com/raphaelgruber/cvat-export/internal/models"
	"golang.org/x/sync/errgroup"
)

// Stage names the step of the per-task pipeline an outcome ended in.
type Stage string

const (
	StageTrigger  Stage = "trigger"
	StagePoll     Stage = "poll"
	StageDownload Stage = "download"
)

// OutcomeState is the final state of one task.
type OutcomeState string

const (
	OutcomeSaved   OutcomeState = "saved"
	OutcomeSkipped OutcomeState = "skipped"
	OutcomeFailed  OutcomeState = "failed"
)

// Outcome is the per-task result of a run.
type Outcome struct {
	TaskID    int64         `json:"taskId" yaml:"task_id"`
	State     OutcomeState  `json:"state" yaml:"state"`
	Path      string        `json:"path,omitempty" yaml:"path,omitempty"`
	RequestID string        `json:"requestId,omitempty" yaml:"request_id,omitempty"`
	Bytes     int64         `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Stage     Stage         `json:"stage,omitempty" yaml:"stage,omitempty"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`

	err error
}

// Err returns the underlying error of a failed outcome.
func (o Outcome) Err() error {
	return o.err
}

// Summary aggregates the outcomes of a run in task order.
type Summary struct {
	Outcomes []Outcome        `json:"outcomes" yaml:"outcomes"`
	Saved    int              `json:"saved" yaml:"saved"`
	Skipped  int              `json:"skipped" yaml:"skipped"`
	Failed   int              `json:"failed" yaml:"failed"`
	Duration time.Duration    `json:"duration" yaml:"duration"`
	Metrics  metrics.Snapshot `json:"metrics" yaml:"metrics"`
}

// HasFailures reports whether any task failed.
func (s *Summary) HasFailures() bool {
	return s.Failed > 0
}

// Options controls a run. Zero values fall back to defaults.
type Options struct {
	Server       string // base URL used to resolve relative result locations
	Format       string
	OutDir       string
	IncludeMedia bool
	Overwrite    bool
	PollInterval time.Duration
	PollTimeout  time.Duration
	Workers      int
}

// DefaultFormat is the export format used when none is given.
const DefaultFormat = "CVAT for video 1.1"

// Runner drives the per-task pipeline over a list of task ids.
type Runner struct {
	platform Platform
	fetcher  Fetcher
	sink     Sink
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSink sets where progress events go.
func WithSink(s Sink) RunnerOption {
	return func(r *Runner) { r.sink = s }
}

// WithMetrics records stage timings into c.
func WithMetrics(c *metrics.Collector) RunnerOption {
	return func(r *Runner) { r.metrics = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner that talks to platform and downloads through fetcher.
func NewRunner(platform Platform, fetcher Fetcher, opts ...RunnerOption) *Runner {
	r := &Runner{
		platform: platform,
		fetcher:  fetcher,
		sink:     discardSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = metrics.NewCollector()
	}
	return r
}

// Metrics returns the collector the runner records into.
func (r *Runner) Metrics() *metrics.Collector {
	return r.metrics
}

// Run exports every task in order. Per-task failures are recorded in the
// summary and never stop the run. The returned error is non-nil only when
// the output directory cannot be created or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, taskIDs []int64, opts Options) (*Summary, error) {
	opts = withDefaults(opts)
	started := time.Now()

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	outcomes := make([]*Outcome, len(taskIDs))
	locks := newPathLocks()

	var g errgroup.Group
	g.SetLimit(opts.Workers)

	for i, id := range taskIDs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o := r.runTask(ctx, id, opts, locks)
			outcomes[i] = &o
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{Duration: time.Since(started)}
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		summary.Outcomes = append(summary.Outcomes, *o)
		switch o.State {
		case OutcomeSaved:
			summary.Saved++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeFailed:
			summary.Failed++
		}
	}
	summary.Metrics = r.metrics.Snapshot()

	r.sink.Emit(Event{Time: time.Now(), Kind: EventSummary, Summary: summary})

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func withDefaults(opts Options) Options {
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return opts
}

func (r *Runner) emit(e Event) {
	e.Time = time.Now()
	r.sink.Emit(e)
}

// pathLocks serializes tasks that write the same output file. Duplicate task
// ids share one .part path, so with several workers they must not overlap.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: map[string]*sync.Mutex{}}
}

func (p *pathLocks) lock(path string) (unlock func()) {
	p.mu.Lock()
	l := p.locks[path]
	if l == nil {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// runTask runs trigger, poll, resolve and download for one task. The skip
// check and the download hold the lock for the task's output path.
func (r *Runner) runTask(ctx context.Context, taskID int64, opts Options, locks *pathLocks) Outcome {
	started := time.Now()
	dest := models.OutputPath(opts.OutDir, taskID)
	outcome := Outcome{TaskID: taskID, Path: dest}

	fail := func(stage Stage, err error) Outcome {
		outcome.State = OutcomeFailed
		outcome.Stage = stage
		outcome.Error = err.Error()
		outcome.Duration = time.Since(started)
		outcome.err = err
		r.emit(Event{Kind: EventFailed, TaskID: taskID, RequestID: outcome.RequestID, Stage: stage, Error: err.Error(), Err: err})
		return outcome
	}

	r.emit(Event{Kind: EventStart, TaskID: taskID, Format: opts.Format})

	unlock := locks.lock(dest)
	defer unlock()

	if !opts.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			outcome.State = OutcomeSkipped
			outcome.Duration = time.Since(started)
			r.emit(Event{Kind: EventSkipped, TaskID: taskID, Path: dest})
			return outcome
		}
	}

	// Trigger
	t := time.Now()
	rqID, err := r.platform.StartExport(ctx, taskID, opts.Format, opts.IncludeMedia)
	r.metrics.Record(metrics.OpTrigger, time.Since(t), err)
	if err != nil {
		return fail(StageTrigger, err)
	}
	outcome.RequestID = rqID
	r.emit(Event{Kind: EventQueued, TaskID: taskID, RequestID: rqID})

	// Poll
	t = time.Now()
	poller := NewPoller(r.platform, opts.PollInterval, opts.PollTimeout)
	location, err := poller.Wait(ctx, rqID, func(rq *models.Request) {
		r.emit(Event{
			Kind:      EventStatus,
			TaskID:    taskID,
			RequestID: rqID,
			Status:    rq.Status.String(),
			Progress:  rq.ProgressString(),
		})
	})
	r.metrics.Record(metrics.OpPoll, time.Since(t), err)
	if err != nil {
		return fail(StagePoll, err)
	}

	// Resolve and download
	downloadURL := ResolveURL(opts.Server, location)
	r.emit(Event{Kind: EventDownloading, TaskID: taskID, RequestID: rqID, URL: downloadURL})

	dl := &Downloader{
		Fetcher: r.fetcher,
		OnProgress: func(written, total int64) {
			r.emit(Event{Kind: EventDownloaded, TaskID: taskID, Bytes: written, Total: total})
		},
	}
	t = time.Now()
	n, err := dl.Download(ctx, downloadURL, dest)
	r.metrics.Record(metrics.OpDownload, time.Since(t), err)
	r.metrics.RecordBytes(metrics.OpDownload, n)
	if err != nil {
		return fail(StageDownload, err)
	}

	outcome.State = OutcomeSaved
	outcome.Bytes = n
	outcome.Duration = time.Since(started)
	r.emit(Event{Kind: EventSaved, TaskID: taskID, RequestID: rqID, Path: dest, Bytes: n})
	r.logger.Debug("task saved", "task_id", taskID, "bytes", n, "duration", outcome.Duration)
	return outcome
}

// FailedErrors returns the errors of failed outcomes joined together.
func (s *Summary) FailedErrors() error {
	var errs []error
	for _, o := range s.Outcomes {
		if o.State == OutcomeFailed && o.err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", o.TaskID, o.err))
		}
	}
	return errors.Join(errs...)
}

// syncSink serializes Emit calls for sinks that are not safe for concurrent use.
type syncSink struct {
	mu   sync.Mutex
	sink Sink
}

// Synchronized wraps s so concurrent workers never call it in parallel.
func Synchronized(s Sink) Sink {
	return &syncSink{sink: s}
}

func (s *syncSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Emit(e)
}
