package service

import (
	"log/slog"
	"time"
)

// EventKind classifies a progress notification.
type EventKind string

const (
	EventStart       EventKind = "start"
	EventQueued      EventKind = "queued"
	EventStatus      EventKind = "status"
	EventDownloading EventKind = "downloading"
	EventDownloaded  EventKind = "downloaded" // byte progress during a transfer
	EventSaved       EventKind = "saved"
	EventSkipped     EventKind = "skipped"
	EventFailed      EventKind = "failed"
	EventSummary     EventKind = "summary"
)

// Event is a single human-oriented progress notification. Events never
// influence control flow.
type Event struct {
	Time      time.Time `json:"time"`
	Kind      EventKind `json:"kind"`
	TaskID    int64     `json:"taskId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Format    string    `json:"format,omitempty"`
	Status    string    `json:"status,omitempty"`
	Progress  string    `json:"progress,omitempty"`
	URL       string    `json:"url,omitempty"`
	Path      string    `json:"path,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Total     int64     `json:"total,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Err       error     `json:"-"`
	Summary   *Summary  `json:"summary,omitempty"`
}

// Sink receives progress events. Implementations must be safe for
// concurrent use when the runner has more than one worker.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch e.Kind {
	case EventDownloaded:
		logger.Debug("download progress", "task_id", e.TaskID, "bytes", e.Bytes, "total", e.Total)
	case EventFailed:
		logger.Error("task failed", "task_id", e.TaskID, "stage", e.Stage, "error", e.Error)
	case EventSummary:
		if e.Summary != nil {
			logger.Info("run complete",
				"saved", e.Summary.Saved,
				"skipped", e.Summary.Skipped,
				"failed", e.Summary.Failed,
				"duration", e.Summary.Duration)
		}
	default:
		attrs := []any{"task_id", e.TaskID}
		if e.RequestID != "" {
			attrs = append(attrs, "rq_id", e.RequestID)
		}
		if e.Status != "" {
			attrs = append(attrs, "status", e.Status, "progress", e.Progress)
		}
		if e.URL != "" {
			attrs = append(attrs, "url", e.URL)
		}
		if e.Path != "" {
			attrs = append(attrs, "path", e.Path)
		}
		logger.Info("task "+string(e.Kind), attrs...)
	}
}
