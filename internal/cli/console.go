package cli

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/raphaelgruber/cvat-export/internal/client"
	"github.com/raphaelgruber/cvat-export/internal/service"
)

// consoleSink prints one plain line per event: progress on out, per-task
// errors on errOut.
type consoleSink struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
}

func newConsoleSink(out, errOut io.Writer) *consoleSink {
	return &consoleSink{out: out, errOut: errOut}
}

func (s *consoleSink) Emit(e service.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case service.EventStart:
		fmt.Fprintf(s.out, "\nTask %d: start export (%s)\n", e.TaskID, e.Format)
	case service.EventSkipped:
		fmt.Fprintf(s.out, "  skip (exists): %s\n", e.Path)
	case service.EventQueued:
		fmt.Fprintf(s.out, "  export queued, rq_id=%s\n", e.RequestID)
	case service.EventStatus:
		fmt.Fprintf(s.out, "  request %s status: %s (progress=%s)\n", e.RequestID, e.Status, e.Progress)
	case service.EventDownloading:
		fmt.Fprintf(s.out, "  downloading: %s\n", e.URL)
	case service.EventSaved:
		fmt.Fprintf(s.out, "  saved: %s\n", e.Path)
	case service.EventFailed:
		var apiErr *client.APIError
		if errors.As(e.Err, &apiErr) {
			fmt.Fprintf(s.errOut, "  API error for task %d: %s\n", e.TaskID, e.Error)
		} else {
			fmt.Fprintf(s.errOut, "  error for task %d: %s\n", e.TaskID, e.Error)
		}
	case service.EventSummary:
		if e.Summary != nil {
			fmt.Fprintf(s.out, "\nDone: %d saved, %d skipped, %d failed (%s)\n",
				e.Summary.Saved, e.Summary.Skipped, e.Summary.Failed, e.Summary.Duration.Round(100*time.Millisecond))
		}
	}
}
