package service

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/cvat-export/internal/models"
)

// Poll defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 30 * time.Minute
)

// Platform is the subset of the platform API the exporter drives.
// client.Client implements it.
type Platform interface {
	StartExport(ctx context.Context, taskID int64, format string, includeMedia bool) (string, error)
	GetRequest(ctx context.Context, rqID string) (*models.Request, error)
}

// StatusGetter queries an export request.
type StatusGetter interface {
	GetRequest(ctx context.Context, rqID string) (*models.Request, error)
}

// Poller waits for an export request to reach a terminal state.
type Poller struct {
	Getter   StatusGetter
	Interval time.Duration
	Timeout  time.Duration

	now func() time.Time
}

// NewPoller creates a poller with the given interval and timeout.
// Zero values fall back to the defaults.
func NewPoller(getter StatusGetter, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &Poller{Getter: getter, Interval: interval, Timeout: timeout, now: time.Now}
}

// Wait queries rqID immediately and then every Interval until the request
// finishes, fails, or Timeout elapses. onChange, if non-nil, is called for
// every observed status change. It returns the result location.
func (p *Poller) Wait(ctx context.Context, rqID string, onChange func(*models.Request)) (string, error) {
	now := p.now
	if now == nil {
		now = time.Now
	}

	start := now()
	var last models.RequestStatus
	first := true

	for {
		rq, err := p.Getter.GetRequest(ctx, rqID)
		if err != nil {
			return "", fmt.Errorf("query request %s: %w", rqID, err)
		}

		if first || rq.Status != last {
			first = false
			last = rq.Status
			if onChange != nil {
				onChange(rq)
			}
		}

		switch rq.Status {
		case models.RequestFinished:
			if rq.ResultURL == "" {
				return "", &InconsistencyError{RequestID: rqID}
			}
			return rq.ResultURL, nil
		case models.RequestFailed:
			return "", &JobFailedError{RequestID: rqID, Message: rq.Message}
		}

		if now().Sub(start) > p.Timeout {
			return "", &TimeoutError{RequestID: rqID, LastStatus: rq.Status}
		}

		timer := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}
