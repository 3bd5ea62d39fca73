package service

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/cvat-export/internal/models"
)

// Sentinel errors for per-task failures. Use errors.Is to check them.
var (
	ErrJobFailed      = errors.New("export job failed")
	ErrPollTimeout    = errors.New("timed out waiting for export job")
	ErrEmptyResultURL = errors.New("finished job has no result url")
)

// JobFailedError is returned when the platform reports the export as failed.
// Message is the platform text, verbatim.
type JobFailedError struct {
	RequestID string
	Message   string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("export failed: %s", e.Message)
}

func (e *JobFailedError) Is(target error) bool {
	return target == ErrJobFailed
}

// TimeoutError is returned when no terminal state was observed in time.
type TimeoutError struct {
	RequestID  string
	LastStatus models.RequestStatus
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for export (last status=%s)", e.LastStatus)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrPollTimeout
}

// InconsistencyError is returned when the platform reports success without a result location.
type InconsistencyError struct {
	RequestID string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("request %s: finished but result_url is empty", e.RequestID)
}

func (e *InconsistencyError) Is(target error) bool {
	return target == ErrEmptyResultURL
}
