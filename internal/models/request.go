// Package models defines data structures shared by the exporter front-ends.
package models

import (
	"fmt"
	"strings"
)

// RequestStatus is the lifecycle state of a platform export request.
// Labels are platform-defined; ParseRequestStatus normalizes case.
type RequestStatus string

const (
	RequestQueued     RequestStatus = "queued"
	RequestStarted    RequestStatus = "started"
	RequestInProgress RequestStatus = "in_progress"
	RequestFinished   RequestStatus = "finished"
	RequestFailed     RequestStatus = "failed"
)

// ParseRequestStatus lowercases and trims a platform status label.
// Unknown labels are kept verbatim and are never terminal.
func ParseRequestStatus(s string) RequestStatus {
	return RequestStatus(strings.ToLower(strings.TrimSpace(s)))
}

// UnmarshalText lets JSON decoding normalize the label.
func (s *RequestStatus) UnmarshalText(b []byte) error {
	*s = ParseRequestStatus(string(b))
	return nil
}

func (s RequestStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can happen.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestFinished || s == RequestFailed
}

// IsActive reports whether the platform is working on the request.
// "started" is the label some platform versions use for in_progress.
func (s RequestStatus) IsActive() bool {
	return s == RequestStarted || s == RequestInProgress
}

// Request is the observed state of an export request. It is only ever read
// from the platform, never written back.
type Request struct {
	ID        string        `json:"id"`
	Status    RequestStatus `json:"status"`
	Message   string        `json:"message"`
	Progress  *float64      `json:"progress,omitempty"`
	ResultURL string        `json:"result_url"`
}

// ProgressString formats Progress the way status lines show it.
func (r *Request) ProgressString() string {
	if r.Progress == nil {
		return "None"
	}
	return fmt.Sprintf("%.2f", *r.Progress)
}
