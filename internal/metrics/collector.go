// Package metrics keeps per-stage timing and transfer counters for export runs.
package metrics

import (
	"sync"
	"time"
)

// Stage names recorded by the runner.
const (
	OpTrigger  = "trigger"
	OpPoll     = "poll"
	OpDownload = "download"
)

// StageMetrics accumulates observations for one pipeline stage.
type StageMetrics struct {
	Count    int64
	Failures int64
	Total    time.Duration
	Fastest  time.Duration
	Slowest  time.Duration
	Bytes    int64
}

func (m *StageMetrics) observe(d time.Duration, failed bool) {
	if m.Count == 0 || d < m.Fastest {
		m.Fastest = d
	}
	if d > m.Slowest {
		m.Slowest = d
	}
	m.Count++
	m.Total += d
	if failed {
		m.Failures++
	}
}

// StageSnapshot is the reported view of a StageMetrics.
type StageSnapshot struct {
	Count          int64   `json:"count" yaml:"count"`
	Failures       int64   `json:"failures" yaml:"failures"`
	TotalTimeMs    int64   `json:"totalTimeMs" yaml:"total_time_ms"`
	AvgTimeMs      float64 `json:"avgTimeMs" yaml:"avg_time_ms"`
	MinTimeMs      int64   `json:"minTimeMs" yaml:"min_time_ms"`
	MaxTimeMs      int64   `json:"maxTimeMs" yaml:"max_time_ms"`
	TotalBytes     int64   `json:"totalBytes,omitempty" yaml:"total_bytes,omitempty"`
	BytesPerSecond float64 `json:"bytesPerSecond,omitempty" yaml:"bytes_per_second,omitempty"`
}

func (m *StageMetrics) snapshot() *StageSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	s := &StageSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.Total.Milliseconds(),
		AvgTimeMs:   float64(m.Total.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.Fastest.Milliseconds(),
		MaxTimeMs:   m.Slowest.Milliseconds(),
		TotalBytes:  m.Bytes,
	}
	if m.Bytes > 0 && m.Total > 0 {
		s.BytesPerSecond = float64(m.Bytes) / m.Total.Seconds()
	}
	return s
}

// Snapshot is the state of a Collector at one point in time. Stages that
// were never recorded are nil.
type Snapshot struct {
	UptimeSeconds float64        `json:"uptimeSeconds" yaml:"uptime_seconds"`
	Trigger       *StageSnapshot `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Poll          *StageSnapshot `json:"poll,omitempty" yaml:"poll,omitempty"`
	Download      *StageSnapshot `json:"download,omitempty" yaml:"download,omitempty"`
}

// Collector is safe for concurrent use by runner workers.
type Collector struct {
	mu      sync.RWMutex
	started time.Time
	stages  map[string]*StageMetrics
}

func NewCollector() *Collector {
	return &Collector{started: time.Now(), stages: map[string]*StageMetrics{}}
}

func (c *Collector) stage(op string) *StageMetrics {
	m := c.stages[op]
	if m == nil {
		m = &StageMetrics{}
		c.stages[op] = m
	}
	return m
}

// Record adds one execution of op that took d. A non-nil err counts as a failure.
func (c *Collector) Record(op string, d time.Duration, err error) {
	c.mu.Lock()
	c.stage(op).observe(d, err != nil)
	c.mu.Unlock()
}

// RecordBytes adds n transferred bytes to op.
func (c *Collector) RecordBytes(op string, n int64) {
	c.mu.Lock()
	c.stage(op).Bytes += n
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.started).Seconds(),
		Trigger:       c.stages[OpTrigger].snapshot(),
		Poll:          c.stages[OpPoll].snapshot(),
		Download:      c.stages[OpDownload].snapshot(),
	}
}
