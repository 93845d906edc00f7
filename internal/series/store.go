// Package series holds the per-session sample log and the windowed,
// per-series point buffers derived from it for live display.
package series

import (
	"sync"
	"time"
)

// Sample is one parsed record: a capture timestamp in unix milliseconds and
// the ordered numeric fields of the record. Values may contain NaN where a
// field could not be parsed. A Sample is never modified once created.
type Sample struct {
	Timestamp int64     `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// Time returns the capture time of the sample in UTC.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp).UTC()
}

// Store is the append-only log of every sample received during a session. It
// is the source of truth for export and is never bounded.
type Store struct {
	mu      sync.RWMutex
	samples []Sample
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Append adds a sample to the end of the log.
func (s *Store) Append(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

// Clear drops every sample. It is called only at session boundaries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
}

// Len returns the number of samples in the log.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// Snapshot returns the samples appended so far in arrival order. The result
// is a copy and may be read while further samples are appended.
func (s *Store) Snapshot() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// MaxWidth returns the largest vector length across samples.
func MaxWidth(samples []Sample) int {
	width := 0
	for _, s := range samples {
		if len(s.Values) > width {
			width = len(s.Values)
		}
	}
	return width
}
