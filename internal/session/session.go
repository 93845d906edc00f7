// Package session runs the ingestion pipeline for one device connection at a
// time: fragments are reassembled into records, parsed into samples, logged
// in the Store and, unless paused, shown in the View.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uartplot/internal/export"
	"github.com/banshee-data/uartplot/internal/linebuf"
	"github.com/banshee-data/uartplot/internal/monitoring"
	"github.com/banshee-data/uartplot/internal/record"
	"github.com/banshee-data/uartplot/internal/series"
	"github.com/banshee-data/uartplot/internal/timeutil"
)

// DefaultSweepInterval is how often Run evicts stale points when no data
// arrives.
const DefaultSweepInterval = time.Second

// Archiver persists samples beyond the lifetime of a session. Errors are
// logged and never stop ingestion.
type Archiver interface {
	BeginSession(id string, startedAt time.Time) error
	RecordSample(id string, sample series.Sample) error
	EndSession(id string, endedAt time.Time) error
}

// Options configure a Session.
type Options struct {
	View          series.ViewOptions
	SweepInterval time.Duration
	Clock         timeutil.Clock
	// Archive is optional.
	Archive Archiver
}

// Status is a point-in-time summary of the session.
type Status struct {
	ID         string    `json:"id,omitempty"`
	Connected  bool      `json:"connected"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Samples    int       `json:"samples"`
	Series     int       `json:"series"`
	Points     int       `json:"points"`
	Pending    int       `json:"pending_bytes"`
	Paused     bool      `json:"paused"`
	Retention  string    `json:"retention"`
	Eviction   string    `json:"eviction"`
	LastSample time.Time `json:"last_sample,omitempty"`
}

// Session owns the pipeline state. Every method runs to completion under the
// session lock, so operations never interleave.
type Session struct {
	mu            sync.Mutex
	clock         timeutil.Clock
	archive       Archiver
	sweepInterval time.Duration

	lines *linebuf.Reassembler
	store *series.Store
	view  *series.View

	id        string
	connected bool
	startedAt time.Time
	last      int64
}

// New returns a disconnected Session.
func New(o Options) *Session {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return &Session{
		clock:         o.Clock,
		archive:       o.Archive,
		sweepInterval: o.SweepInterval,
		lines:         linebuf.New(),
		store:         series.NewStore(),
		view:          series.NewView(o.View),
	}
}

// Begin marks the start of a connection and returns its session ID. Calling
// Begin while connected returns the current ID.
func (s *Session) Begin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin()
}

func (s *Session) begin() string {
	if s.connected {
		return s.id
	}
	s.id = uuid.NewString()
	s.connected = true
	s.startedAt = s.clock.Now()
	if s.archive != nil {
		if err := s.archive.BeginSession(s.id, s.startedAt); err != nil {
			monitoring.Logf("failed to archive session start %s: %v", s.id, err)
		}
	}
	monitoring.Logf("session %s started", s.id)
	return s.id
}

// OnFragment ingests one transport fragment and returns the number of samples
// it completed. A fragment arriving while disconnected begins a session.
func (s *Session) OnFragment(fragment []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		s.begin()
	}
	records := s.lines.Feed(fragment)
	monitoring.Debugf("fragment %q: %d records, %d bytes pending", fragment, len(records), s.lines.Pending())
	for _, line := range records {
		at := s.captureTime()
		sample := record.Parse(line, at)
		s.store.Append(sample)
		s.view.Observe(sample, at)
		if s.archive != nil {
			if err := s.archive.RecordSample(s.id, sample); err != nil {
				monitoring.Logf("failed to archive sample for session %s: %v", s.id, err)
			}
		}
	}
	return len(records)
}

// captureTime reads the clock, holding timestamps non-decreasing if the wall
// clock steps backwards.
func (s *Session) captureTime() time.Time {
	now := s.clock.Now()
	ms := now.UnixMilli()
	if ms < s.last {
		return time.UnixMilli(s.last)
	}
	s.last = ms
	return now
}

// OnSessionEnd clears the Store, the View and the carry buffer. When it
// returns nothing from the ended connection remains.
func (s *Session) OnSessionEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		if s.archive != nil {
			if err := s.archive.EndSession(s.id, s.clock.Now()); err != nil {
				monitoring.Logf("failed to archive session end %s: %v", s.id, err)
			}
		}
		monitoring.Logf("session %s ended after %d samples", s.id, s.store.Len())
	}
	s.lines.Reset()
	s.store.Clear()
	s.view.Reset()
	s.id = ""
	s.connected = false
	s.startedAt = time.Time{}
	s.last = 0
}

// SetPaused pauses or resumes display updates. Ingestion is unaffected.
func (s *Session) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.SetPaused(paused)
}

// TogglePaused flips the pause flag and returns the new value.
func (s *Session) TogglePaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.SetPaused(!s.view.Paused())
	return s.view.Paused()
}

// Paused reports whether display updates are paused.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Paused()
}

// Sweep evicts stale display points against the current time.
func (s *Session) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.Sweep(s.clock.Now())
}

// DisplaySeries returns the buffered display points keyed by series index.
func (s *Session) DisplaySeries() map[int][]series.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.DisplaySeries()
}

// Datasets returns the display buffers with their identities and the current
// window.
func (s *Session) Datasets() ([]series.Dataset, series.Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Datasets(), s.view.Window()
}

// Palette returns the series colours of the View.
func (s *Session) Palette() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Palette()
}

// Snapshot returns every sample of the current session.
func (s *Session) Snapshot() []series.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot()
}

// Export renders the current session as CSV, or export.ErrNothingToExport.
func (s *Session) Export() ([]byte, error) {
	s.mu.Lock()
	samples := s.store.Snapshot()
	s.mu.Unlock()
	return export.Bytes(samples)
}

// Status reports the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:        s.id,
		Connected: s.connected,
		StartedAt: s.startedAt,
		Samples:   s.store.Len(),
		Series:    s.view.SeriesCount(),
		Points:    s.view.PointCount(),
		Pending:   s.lines.Pending(),
		Paused:    s.view.Paused(),
		Retention: s.view.Retention().String(),
		Eviction:  s.view.EvictionHorizon().String(),
	}
	if s.last > 0 {
		st.LastSample = time.UnixMilli(s.last).UTC()
	}
	return st
}

// Run begins a session and ingests fragments until the channel is closed or
// ctx is cancelled, sweeping the View every sweep interval. The session is
// ended before Run returns, so a new connection always starts empty.
func (s *Session) Run(ctx context.Context, fragments <-chan []byte) error {
	s.Begin()
	defer s.OnSessionEnd()

	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fragment, ok := <-fragments:
			if !ok {
				return nil
			}
			s.OnFragment(fragment)
		case <-ticker.C():
			s.Sweep()
		}
	}
}
