package series

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// DefaultPalette is the colour cycle assigned to series by index.
var DefaultPalette = []string{"#4A90E2", "#F5A623", "#50E3C2", "#BD10E0", "#7ED321", "#E0103E"}

const (
	DefaultRetention     = 30 * time.Second
	DefaultEvictionRatio = 1.5
)

// Point is one plotted value: X is the sample timestamp in unix milliseconds.
type Point struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

// Dataset is the display buffer for one series index together with its
// stable identity (label and colour).
type Dataset struct {
	Index  int     `json:"index"`
	Label  string  `json:"label"`
	Color  string  `json:"color"`
	Points []Point `json:"points"`
}

// Window is the visible time range [Min, Max] in unix milliseconds. Valid is
// false until the first point has been observed after a reset.
type Window struct {
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
	Valid bool  `json:"valid"`
}

// ViewOptions configure a View. Zero values take the package defaults.
type ViewOptions struct {
	// Retention is the trailing span shown by the display window.
	Retention time.Duration
	// EvictionRatio scales Retention to get the eviction horizon. Points
	// between the two horizons stay buffered but fall outside the window.
	EvictionRatio float64
	Palette       []string
}

// View keeps a trailing window of points per series for live display. It is
// derived from the samples it observes and can always be rebuilt from a
// Store. View is not safe for concurrent use; callers serialise access.
type View struct {
	retention time.Duration
	eviction  time.Duration
	palette   []string

	paused   bool
	datasets map[int]*Dataset
	window   Window
}

// NewView returns an empty, unpaused View.
func NewView(o ViewOptions) *View {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.EvictionRatio < 1 {
		o.EvictionRatio = DefaultEvictionRatio
	}
	if len(o.Palette) == 0 {
		o.Palette = DefaultPalette
	}
	return &View{
		retention: o.Retention,
		eviction:  time.Duration(float64(o.Retention) * o.EvictionRatio),
		palette:   append([]string(nil), o.Palette...),
		datasets:  make(map[int]*Dataset),
	}
}

// Retention returns the visible window span.
func (v *View) Retention() time.Duration { return v.retention }

// EvictionHorizon returns the age after which points are discarded.
func (v *View) EvictionHorizon() time.Duration { return v.eviction }

// Observe adds the values of sample to their series buffers and then sweeps
// the buffers against now. NaN and infinite values create the series but add
// no point.
// Observe does nothing while the view is paused.
func (v *View) Observe(sample Sample, now time.Time) {
	if v.paused {
		return
	}
	for i, value := range sample.Values {
		ds := v.dataset(i)
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		ds.Points = append(ds.Points, Point{X: sample.Timestamp, Y: value})
	}
	v.sweep(now)
}

// Sweep recomputes the window bounds and evicts expired points. It is
// idempotent for a given now and does nothing while the view is paused or
// before anything has been observed.
func (v *View) Sweep(now time.Time) {
	if v.paused || len(v.datasets) == 0 {
		return
	}
	v.sweep(now)
}

func (v *View) sweep(now time.Time) {
	nowMs := now.UnixMilli()
	v.window = Window{
		Min:   nowMs - v.retention.Milliseconds(),
		Max:   nowMs,
		Valid: true,
	}
	cutoff := nowMs - v.eviction.Milliseconds()
	for _, ds := range v.datasets {
		// points are appended in timestamp order
		i := sort.Search(len(ds.Points), func(i int) bool { return ds.Points[i].X >= cutoff })
		if i > 0 {
			ds.Points = ds.Points[i:]
		}
	}
}

func (v *View) dataset(index int) *Dataset {
	ds, ok := v.datasets[index]
	if !ok {
		ds = &Dataset{
			Index: index,
			Label: Label(index),
			Color: v.palette[index%len(v.palette)],
		}
		v.datasets[index] = ds
	}
	return ds
}

// SetPaused sets the pause flag. Samples observed while paused are never
// backfilled when the view resumes.
func (v *View) SetPaused(paused bool) { v.paused = paused }

// Paused reports whether display updates are paused.
func (v *View) Paused() bool { return v.paused }

// Reset drops every series buffer and the window bounds and clears the pause
// flag, ready for a new session.
func (v *View) Reset() {
	v.datasets = make(map[int]*Dataset)
	v.window = Window{}
	v.paused = false
}

// Palette returns a copy of the colours assigned to series by index.
func (v *View) Palette() []string { return append([]string(nil), v.palette...) }

// Window returns the current display bounds.
func (v *View) Window() Window { return v.window }

// SeriesCount returns the number of series seen since the last reset.
func (v *View) SeriesCount() int { return len(v.datasets) }

// PointCount returns the number of buffered points across all series.
func (v *View) PointCount() int {
	n := 0
	for _, ds := range v.datasets {
		n += len(ds.Points)
	}
	return n
}

// DisplaySeries returns a copy of the buffered points keyed by series index.
func (v *View) DisplaySeries() map[int][]Point {
	out := make(map[int][]Point, len(v.datasets))
	for i, ds := range v.datasets {
		out[i] = append([]Point(nil), ds.Points...)
	}
	return out
}

// Datasets returns a copy of every series buffer ordered by index.
func (v *View) Datasets() []Dataset {
	out := make([]Dataset, 0, len(v.datasets))
	for _, ds := range v.datasets {
		cp := *ds
		cp.Points = append(make([]Point, 0, len(ds.Points)), ds.Points...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Label returns the display label for a series index.
func Label(index int) string {
	return fmt.Sprintf("Series %d", index+1)
}
