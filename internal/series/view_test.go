package series

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(v int64) time.Time { return time.UnixMilli(v) }

func TestView_EvictionHysteresis(t *testing.T) {
	v := NewView(ViewOptions{Retention: 30 * time.Second, EvictionRatio: 1.5})
	require.Equal(t, 45*time.Second, v.EvictionHorizon())

	for _, ts := range []int64{0, 10000, 20000, 40000} {
		v.Observe(Sample{Timestamp: ts, Values: []float64{float64(ts)}}, ms(ts))
	}

	// at now=40000 the cutoff is -5000, so t=0 is still buffered even though
	// it is outside the visible window
	assert.Len(t, v.DisplaySeries()[0], 4)
	assert.Equal(t, Window{Min: 10000, Max: 40000, Valid: true}, v.Window())

	v.Sweep(ms(60000))

	want := []Point{{X: 20000, Y: 20000}, {X: 40000, Y: 40000}}
	if diff := cmp.Diff(want, v.DisplaySeries()[0]); diff != "" {
		t.Errorf("points after sweep mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Window{Min: 30000, Max: 60000, Valid: true}, v.Window())
}

func TestView_SweepIsIdempotent(t *testing.T) {
	v := NewView(ViewOptions{Retention: 10 * time.Second, EvictionRatio: 1})
	for _, ts := range []int64{0, 5000, 9000, 15000} {
		v.Observe(Sample{Timestamp: ts, Values: []float64{1}}, ms(ts))
	}

	v.Sweep(ms(17000))
	first := v.DisplaySeries()
	v.Sweep(ms(17000))
	second := v.DisplaySeries()

	assert.Equal(t, first, second)
	assert.Len(t, first[0], 2)
}

func TestView_SeriesIdentity(t *testing.T) {
	v := NewView(ViewOptions{Palette: []string{"#111111", "#222222"}})
	v.Observe(Sample{Timestamp: 1, Values: []float64{1, 2, 3}}, ms(1))

	ds := v.Datasets()
	require.Len(t, ds, 3)
	assert.Equal(t, "Series 1", ds[0].Label)
	assert.Equal(t, "Series 3", ds[2].Label)
	assert.Equal(t, "#111111", ds[0].Color)
	assert.Equal(t, "#222222", ds[1].Color)
	assert.Equal(t, "#111111", ds[2].Color)
}

func TestView_RaggedVectors(t *testing.T) {
	v := NewView(ViewOptions{})
	v.Observe(Sample{Timestamp: 1, Values: []float64{1}}, ms(1))
	v.Observe(Sample{Timestamp: 2, Values: []float64{2, 20}}, ms(2))
	v.Observe(Sample{Timestamp: 3, Values: []float64{3}}, ms(3))

	got := v.DisplaySeries()
	assert.Len(t, got[0], 3)
	assert.Equal(t, []Point{{X: 2, Y: 20}}, got[1])
}

func TestView_NaNAddsNoPoint(t *testing.T) {
	v := NewView(ViewOptions{})
	v.Observe(Sample{Timestamp: 1, Values: []float64{1, math.NaN(), 3}}, ms(1))

	got := v.DisplaySeries()
	require.Len(t, got, 3)
	assert.Len(t, got[0], 1)
	assert.Empty(t, got[1])
	assert.Len(t, got[2], 1)
}

func TestView_InfinityAddsNoPoint(t *testing.T) {
	v := NewView(ViewOptions{})
	v.Observe(Sample{Timestamp: 1, Values: []float64{math.Inf(1), 2, math.Inf(-1)}}, ms(1))

	got := v.DisplaySeries()
	require.Len(t, got, 3)
	assert.Empty(t, got[0])
	assert.Equal(t, []Point{{X: 1, Y: 2}}, got[1])
	assert.Empty(t, got[2])
}

func TestView_PauseDoesNotBackfill(t *testing.T) {
	v := NewView(ViewOptions{})
	v.Observe(Sample{Timestamp: 1, Values: []float64{1}}, ms(1))

	v.SetPaused(true)
	for ts := int64(2); ts <= 4; ts++ {
		v.Observe(Sample{Timestamp: ts, Values: []float64{float64(ts)}}, ms(ts))
	}
	assert.Equal(t, 1, v.PointCount())

	v.SetPaused(false)
	assert.Equal(t, 1, v.PointCount())

	v.Observe(Sample{Timestamp: 5, Values: []float64{5}}, ms(5))
	assert.Equal(t, []Point{{X: 1, Y: 1}, {X: 5, Y: 5}}, v.DisplaySeries()[0])
}

func TestView_PausedSweepKeepsPoints(t *testing.T) {
	v := NewView(ViewOptions{Retention: time.Second, EvictionRatio: 1})
	v.Observe(Sample{Timestamp: 0, Values: []float64{1}}, ms(0))
	v.SetPaused(true)
	v.Sweep(ms(60000))

	assert.Equal(t, 1, v.PointCount())
	assert.Equal(t, int64(0), v.Window().Max)
}

func TestView_Reset(t *testing.T) {
	v := NewView(ViewOptions{})
	v.Observe(Sample{Timestamp: 1, Values: []float64{1, 2}}, ms(1))
	v.SetPaused(true)
	v.Reset()

	assert.Empty(t, v.DisplaySeries())
	assert.False(t, v.Window().Valid)
	assert.False(t, v.Paused())
}

func TestNewView_Defaults(t *testing.T) {
	v := NewView(ViewOptions{EvictionRatio: 0.5})
	assert.Equal(t, DefaultRetention, v.Retention())
	assert.Equal(t, 45*time.Second, v.EvictionHorizon())
}

func TestView_DatasetsAreCopies(t *testing.T) {
	v := NewView(ViewOptions{})
	v.Observe(Sample{Timestamp: 1, Values: []float64{1}}, ms(1))

	ds := v.Datasets()
	ds[0].Points[0].Y = 99

	assert.Equal(t, 1.0, v.DisplaySeries()[0][0].Y)
}
