package api

import (
	"fmt"
	"image/color"
	"math"
	"net/http"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/uartplot/internal/httputil"
	"github.com/banshee-data/uartplot/internal/series"
)

const (
	plotWidth  = 14 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// parseHexColor converts #RRGGBB to a colour, falling back to black.
func parseHexColor(s string) color.Color {
	if len(s) != 7 || s[0] != '#' {
		return color.Black
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.Black
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// sessionPlot draws every sample of the session, one line per series. NaN and
// infinite values are skipped.
func sessionPlot(samples []series.Sample, palette []string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session (%d samples)", len(samples))
	p.X.Label.Text = "Time (UTC)"
	p.Y.Label.Text = "Value"
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}
	p.Add(plotter.NewGrid())

	width := series.MaxWidth(samples)
	for i := 0; i < width; i++ {
		pts := make(plotter.XYs, 0, len(samples))
		for _, s := range samples {
			if i >= len(s.Values) || math.IsNaN(s.Values[i]) || math.IsInf(s.Values[i], 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(s.Timestamp) / 1000, Y: s.Values[i]})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = parseHexColor(palette[i%len(palette)])
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.Label(i), line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// plotPNG renders the whole session store, not just the live window.
func (s *Server) plotPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	samples := s.session.Snapshot()
	if len(samples) == 0 {
		httputil.NotFound(w, "nothing to plot")
		return
	}

	p, err := sessionPlot(samples, s.session.Palette())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = wt.WriteTo(w)
}
