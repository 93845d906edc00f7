package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/uartplot/internal/httputil"
	"github.com/banshee-data/uartplot/internal/series"
)

// lineChart renders the display buffers as an echarts line chart on a time
// axis clamped to the window.
func lineChart(datasets []series.Dataset, window series.Window, paused bool) *charts.Line {
	subtitle := fmt.Sprintf("series=%d", len(datasets))
	if window.Valid {
		subtitle += fmt.Sprintf(" window=%s", time.Duration(window.Max-window.Min)*time.Millisecond)
	}
	if paused {
		subtitle += " (paused)"
	}

	xAxis := opts.XAxis{Type: "time", Name: "Time", NameLocation: "middle", NameGap: 25}
	if window.Valid {
		xAxis.Min = window.Min
		xAxis.Max = window.Max
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "uartplot", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Live series", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(xAxis),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Scale: opts.Bool(true)}),
		charts.WithAnimation(false),
	)

	for _, ds := range datasets {
		data := make([]opts.LineData, 0, len(ds.Points))
		for _, p := range ds.Points {
			data = append(data, opts.LineData{Value: []interface{}{p.X, p.Y}})
		}
		line.AddSeries(ds.Label, data,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
			charts.WithLineStyleOpts(opts.LineStyle{Color: ds.Color, Width: 1.5}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: ds.Color}),
		)
	}
	return line
}

// chartHTML renders the live view as a standalone HTML page.
func (s *Server) chartHTML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	datasets, window := s.session.Datasets()

	var buf bytes.Buffer
	if err := lineChart(datasets, window, s.session.Paused()).Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
