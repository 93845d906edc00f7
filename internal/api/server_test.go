package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uartplot/internal/db"
	"github.com/banshee-data/uartplot/internal/monitoring"
	"github.com/banshee-data/uartplot/internal/series"
	"github.com/banshee-data/uartplot/internal/session"
	"github.com/banshee-data/uartplot/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	session *session.Session
	clock   *timeutil.MockClock
	db      *db.DB
	mux     *http.ServeMux
}

func newTestServer(t *testing.T, withArchive bool) *testServer {
	t.Helper()
	ts := &testServer{clock: timeutil.NewMockClock(epoch)}

	opts := session.Options{
		View:  series.ViewOptions{Retention: 30 * time.Second, EvictionRatio: 1.5},
		Clock: ts.clock,
	}
	var archive Archive
	if withArchive {
		database, err := db.NewDB(filepath.Join(t.TempDir(), "archive.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		ts.db = database
		opts.Archive = database
		archive = database
	}
	ts.session = session.New(opts)

	srv := NewServer(ts.session, archive)
	srv.SetClock(ts.clock)
	srv.SetDeviceStatus(func() string { return "mock fixture" })
	ts.mux = srv.ServeMux()
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp["error"]
}

func TestShowSeries_Empty(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/series", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SeriesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotNil(t, resp.Datasets)
	assert.Empty(t, resp.Datasets)
	assert.False(t, resp.Window.Valid)
	assert.False(t, resp.Paused)
}

func TestShowSeries_WithData(t *testing.T) {
	ts := newTestServer(t, false)
	ts.session.OnFragment([]byte("1,2\n3,"))
	ts.clock.Advance(100 * time.Millisecond)
	ts.session.OnFragment([]byte("4\n"))

	rec := ts.do(http.MethodGet, "/api/series", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SeriesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Datasets, 2)
	assert.Equal(t, "Series 1", resp.Datasets[0].Label)
	assert.Equal(t, series.DefaultPalette[1], resp.Datasets[1].Color)
	assert.Equal(t, []series.Point{{X: epoch.UnixMilli(), Y: 1}, {X: epoch.UnixMilli() + 100, Y: 3}}, resp.Datasets[0].Points)
	assert.True(t, resp.Window.Valid)
	assert.Equal(t, epoch.UnixMilli()+100, resp.Window.Max)
}

func TestSetPaused(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantPaused bool
	}{
		{"toggle on", http.MethodPost, "", http.StatusOK, true},
		{"toggle off", http.MethodPost, "  ", http.StatusOK, false},
		{"explicit on", http.MethodPost, `{"paused":true}`, http.StatusOK, true},
		{"explicit on again", http.MethodPost, `{"paused":true}`, http.StatusOK, true},
		{"explicit off", http.MethodPost, `{"paused":false}`, http.StatusOK, false},
		{"bad json", http.MethodPost, `{"paused":`, http.StatusBadRequest, false},
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, "/api/pause", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				var resp map[string]bool
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, tt.wantPaused, resp["paused"])
			}
			assert.Equal(t, tt.wantPaused, ts.session.Paused())
		})
	}
}

func TestExportSession(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "nothing to export", decodeError(t, rec))

	ts.session.OnFragment([]byte("1.5,abc\n7\n"))
	rec = ts.do(http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		fmt.Sprintf("attachment; filename=uartplot_data_%d.csv", epoch.UnixMilli()),
		rec.Header().Get("Content-Disposition"))
	assert.Equal(t,
		"Timestamp,Series 1,Series 2\n"+
			"2024-05-01T09:00:00.000Z,1.5,NaN\n"+
			"2024-05-01T09:00:00.000Z,7,\n",
		rec.Body.String())

	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodPost, "/api/export", "").Code)
}

func TestExportAfterSessionEndIsEmpty(t *testing.T) {
	ts := newTestServer(t, false)
	ts.session.OnFragment([]byte("1\n"))
	ts.session.OnSessionEnd()

	rec := ts.do(http.MethodGet, "/api/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShowStatus(t *testing.T) {
	ts := newTestServer(t, true)
	ts.session.OnFragment([]byte("1,2,3\n4,5"))

	rec := ts.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Session.Connected)
	assert.NotEmpty(t, resp.Session.ID)
	assert.Equal(t, 1, resp.Session.Samples)
	assert.Equal(t, 3, resp.Session.Series)
	assert.Equal(t, 3, resp.Session.Pending)
	assert.Equal(t, "30s", resp.Session.Retention)
	assert.Equal(t, "45s", resp.Session.Eviction)
	assert.Equal(t, "mock fixture", resp.Device)
	assert.True(t, resp.Archive)
	assert.Equal(t, "dev", resp.Version)
}

func TestShowStats(t *testing.T) {
	ts := newTestServer(t, false)
	ts.session.OnFragment([]byte("1,10\n3,x\n"))

	rec := ts.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []series.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 2)
	assert.Equal(t, 2, resp[0].Count)
	assert.InDelta(t, 2.0, resp[0].Mean, 1e-9)
	assert.Equal(t, 1, resp[1].Count)
	assert.Equal(t, 1, resp[1].NaNCount)
}

func TestInfiniteValues(t *testing.T) {
	ts := newTestServer(t, false)
	ts.session.OnFragment([]byte("Infinity,2 V\n1e999,4\n"))

	rec := ts.do(http.MethodGet, "/api/series", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var seriesResp SeriesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&seriesResp))
	require.Len(t, seriesResp.Datasets, 2)
	assert.Empty(t, seriesResp.Datasets[0].Points)
	assert.Len(t, seriesResp.Datasets[1].Points, 2)

	rec = ts.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []series.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Len(t, stats, 2)
	assert.Equal(t, 2, stats[0].InfCount)
	assert.InDelta(t, 3.0, stats[1].Mean, 1e-9)

	rec = ts.do(http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t,
		"Timestamp,Series 1,Series 2\n"+
			"2024-05-01T09:00:00.000Z,Infinity,2\n"+
			"2024-05-01T09:00:00.000Z,Infinity,4\n",
		rec.Body.String())

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/plot.png", "").Code)
}

func TestChartHTML(t *testing.T) {
	ts := newTestServer(t, false)
	ts.session.OnFragment([]byte("1,2\n"))

	rec := ts.do(http.MethodGet, "/chart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "Series 1")
	assert.Contains(t, body, "Series 2")
	assert.Contains(t, body, series.DefaultPalette[0])
}

func TestRootRedirectsToChart(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/chart", rec.Header().Get("Location"))
}

func TestPlotPNG(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/plot.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.session.OnFragment([]byte("1,2\n"))
	ts.clock.Advance(time.Second)
	ts.session.OnFragment([]byte("2,nan\n3\n"))

	rec = ts.do(http.MethodGet, "/api/plot.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestParseHexColor(t *testing.T) {
	r, g, b, _ := parseHexColor("#4A90E2").RGBA()
	assert.Equal(t, uint32(0x4A), r>>8)
	assert.Equal(t, uint32(0x90), g>>8)
	assert.Equal(t, uint32(0xE2), b>>8)

	r, g, b, _ = parseHexColor("blue").RGBA()
	assert.Zero(t, r+g+b)
}

func TestArchiveDisabled(t *testing.T) {
	ts := newTestServer(t, false)

	for _, path := range []string{"/api/sessions", "/api/sessions/abc/export"} {
		rec := ts.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "archive disabled", decodeError(t, rec))
	}
}

func TestArchivedSessions(t *testing.T) {
	ts := newTestServer(t, true)
	ts.session.OnFragment([]byte("1,2\n3,4\n"))
	id := ts.session.Status().ID
	ts.session.OnSessionEnd()

	rec := ts.do(http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []db.SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, 2, sessions[0].Samples)
	assert.NotNil(t, sessions[0].EndedAt)

	// the live session is gone but the archive still exports it
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/export", "").Code)

	rec = ts.do(http.MethodGet, "/api/sessions/"+id+"/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t,
		"Timestamp,Series 1,Series 2\n"+
			"2024-05-01T09:00:00.000Z,1,2\n"+
			"2024-05-01T09:00:00.000Z,3,4\n",
		rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/sessions/unknown/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session not found", decodeError(t, rec))
}

func TestArchivedSessionWithoutSamples(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.session.Begin()
	ts.session.OnSessionEnd()

	rec := ts.do(http.MethodGet, "/api/sessions/"+id+"/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "nothing to export", decodeError(t, rec))
}

func TestLoggingMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	LoggingMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestStatusCodeColor(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen + "200" + colorReset},
		{302, colorYellow + "302" + colorReset},
		{404, colorBoldRed + "404" + colorReset},
		{503, colorBoldRed + "503" + colorReset},
		{101, "101"},
	}
	for _, tt := range tests {
		if got := statusCodeColor(tt.code); got != tt.want {
			t.Errorf("statusCodeColor(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
