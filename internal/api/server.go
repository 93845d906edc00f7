package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/uartplot/internal/db"
	"github.com/banshee-data/uartplot/internal/export"
	"github.com/banshee-data/uartplot/internal/httputil"
	"github.com/banshee-data/uartplot/internal/series"
	"github.com/banshee-data/uartplot/internal/session"
	"github.com/banshee-data/uartplot/internal/timeutil"
	"github.com/banshee-data/uartplot/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Archive is the read side of the sample archive.
type Archive interface {
	Sessions() ([]db.SessionInfo, error)
	SessionSamples(id string) ([]series.Sample, error)
}

type Server struct {
	session *session.Session
	archive Archive
	clock   timeutil.Clock
	device  func() string
}

// NewServer returns a Server for the live session. archive may be nil, in
// which case the archive endpoints report that archiving is disabled.
func NewServer(s *session.Session, archive Archive) *Server {
	return &Server{
		session: s,
		archive: archive,
		clock:   timeutil.RealClock{},
	}
}

// SetClock replaces the clock used to name downloads.
func (s *Server) SetClock(c timeutil.Clock) { s.clock = c }

// SetDeviceStatus installs a callback describing the transport for /api/status.
func (s *Server) SetDeviceStatus(f func() string) { s.device = f }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/series", s.showSeries)
	mux.HandleFunc("/api/pause", s.setPaused)
	mux.HandleFunc("/api/export", s.exportSession)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/{id}/export", s.exportArchivedSession)
	mux.HandleFunc("/api/plot.png", s.plotPNG)
	mux.HandleFunc("/chart", s.chartHTML)
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/chart", http.StatusFound)
	})
	return mux
}

// SeriesResponse is the body of GET /api/series.
type SeriesResponse struct {
	Window   series.Window    `json:"window"`
	Datasets []series.Dataset `json:"datasets"`
	Paused   bool             `json:"paused"`
}

func (s *Server) showSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	datasets, window := s.session.Datasets()
	httputil.WriteJSONOK(w, SeriesResponse{
		Window:   window,
		Datasets: datasets,
		Paused:   s.session.Paused(),
	})
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

// setPaused sets the pause flag from {"paused": bool}, or toggles it when the
// body is empty.
func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req pauseRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
	}

	var paused bool
	if req.Paused == nil {
		paused = s.session.TogglePaused()
	} else {
		s.session.SetPaused(*req.Paused)
		paused = *req.Paused
	}
	httputil.WriteJSONOK(w, map[string]bool{"paused": paused})
}

func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	data, err := s.session.Export()
	s.writeExport(w, data, err)
}

func (s *Server) writeExport(w http.ResponseWriter, data []byte, err error) {
	switch {
	case errors.Is(err, export.ErrNothingToExport):
		httputil.NotFound(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, "failed to export: "+err.Error())
	default:
		httputil.WriteAttachment(w, export.ContentType, export.FileName(s.clock.Now()), data)
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Session   session.Status `json:"session"`
	Device    string         `json:"device,omitempty"`
	Archive   bool           `json:"archive"`
	Version   string         `json:"version"`
	GitSHA    string         `json:"git_sha"`
	BuildTime string         `json:"build_time"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatusResponse{
		Session:   s.session.Status(),
		Archive:   s.archive != nil,
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildTime: version.BuildTime,
	}
	if s.device != nil {
		resp.Device = s.device()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, series.Summarize(s.session.Snapshot()))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	sessions, err := s.archive.Sessions()
	if err != nil {
		httputil.InternalServerError(w, "failed to list sessions: "+err.Error())
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) exportArchivedSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.archive == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	samples, err := s.archive.SessionSamples(r.PathValue("id"))
	if errors.Is(err, db.ErrSessionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, "failed to read session: "+err.Error())
		return
	}
	data, err := export.Bytes(samples)
	s.writeExport(w, data, err)
}
