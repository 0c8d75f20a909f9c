// Package api serves the stored access point positions over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/aplocate/internal/apstore"
	"github.com/banshee-data/aplocate/internal/config"
	"github.com/banshee-data/aplocate/internal/export"
	"github.com/banshee-data/aplocate/internal/httputil"
	"github.com/banshee-data/aplocate/internal/monitoring"
	"github.com/banshee-data/aplocate/internal/pipeline"
	"github.com/banshee-data/aplocate/internal/timeutil"
	"github.com/banshee-data/aplocate/internal/version"
)

const (
	defaultListLimit    = 500
	maxListLimit        = 5000
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// counter is implemented by stores that can report their table sizes.
type counter interface {
	Counts(ctx context.Context) (positions, history int64, err error)
}

// Server exposes read-only views of the position store plus the status of
// the most recent fusion cycle.
type Server struct {
	store      apstore.Store
	tuning     *config.TuningConfig
	staleAfter time.Duration
	clock      timeutil.Clock

	mu        sync.RWMutex
	last      *pipeline.CycleReport
	lastAt    time.Time
	cycles    int64
	cycleErrs int64
}

// NewServer returns a Server over store. A nil clock uses the real clock.
func NewServer(store apstore.Store, tuning *config.TuningConfig, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	return &Server{
		store:      store,
		tuning:     tuning,
		staleAfter: tuning.GetStaleAfter(),
		clock:      clock,
	}
}

// RecordCycle stores the latest cycle report for /api/status. It has the
// signature of pipeline.Runner.OnReport.
func (s *Server) RecordCycle(rep pipeline.CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &rep
	s.lastAt = s.clock.Now()
	s.cycles++
}

// RecordCycleError counts a cycle that failed before producing a report.
func (s *Server) RecordCycleError(error) {
	s.mu.Lock()
	s.cycleErrs++
	s.mu.Unlock()
}

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
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/aps", s.listAPs)
	mux.HandleFunc("/api/aps.geojson", s.geoJSON)
	mux.HandleFunc("/api/aps/{bssid}", s.showAP)
	mux.HandleFunc("/api/aps/{bssid}/history", s.showHistory)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/status", s.showStatus)
	return mux
}

func (s *Server) listAPs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	positions, err := s.store.List(r.Context(), opts)
	if err != nil {
		monitoring.Logf("[api] list positions: %v", err)
		httputil.InternalServerError(w, "Failed to list access points")
		return
	}

	now := s.clock.Now()
	out := make([]APView, len(positions))
	for i, p := range positions {
		out[i] = newAPView(p, now, s.staleAfter)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) geoJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	circles, _ := strconv.ParseBool(r.URL.Query().Get("circles"))

	positions, err := s.store.List(r.Context(), opts)
	if err != nil {
		monitoring.Logf("[api] list positions: %v", err)
		httputil.InternalServerError(w, "Failed to list access points")
		return
	}

	fc := export.FeatureCollection(positions, export.Options{
		Now:        s.clock.Now(),
		StaleAfter: s.staleAfter,
		Circles:    circles,
	})
	httputil.WriteGeoJSON(w, http.StatusOK, fc)
}

func (s *Server) showAP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	bssid := normalizeBSSID(r.PathValue("bssid"))

	p, err := s.store.Get(r.Context(), bssid)
	if errors.Is(err, apstore.ErrNotFound) {
		httputil.NotFound(w, "access point not found: "+bssid)
		return
	}
	if err != nil {
		monitoring.Logf("[api] get %s: %v", bssid, err)
		httputil.InternalServerError(w, "Failed to retrieve access point")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newAPView(*p, s.clock.Now(), s.staleAfter))
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	bssid := normalizeBSSID(r.PathValue("bssid"))
	limit, err := httputil.QueryInt(r.URL.Query(), "limit", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if _, err := s.store.Get(r.Context(), bssid); errors.Is(err, apstore.ErrNotFound) {
		httputil.NotFound(w, "access point not found: "+bssid)
		return
	} else if err != nil {
		monitoring.Logf("[api] get %s: %v", bssid, err)
		httputil.InternalServerError(w, "Failed to retrieve access point")
		return
	}

	entries, err := s.store.History(r.Context(), bssid, limit)
	if err != nil {
		monitoring.Logf("[api] history %s: %v", bssid, err)
		httputil.InternalServerError(w, "Failed to retrieve history")
		return
	}
	out := make([]HistoryView, len(entries))
	for i, h := range entries {
		out[i] = newHistoryView(h)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"version": version.Current(),
		"tuning":  s.tuning,
	})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	status := StatusView{
		Version: version.Current(),
		Now:     s.clock.Now().UTC(),
	}
	s.mu.RLock()
	status.Cycles = s.cycles
	status.CycleErrors = s.cycleErrs
	if s.last != nil {
		v := newCycleView(*s.last, s.lastAt)
		status.LastCycle = &v
	}
	s.mu.RUnlock()

	if c, ok := s.store.(counter); ok {
		positions, history, err := c.Counts(r.Context())
		if err != nil {
			monitoring.Logf("[api] counts: %v", err)
			httputil.InternalServerError(w, "Failed to count records")
			return
		}
		status.Positions = &positions
		status.HistoryEntries = &history
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func listOptions(r *http.Request) (apstore.ListOptions, error) {
	q := r.URL.Query()
	minConf, err := httputil.QueryFloat(q, "min_confidence", 0)
	if err != nil {
		return apstore.ListOptions{}, err
	}
	limit, err := httputil.QueryInt(q, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		return apstore.ListOptions{}, err
	}
	return apstore.ListOptions{MinConfidence: minConf, Limit: limit}, nil
}

func normalizeBSSID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
