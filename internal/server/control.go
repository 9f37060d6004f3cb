// Package server exposes the HTTP control API: start, pause, resume and
// cancel downloads, poll status, and stream progress over SSE.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/tileharvest/internal/download"
	"github.com/MeKo-Tech/tileharvest/internal/provider"
)

// Server holds at most one active download run. Starting a new run
// supersedes the current one.
type Server struct {
	log *slog.Logger

	mu   sync.Mutex
	ctrl *download.Controller
}

// New creates a control server.
func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/cancel-download", s.handleCancel)
	mux.HandleFunc("/pause-download", s.handlePause)
	mux.HandleFunc("/resume-download", s.handleResume)
	mux.HandleFunc("/download-status", s.handleStatus)
	mux.HandleFunc("/progress", s.handleProgress)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// downloadRequest is the POST /download body.
type downloadRequest struct {
	Provider    string   `json:"provider"`
	ProviderURL string   `json:"provider_url"`
	North       float64  `json:"north"`
	South       float64  `json:"south"`
	West        float64  `json:"west"`
	East        float64  `json:"east"`
	MinZoom     int      `json:"min_zoom"`
	MaxZoom     int      `json:"max_zoom"`
	OutputDir   string   `json:"output_dir"`
	Threads     int      `json:"threads"`
	TMS         bool     `json:"tms"`
	Subdomains  []string `json:"subdomains"`
	TileFormat  string   `json:"tile_format"`
	SaveFormat  string   `json:"save_format"`
}

type response struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Stats   *download.Statistics `json:"stats,omitempty"`
}

type statusResponse struct {
	IsDownloading bool                `json:"is_downloading"`
	IsPaused      bool                `json:"is_paused"`
	Statistics    download.Statistics `json:"statistics"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jobFromRequest resolves the provider and output path of a request.
func jobFromRequest(req downloadRequest) (download.Job, error) {
	var prov *provider.Provider
	var err error

	switch {
	case req.Provider == "osm":
		prov = provider.OSM()
	case req.Provider == "bing":
		prov = provider.Bing()
	case req.ProviderURL != "":
		name := req.Provider
		if name == "" {
			name = "custom"
		}
		prov, err = provider.Custom(name, req.ProviderURL, provider.Config{
			Subdomains: req.Subdomains,
			MinZoom:    req.MinZoom,
			MaxZoom:    req.MaxZoom,
			TileFormat: req.TileFormat,
			TMS:        req.TMS,
		})
		if err != nil {
			return download.Job{}, err
		}
	default:
		return download.Job{}, fmt.Errorf("request needs a provider or provider_url")
	}

	if req.OutputDir == "" {
		return download.Job{}, fmt.Errorf("request needs an output_dir")
	}
	output := req.OutputDir
	if req.SaveFormat == "mbtiles" && !strings.HasSuffix(output, ".mbtiles") {
		output = filepath.Join(output, prov.Name+".mbtiles")
	}

	return download.Job{
		Provider: prov,
		West:     req.West,
		South:    req.South,
		East:     req.East,
		North:    req.North,
		MinZoom:  req.MinZoom,
		MaxZoom:  req.MaxZoom,
		Output:   output,
		Workers:  req.Threads,
		TMS:      req.TMS,
	}, nil
}

// handleDownload starts a run, cancelling any current one first.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Message: "POST required"})
		return
	}

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "invalid JSON body: " + err.Error()})
		return
	}

	job, err := jobFromRequest(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}
	if err := job.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}

	ctrl, err := download.New(job, download.Options{Logger: s.log})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}

	s.mu.Lock()
	prev := s.ctrl
	s.ctrl = ctrl
	s.mu.Unlock()

	if prev != nil && !prev.State().Terminal() {
		s.log.Info("superseding active download")
		prev.Cancel()
	}

	if err := ctrl.Start(context.Background()); err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: fmt.Sprintf("download started: %s z%d-%d", job.Provider.Name, job.MinZoom, job.MaxZoom),
	})
}

func (s *Server) current() *download.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Message: "POST required"})
		return
	}
	ctrl := s.current()
	if ctrl == nil {
		writeJSON(w, http.StatusNotFound, response{Message: "no download in progress"})
		return
	}
	stats := ctrl.Cancel()
	writeJSON(w, http.StatusOK, response{Success: true, Message: "download cancelled", Stats: &stats})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Message: "POST required"})
		return
	}
	ctrl := s.current()
	if ctrl == nil || ctrl.State().Terminal() {
		writeJSON(w, http.StatusNotFound, response{Message: "no download in progress"})
		return
	}
	ctrl.Pause()
	stats := ctrl.Statistics()
	writeJSON(w, http.StatusOK, response{Success: true, Message: "download paused", Stats: &stats})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Message: "POST required"})
		return
	}
	ctrl := s.current()
	if ctrl == nil || ctrl.State().Terminal() {
		writeJSON(w, http.StatusNotFound, response{Message: "no download in progress"})
		return
	}
	ctrl.Resume()
	stats := ctrl.Statistics()
	writeJSON(w, http.StatusOK, response{Success: true, Message: "download resumed", Stats: &stats})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctrl := s.current()
	if ctrl == nil {
		writeJSON(w, http.StatusOK, statusResponse{})
		return
	}
	state := ctrl.State()
	writeJSON(w, http.StatusOK, statusResponse{
		IsDownloading: !state.Terminal() && state != download.StateIdle,
		IsPaused:      state == download.StatePaused,
		Statistics:    ctrl.Statistics(),
	})
}

// progressEvent is one SSE payload.
type progressEvent struct {
	Downloaded int64               `json:"downloaded"`
	Total      int64               `json:"total"`
	Bytes      int64               `json:"total_bytes"`
	Percentage float64             `json:"percentage"`
	Completed  bool                `json:"completed"`
	Stats      download.Statistics `json:"stats"`
}

// handleProgress streams progress as server-sent events until the run ends
// or the client disconnects.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctrl := s.current()
	if ctrl == nil {
		writeJSON(w, http.StatusNotFound, response{Message: "no download in progress"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, response{Message: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	send := func(completed bool) {
		stats := ctrl.Statistics()
		processed := stats.Downloaded + stats.Failed + stats.Skipped
		event := progressEvent{
			Downloaded: stats.Downloaded,
			Total:      stats.Total,
			Bytes:      stats.Bytes,
			Completed:  completed,
			Stats:      stats,
		}
		if stats.Total > 0 {
			event.Percentage = 100 * float64(processed) / float64(stats.Total)
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	send(ctrl.State().Terminal())
	if ctrl.State().Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ctrl.Done():
			send(true)
			return
		case <-ticker.C:
			send(false)
		}
	}
}
