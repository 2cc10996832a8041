package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kwv/cloudmesh/mesh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newHTTPServer creates an HTTP server with all endpoints. aligner may be
// nil, in which case registrations cannot be requested over HTTP.
func newHTTPServer(st *mesh.StateTracker, aligner *mesh.Aligner, logger *log.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		topics := st.CloudTopics()
		names := make([]string, 0, len(topics))
		for t := range topics {
			names = append(names, t)
		}
		sort.Strings(names)

		status := struct {
			Status    string            `json:"status"`
			Timestamp time.Time         `json:"timestamp"`
			Clouds    []string          `json:"clouds"`
			Pairs     *mesh.CacheStatus `json:"pairs,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Clouds:    names,
		}
		if aligner != nil {
			s := aligner.Status()
			status.Pairs = &s
		}
		writeJSONResponse(w, logger, http.StatusOK, status)
	})

	// Latest report per pair, or every kept report with ?all=true
	mux.HandleFunc("GET /results", func(w http.ResponseWriter, r *http.Request) {
		reports := st.LatestReports()
		if r.URL.Query().Get("all") == "true" {
			reports = st.Reports()
		}
		writeJSONResponse(w, logger, http.StatusOK, reports)
	})

	mux.HandleFunc("GET /results/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := lookupRun(st, r.PathValue("id"))
		if !ok {
			http.Error(w, "No such run or pair", http.StatusNotFound)
			return
		}
		writeJSONResponse(w, logger, http.StatusOK, runFile{Report: snap.Report, Trace: snap.Trace})
	})

	mux.HandleFunc("GET /results/{id}/preview.svg", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := lookupRun(st, r.PathValue("id"))
		if !ok {
			http.Error(w, "No such run or pair", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := mesh.NewRunRenderer(snap).RenderToSVG(w); err != nil {
			logger.Error("Encoding preview SVG", "run", snap.Report.RunID, "err", err)
		}
	})

	mux.HandleFunc("GET /results/{id}/preview.png", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := lookupRun(st, r.PathValue("id"))
		if !ok {
			http.Error(w, "No such run or pair", http.StatusNotFound)
			return
		}
		renderer := mesh.NewCompositeRenderer(mesh.PreviewLayers(snap))
		renderer.Caption = mesh.PreviewCaption(snap.Report)

		// Avoid generating empty images
		if !renderer.HasDrawableContent() {
			http.Error(w, "No drawable cloud content", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.WritePNG(w); err != nil {
			logger.Error("Encoding preview PNG", "run", snap.Report.RunID, "err", err)
		}
	})

	mux.HandleFunc("GET /results/{id}/trace.geojson", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := lookupRun(st, r.PathValue("id"))
		if !ok {
			http.Error(w, "No such run or pair", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		fc := mesh.BuildTrace(snap, mesh.DefaultTraceTolerance)
		if err := json.NewEncoder(w).Encode(fc); err != nil {
			logger.Error("Encoding trace", "run", snap.Report.RunID, "err", err)
		}
	})

	// Forces a registration of the pair with its latest clouds
	mux.HandleFunc("POST /pairs/{id}/register", func(w http.ResponseWriter, r *http.Request) {
		if aligner == nil {
			http.Error(w, "Registration not available", http.StatusServiceUnavailable)
			return
		}
		report, err := aligner.Register(r.Context(), r.PathValue("id"), true)
		switch {
		case errors.Is(err, mesh.ErrUnknownPair):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, mesh.ErrNoCloud):
			http.Error(w, err.Error(), http.StatusConflict)
		case err != nil && report.RunID == "":
			http.Error(w, err.Error(), http.StatusBadRequest)
		case err != nil:
			writeJSONResponse(w, logger, http.StatusUnprocessableEntity, report)
		default:
			writeJSONResponse(w, logger, http.StatusOK, report)
		}
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Request", "method", r.Method, "path", r.URL.Path, "from", r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// lookupRun resolves id as a run ID first, then as a pair ID meaning that
// pair's latest run.
func lookupRun(st *mesh.StateTracker, id string) (*mesh.RunSnapshot, bool) {
	if snap, ok := st.GetRun(id); ok {
		return snap, true
	}
	return st.LatestRun(id)
}

func writeJSONResponse(w http.ResponseWriter, logger *log.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Encoding response", "err", err)
	}
}
