package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ofcore/internal/adaptive"
	"ofcore/internal/admission"
	"ofcore/internal/logger"
	"ofcore/internal/telemetry"
)

// Server exposes the operational surface of the processing core: health,
// performance and resource metrics, a telemetry reset, and a live result
// stream.
type Server struct {
	collector *telemetry.Collector
	admission *admission.Controller
	adaptive  *adaptive.Controller
	stream    *Stream
	logger    logger.Logger

	httpServer *http.Server
}

// New wires the ops server. stream may be nil to disable the SSE endpoint.
func New(port int, collector *telemetry.Collector, adm *admission.Controller, adpt *adaptive.Controller, stream *Stream, log logger.Logger) *Server {
	s := &Server{
		collector: collector,
		admission: adm,
		adaptive:  adpt,
		stream:    stream,
		logger:    log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics/performance", s.handlePerformance)
	mux.HandleFunc("/metrics/resources", s.handleResources)
	mux.HandleFunc("/metrics/reset", s.handleReset)
	if stream != nil {
		mux.HandleFunc("/api/events/results", s.handleResultStream)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", logger.Field{Key: "addr", Value: s.httpServer.Addr})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler returns the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// healthResponse is the /health contract.
type healthResponse struct {
	Status      string  `json:"status"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	ErrorRate   float64 `json:"errorRate"`
	Throughput  float64 `json:"throughput"`
	ActiveTasks int64   `json:"activeTasks"`
	Uptime      string  `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := s.collector.Report()
	snapshot := s.adaptive.Snapshot()

	var active int64
	for _, class := range report.Classes {
		active += class.Active
	}

	resp := healthResponse{
		Status:      "UP",
		CPUUsage:    snapshot.CPUUsage,
		MemoryUsage: snapshot.MemoryUsage,
		ErrorRate:   report.ErrorRate,
		Throughput:  report.CurrentThroughput,
		ActiveTasks: active,
		Uptime:      report.Uptime.String(),
	}
	// The core reports DOWN when it is failing too often, starving, or the
	// host is saturated.
	if report.ErrorRate > 0.25 ||
		(report.TotalOperations > 0 && report.Efficiency < 0.60) ||
		snapshot.CPUUsage > 0.95 || snapshot.MemoryUsage > 0.95 {
		resp.Status = "DOWN"
	}

	code := http.StatusOK
	if resp.Status == "DOWN" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Report())
}

// resourcesResponse combines the live admission state with the adaptive
// controller's last decision.
type resourcesResponse struct {
	Utilization interface{}       `json:"utilization"`
	Adaptive    adaptive.Snapshot `json:"adaptive"`
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, resourcesResponse{
		Utilization: s.admission.Utilization(),
		Adaptive:    s.adaptive.Snapshot(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.collector.Reset()
	s.logger.Info("telemetry counters reset")
	w.WriteHeader(http.StatusNoContent)
}

// handleResultStream pushes per-item processing results to the client as
// server-sent events.
func (s *Server) handleResultStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.stream.Subscribe()
	defer s.stream.Unsubscribe(sub)

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: result\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
