package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/reconflow/reconflow/pkg/orchestrator"
)

var DebugLog func(string, ...interface{})

// Server exposes the scan lifecycle over a JSON API. It is a read-mostly
// layer: every status and result endpoint serves snapshots and never
// touches scheduler internals.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *logrus.Logger

	mu   sync.Mutex
	jobs map[string]*orchestrator.ScanJob
}

func NewServer(orch *orchestrator.Orchestrator) *Server {
	return &Server{
		orch:   orch,
		logger: orch.Logger(),
		jobs:   make(map[string]*orchestrator.ScanJob),
	}
}

// Handler builds the route table. Split out from ListenAndServe so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scan", s.handleScan)
	mux.HandleFunc("/api/scan/", s.handleScanByID)
	mux.HandleFunc("/api/scans", s.handleScans)
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Infof("Dashboard listening on http://%s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type scanRequest struct {
	Target      string   `json:"target"`
	Modules     []string `json:"modules,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
	OutputDir   string   `json:"output_dir,omitempty"`
	PassiveOnly bool     `json:"passive_only,omitempty"`
	Aggressive  bool     `json:"aggressive,omitempty"`
}

type scanResponse struct {
	ScanID string `json:"scan_id"`
	Target string `json:"target"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	target := orchestrator.NormalizeTarget(req.Target)
	if !orchestrator.ValidTarget(target) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid target: %q", req.Target))
		return
	}

	options := orchestrator.ScanOptions{
		Target:      target,
		Modules:     req.Modules,
		Concurrency: req.Concurrency,
		OutputDir:   req.OutputDir,
		PassiveOnly: req.PassiveOnly,
		Aggressive:  req.Aggressive,
	}

	job, err := s.orch.StartScan(context.Background(), options)
	if err != nil {
		var cfgErr *orchestrator.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if DebugLog != nil {
		DebugLog("dashboard started scan %s for %s", job.ID, target)
	}

	writeJSON(w, http.StatusAccepted, scanResponse{
		ScanID: job.ID,
		Target: target,
		Status: "running",
	})
}

func (s *Server) handleScanByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/scan/")
	parts := strings.SplitN(rest, "/", 2)
	scanID := parts[0]
	action := "status"
	if len(parts) == 2 && parts[1] != "" {
		action = parts[1]
	}

	s.mu.Lock()
	job, ok := s.jobs[scanID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown scan: %s", scanID))
		return
	}

	switch action {
	case "status":
		writeJSON(w, http.StatusOK, job.Snapshot())
	case "results":
		select {
		case <-job.Done():
		default:
			writeError(w, http.StatusConflict, "scan still running")
			return
		}
		rep := job.Report()
		if rep == nil {
			writeError(w, http.StatusInternalServerError, "report unavailable")
			return
		}
		writeJSON(w, http.StatusOK, rep)
	case "download":
		select {
		case <-job.Done():
		default:
			writeError(w, http.StatusConflict, "scan still running")
			return
		}
		rep := job.Report()
		if rep == nil {
			writeError(w, http.StatusInternalServerError, "report unavailable")
			return
		}
		path := filepath.Join(job.Store().OutputDir(), "final_report.json")
		f, err := os.Open(path)
		if err != nil {
			writeError(w, http.StatusNotFound, "report file not found")
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="final_report.json"`)
		http.ServeContent(w, r, "final_report.json", rep.EndedAt, f)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action: %s", action))
	}
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.mu.Lock()
	snapshots := make([]orchestrator.JobSnapshot, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	s.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt.After(snapshots[j].StartedAt)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scans": snapshots,
		"total": len(snapshots),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
