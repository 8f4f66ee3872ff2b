package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/minglu/stockintel/internal/domain"
)

const heartbeatInterval = 15 * time.Second

type analyzeRequest struct {
	Ticker     string `json:"stock_code"`
	ReportType string `json:"report_type"`
	Sync       bool   `json:"sync"`
}

// handleAnalyze submits an analysis. Async (default) enqueues a task and
// returns 202; sync runs the pipeline inline and returns the report.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	code := domain.CanonicalTicker(req.Ticker)
	if code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "stock_code is required")
		return
	}
	reportType := req.ReportType
	if reportType == "" {
		reportType = domain.ReportTypeManual
	}

	if req.Sync {
		if s.deps.Analyzer == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "analysis pipeline not configured")
			return
		}
		report, recordID, err := s.deps.Analyzer.Run(r.Context(), code, reportType, uuid.NewString(), nil)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"record_id": recordID,
			"report":    report,
		})
		return
	}

	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "task queue not configured")
		return
	}
	task, err := s.deps.Queue.Submit(code, reportType)
	if errors.Is(err, domain.ErrDuplicateTask) {
		// The existing live task is returned alongside the conflict.
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   http.StatusText(http.StatusConflict),
			"message": err.Error(),
			"code":    "duplicate_submission",
			"task":    task,
		})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Queue.Get(chi.URLParam(r, "task_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.deps.Queue.List()

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, task := range tasks {
			if string(task.Status) == status {
				filtered = append(filtered, task)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// handleTaskStream streams queue lifecycle events as SSE until the client
// disconnects.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	events, cancel := s.deps.Bus.Subscribe()
	defer cancel()

	sse.send("connected", map[string]string{"status": "ok"})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			sse.send("heartbeat", map[string]int64{"ts": time.Now().Unix()})
		case evt, open := <-events:
			if !open {
				return
			}
			sse.send(evt.Type, evt.Task)
		}
	}
}
