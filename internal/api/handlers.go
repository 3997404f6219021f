package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

// StatusResponse counts tasks per status
type StatusResponse struct {
	Total    int                       `json:"total"`
	Active   int                       `json:"active"`
	ByStatus map[domain.TaskStatus]int `json:"byStatus"`
}

// CancelResponse acknowledges a cancellation request
type CancelResponse struct {
	IssueKey        string `json:"issueKey"`
	CancelRequested bool   `json:"cancelRequested"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		tasks, err := s.store.ListAll()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{Total: len(tasks), ByStatus: map[domain.TaskStatus]int{}}
		for _, t := range tasks {
			status.ByStatus[t.Status]++
			if t.Status.IsActive() {
				status.Active++
			}
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		tasks, err := s.store.ListAll()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if tasks == nil {
			tasks = []*domain.TaskRecord{}
		}
		writeJSON(w, http.StatusOK, tasks)
	}
}

// taskHandler routes /api/tasks/{key}[/cancel|/stream]. Keys are path
// escaped by clients since they may contain '#' or '/'.
func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.EscapedPath(), "/api/tasks/")
		action := ""
		for _, a := range []string{"cancel", "stream"} {
			if strings.HasSuffix(rest, "/"+a) {
				action = a
				rest = strings.TrimSuffix(rest, "/"+a)
				break
			}
		}
		key, err := url.PathUnescape(rest)
		if err != nil || key == "" {
			writeError(w, http.StatusBadRequest, "issue key required")
			return
		}

		switch action {
		case "cancel":
			s.cancelTask(w, r, key)
		case "stream":
			s.streamTask(w, r, key)
		default:
			s.getTask(w, r, key)
		}
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, ok := s.store.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rec, ok := s.store.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !rec.Status.IsActive() {
		writeError(w, http.StatusConflict, "task is not running (status "+string(rec.Status)+")")
		return
	}
	if err := s.store.RequestCancel(key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("cancellation requested", "issue", key)
	writeJSON(w, http.StatusAccepted, CancelResponse{IssueKey: key, CancelRequested: true})
}
