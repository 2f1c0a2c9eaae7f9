package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pabawi/pabawi/execution"
)

// submitRequest is the POST /api/executions body.
type submitRequest struct {
	Kind        string          `json:"kind"`
	TargetNodes []string        `json:"target_nodes"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// listResponse is the GET /api/executions body.
type listResponse struct {
	Executions []*execution.Record `json:"executions"`
	Total      int                 `json:"total"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
}

// HandleHealth reports liveness.
func (s *PabawiServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleQueueStatus returns the read-only queue snapshot.
func (s *PabawiServer) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Status())
}

// HandleExecutions submits a new execution (POST) or lists execution
// records with filters and pagination (GET).
func (s *PabawiServer) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *PabawiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := readJSON(w, r, &body); err != nil {
		return
	}

	req, err := execution.NewRequest(body.Kind, body.TargetNodes, body.Payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rec, err := s.queue.Submit(req)
	if err != nil {
		s.logger.Warnw("Submission rejected",
			"kind", body.Kind,
			"targets", len(body.TargetNodes),
			"error", err,
		)
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Execution submitted",
		"execution_id", shortID(rec.ID),
		"kind", rec.Kind,
		"status", rec.Status,
	)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *PabawiServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	records, total, err := s.store.FindAll(filter, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []*execution.Record{}
	}

	writeJSON(w, http.StatusOK, listResponse{
		Executions: records,
		Total:      total,
		Page:       page.Number,
		PageSize:   page.Size,
	})
}

// HandleExecution serves GET /api/executions/{id} and
// POST /api/executions/{id}/cancel.
func (s *PabawiServer) HandleExecution(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/executions/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing execution id")
		return
	}
	id := parts[0]

	if len(parts) > 1 && parts[1] == "cancel" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.queue.Cancel(id); err != nil {
			writeDomainError(w, err)
			return
		}
		s.logger.Infow("Cancellation requested", "execution_id", shortID(id))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": "cancellation requested",
		})
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rec, err := s.store.GetRecord(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseListQuery extracts the filter and page from list query parameters.
func parseListQuery(r *http.Request) (execution.Filter, execution.Page, error) {
	q := r.URL.Query()

	var filter execution.Filter
	if raw := q.Get("status"); raw != "" {
		if !execution.IsValidStatus(raw) {
			return filter, execution.Page{}, invalidParam("status", raw)
		}
		status := execution.Status(raw)
		filter.Status = &status
	}
	filter.Kind = q.Get("kind")
	filter.TargetNode = q.Get("target_node")

	if raw := q.Get("start_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return filter, execution.Page{}, invalidParam("start_date", raw)
		}
		filter.StartDate = &t
	}
	if raw := q.Get("end_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			return filter, execution.Page{}, invalidParam("end_date", raw)
		}
		filter.EndDate = &t
	}

	page := execution.Page{}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filter, page, invalidParam("page", raw)
		}
		page.Number = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filter, page, invalidParam("page_size", raw)
		}
		page.Size = n
	}

	return filter, page, nil
}

// parseDate accepts RFC3339 timestamps or plain dates.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
