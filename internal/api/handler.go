// Package api provides the HTTP API for the self-healing engine.
package api

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/opsloop/selfheal/internal/catalog"
	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/lifecycle"
	"github.com/opsloop/selfheal/internal/metrics"
	"github.com/opsloop/selfheal/internal/store"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Ingestor  *lifecycle.Ingestor
	Runner    *lifecycle.Runner
	Catalog   *catalog.Catalog
	DB        *sql.DB
	Incidents *store.IncidentRepo
	Events    *store.EventRepo
	Metrics   *metrics.Metrics
}

// IngestResponse is the body returned for POST /api/v1/events.
type IngestResponse struct {
	IncidentID string `json:"incident_id"`
	Created    bool   `json:"created"`
	State      string `json:"state"`
}

// IncidentResponse is the wire form of an incident.
type IncidentResponse struct {
	ID                 string               `json:"id"`
	Category           string               `json:"category"`
	Severity           string               `json:"severity"`
	RiskScore          int                  `json:"risk_score"`
	BlastRadius        string               `json:"blast_radius"`
	State              string               `json:"state"`
	AffectedResources  []domain.ResourceRef `json:"affected_resources"`
	Occurrences        int                  `json:"occurrences"`
	SelectedPlaybookID string               `json:"selected_playbook_id,omitempty"`
	ExecutionID        string               `json:"execution_id,omitempty"`
	CreatedAt          int64                `json:"created_at"`
	UpdatedAt          int64                `json:"updated_at"`
	ClosedAt           int64                `json:"closed_at,omitempty"`
}

// AuditEntry is one audit-trail event on the wire.
type AuditEntry struct {
	SeqNo     int64           `json:"seq_no"`
	State     string          `json:"state"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// PlaybookSummary is the list form of a catalog entry.
type PlaybookSummary struct {
	ID               string   `json:"id"`
	Version          int      `json:"version"`
	Category         string   `json:"category"`
	BlastRadii       []string `json:"applicable_blast_radii"`
	Steps            int      `json:"steps"`
	HasRollback      bool     `json:"has_rollback"`
	RequiresApproval bool     `json:"requires_approval"`
}

// CancelResponse is the body for POST /api/v1/incidents/{incidentID}/cancel.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestEvent handles POST /api/v1/events.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.AnomalyEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if ev.Category == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "category is required"})
		return
	}
	if len(ev.AffectedResources) == 0 {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "at least one affected resource is required"})
		return
	}

	inc, created, err := h.Ingestor.Ingest(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.ObserveIngest(inc.Category, !created)
	}
	if created {
		h.Runner.Submit(inc.ID)
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{
		IncidentID: inc.ID,
		Created:    created,
		State:      string(inc.State),
	})
}

// GetIncident handles GET /api/v1/incidents/{incidentID}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.Incidents.GetByID(r.Context(), h.DB, r.PathValue("incidentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIncidentResponse(inc))
}

// GetAudit handles GET /api/v1/incidents/{incidentID}/audit?since_seq=N.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("incidentID")
	if _, err := h.Incidents.GetByID(r.Context(), h.DB, incidentID); err != nil {
		writeError(w, err)
		return
	}
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.Events.ListByIncident(r.Context(), h.DB, incidentID, sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := make([]AuditEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, toAuditEntry(ev))
	}
	writeJSON(w, http.StatusOK, entries)
}

// StreamAudit handles GET /api/v1/incidents/{incidentID}/audit/stream (SSE).
func (h *Handler) StreamAudit(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("incidentID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send the existing trail first.
	events, err := h.Events.ListByIncident(r.Context(), h.DB, incidentID, 0)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	lastSeq := int64(0)
	for _, ev := range events {
		writeSSEEvent(w, flusher, toAuditEntry(ev))
		lastSeq = ev.SeqNo
	}

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEvents, err := h.Events.ListByIncident(ctx, h.DB, incidentID, lastSeq)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, toAuditEntry(ev))
				lastSeq = ev.SeqNo
			}
		}
	}
}

// CancelIncident handles POST /api/v1/incidents/{incidentID}/cancel.
func (h *Handler) CancelIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := r.PathValue("incidentID")
	if _, err := h.Incidents.GetByID(r.Context(), h.DB, incidentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: h.Runner.Cancel(incidentID)})
}

// RearmIncident handles POST /api/v1/incidents/{incidentID}/rearm.
func (h *Handler) RearmIncident(w http.ResponseWriter, r *http.Request) {
	if err := h.Runner.Rearm(r.Context(), r.PathValue("incidentID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPlaybooks handles GET /api/v1/playbooks.
func (h *Handler) ListPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := h.Catalog.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	summaries := make([]PlaybookSummary, 0, len(playbooks))
	for _, pb := range playbooks {
		radii := make([]string, len(pb.ApplicableBlastRadii))
		for i, radius := range pb.ApplicableBlastRadii {
			radii[i] = radius.String()
		}
		summaries = append(summaries, PlaybookSummary{
			ID:               pb.ID,
			Version:          pb.Version,
			Category:         string(pb.Category),
			BlastRadii:       radii,
			Steps:            len(pb.Steps),
			HasRollback:      pb.HasRollback(),
			RequiresApproval: pb.Safety.RequiresApproval,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetPlaybookMetrics handles GET /api/v1/playbooks/{playbookID}/metrics.
func (h *Handler) GetPlaybookMetrics(w http.ResponseWriter, r *http.Request) {
	playbookID := r.PathValue("playbookID")
	if _, err := h.Catalog.Get(r.Context(), playbookID); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.Catalog.MetricsFor(r.Context(), playbookID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playbook_id":      m.PlaybookID,
		"total_executions": m.TotalExecutions,
		"success_count":    m.SuccessCount,
		"failure_count":    m.FailureCount,
		"rollback_count":   m.RollbackCount,
		"avg_execution_ms": m.AvgExecutionMs,
		"success_rate":     m.SuccessRate(),
	})
}

func toIncidentResponse(inc *domain.Incident) IncidentResponse {
	return IncidentResponse{
		ID:                 inc.ID,
		Category:           string(inc.Category),
		Severity:           inc.Severity.String(),
		RiskScore:          inc.RiskScore,
		BlastRadius:        inc.BlastRadius.String(),
		State:              string(inc.State),
		AffectedResources:  inc.AffectedResources,
		Occurrences:        inc.Occurrences,
		SelectedPlaybookID: inc.SelectedPlaybookID,
		ExecutionID:        inc.ExecutionID,
		CreatedAt:          inc.CreatedAtUnix,
		UpdatedAt:          inc.UpdatedAtUnix,
		ClosedAt:           inc.ClosedAtUnix,
	}
}

func toAuditEntry(ev domain.IncidentEvent) AuditEntry {
	payload := json.RawMessage(ev.PayloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return AuditEntry{
		SeqNo:     ev.SeqNo,
		State:     string(ev.State),
		EventType: ev.EventType,
		Payload:   payload,
		CreatedAt: ev.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if engErr, ok := err.(*domain.EngineError); ok {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrIncidentNotFound.Code, domain.ErrPlaybookNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateIncident.Code, domain.ErrVersionConflict.Code,
			domain.ErrOptimisticLock.Code, domain.ErrExecutionInFlight.Code:
			status = http.StatusConflict
		case domain.ErrPlaybookInvalid.Code, domain.ErrConfigInvalid.Code:
			status = http.StatusBadRequest
		case domain.ErrInvalidTransition.Code, domain.ErrIncidentTerminal.Code,
			domain.ErrNotEscalated.Code:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, entry AuditEntry) {
	data, _ := json.Marshal(entry)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
