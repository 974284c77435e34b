package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsloop/selfheal/internal/catalog"
	"github.com/opsloop/selfheal/internal/domain"
	"github.com/opsloop/selfheal/internal/escalation"
	"github.com/opsloop/selfheal/internal/feedback"
	"github.com/opsloop/selfheal/internal/lifecycle"
	"github.com/opsloop/selfheal/internal/remediation"
	"github.com/opsloop/selfheal/internal/safety"
	"github.com/opsloop/selfheal/internal/scoring"
	"github.com/opsloop/selfheal/internal/store"
	"github.com/opsloop/selfheal/internal/verification"
)

// healthyChecker passes every check and reports steady metrics.
type healthyChecker struct{}

func (healthyChecker) RunCheck(ctx context.Context, check domain.Check, resources []domain.ResourceRef) error {
	return nil
}

func (healthyChecker) Snapshot(ctx context.Context, resources []domain.ResourceRef) (domain.MetricsSnapshot, error) {
	return domain.MetricsSnapshot{"error_rate": 0.01}, nil
}

func (healthyChecker) Baseline(ctx context.Context, resources []domain.ResourceRef, at time.Time) (domain.MetricsSnapshot, error) {
	return domain.MetricsSnapshot{"error_rate": 0.01}, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewDB(dbPath)
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cat := catalog.New(db, logger)

	scoringCfg := scoring.Config{
		TotalUsers:           100000,
		TotalServices:        50,
		TotalInstances:       500,
		RevenueBase:          100000,
		CriticalUserFraction: 0.25,
		MajorUserFraction:    0.10,
		ModerateUserFraction: 0.01,
		SustainedOccurrences: 3,
		CategoryRisk:         scoring.DefaultCategoryRisk,
	}

	locks := safety.NewLockTable()
	breakers := safety.NewBreakerRegistry(safety.BreakerConfig{
		FailureStreak:     3,
		WindowSize:        10,
		WindowFailureRate: 0.5,
		Cooldown:          time.Hour,
	})
	executor := remediation.ActionExecutorFunc(func(ctx context.Context, actionRef string, params map[string]string) (remediation.ActionResult, error) {
		return remediation.ActionResult{Output: "ok"}, nil
	})
	rollbacks := remediation.NewRollbackManager(db, locks, executor, logger)
	coord := remediation.NewCoordinator(db, locks, breakers, executor, nil, rollbacks, logger,
		remediation.Config{AbortErrorRateDelta: 0.05})
	verifier := verification.NewEngine(db, healthyChecker{}, healthyChecker{}, logger,
		verification.Config{WorseningDelta: 0.10, MinPassRate: 0.9})
	router := escalation.NewRouter(db, escalation.NotifierFunc(func(ctx context.Context, rec domain.EscalationRecord) error {
		return nil
	}), logger)

	runner := lifecycle.NewRunner(lifecycle.RunnerDeps{
		DB:            db,
		Gate:          safety.NewGate(breakers, safety.GatePolicy{}),
		Selector:      catalog.NewSelector(cat),
		Coordinator:   coord,
		Verifier:      verifier,
		Rollbacks:     rollbacks,
		Escalations:   router,
		Feedback:      feedback.NewRecorder(db, logger),
		Logger:        logger,
		ConflictRetry: time.Millisecond,
	})
	t.Cleanup(runner.Stop)

	return &Handler{
		Ingestor:  lifecycle.NewIngestor(db, scoringCfg, 5*time.Minute, logger),
		Runner:    runner,
		Catalog:   cat,
		DB:        db,
		Incidents: &store.IncidentRepo{},
		Events:    &store.EventRepo{},
	}
}

func addPlaybook(t *testing.T, h *Handler, id string) {
	t.Helper()
	pb := domain.Playbook{
		ID:       id,
		Version:  1,
		Category: domain.CategoryNetwork,
		ApplicableBlastRadii: []domain.BlastRadius{
			domain.RadiusSingleInstance, domain.RadiusSingleService,
		},
		Steps:         []domain.Step{{ActionRef: id + "-apply", TimeoutSec: 10}},
		RollbackSteps: []domain.Step{{ActionRef: id + "-undo", TimeoutSec: 10}},
		Verification: domain.VerificationSpec{
			ImmediateChecks:   []domain.Check{{Name: "process-up", ActionRef: "proc-check", TimeoutSec: 5}},
			BaselineTolerance: 0.1,
		},
		Safety: domain.SafetySpec{BlastRadiusCeiling: domain.RadiusSingleService},
	}
	if err := h.Catalog.Add(context.Background(), pb); err != nil {
		t.Fatalf("add playbook: %v", err)
	}
}

const eventBody = `{
	"id": "ev-1",
	"source": "detector-1",
	"category": "network",
	"affected_resources": [
		{"id": "host-001", "type": "instance", "service": "api", "cluster": "c1", "region": "us-east-1"}
	],
	"impact_estimate": {"users_affected": 500},
	"detected_at": 1700000000,
	"trend": "stable"
}`

func postEvent(t *testing.T, h *Handler) IngestResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString(eventBody))
	w := httptest.NewRecorder()

	h.IngestEvent(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp IngestResponse
	json.NewDecoder(w.Body).Decode(&resp)
	return resp
}

func waitTerminal(t *testing.T, h *Handler, incidentID string) IncidentResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/"+incidentID, nil)
		req.SetPathValue("incidentID", incidentID)
		w := httptest.NewRecorder()
		h.GetIncident(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("get incident: %d: %s", w.Code, w.Body.String())
		}
		var inc IncidentResponse
		json.NewDecoder(w.Body).Decode(&inc)
		if domain.IncidentState(inc.State).IsTerminal() {
			return inc
		}
		if time.Now().After(deadline) {
			t.Fatalf("incident stuck in %s", inc.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()

	h.Health(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestIngestEvent_RunsToClosed(t *testing.T) {
	h := newTestHandler(t)
	addPlaybook(t, h, "pb-net-drain")

	resp := postEvent(t, h)
	if !resp.Created {
		t.Fatal("expected a new incident")
	}
	if resp.State != string(domain.StateTriaged) {
		t.Errorf("state = %s, want triaged", resp.State)
	}

	inc := waitTerminal(t, h, resp.IncidentID)
	if inc.State != string(domain.StateClosed) {
		t.Errorf("terminal state = %s, want closed", inc.State)
	}
	if inc.SelectedPlaybookID != "pb-net-drain" {
		t.Errorf("selected = %q", inc.SelectedPlaybookID)
	}
}

func TestIngestEvent_NoPlaybookEscalates(t *testing.T) {
	h := newTestHandler(t)

	resp := postEvent(t, h)
	inc := waitTerminal(t, h, resp.IncidentID)
	if inc.State != string(domain.StateEscalated) {
		t.Errorf("terminal state = %s, want escalated", inc.State)
	}
}

func TestIngestEvent_InvalidBody(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	h.IngestEvent(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIngestEvent_MissingCategory(t *testing.T) {
	h := newTestHandler(t)
	body := `{"source":"detector-1","affected_resources":[{"id":"host-001"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.IngestEvent(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetIncident_NotFound(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/nonexistent", nil)
	req.SetPathValue("incidentID", "nonexistent")
	w := httptest.NewRecorder()

	h.GetIncident(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetAudit_ReturnsTrail(t *testing.T) {
	h := newTestHandler(t)
	addPlaybook(t, h, "pb-net-drain")
	resp := postEvent(t, h)
	waitTerminal(t, h, resp.IncidentID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/"+resp.IncidentID+"/audit", nil)
	req.SetPathValue("incidentID", resp.IncidentID)
	w := httptest.NewRecorder()

	h.GetAudit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []AuditEntry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) < 2 {
		t.Fatalf("got %d audit entries", len(entries))
	}
	if entries[0].EventType != "incident_created" {
		t.Errorf("first event = %s", entries[0].EventType)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].SeqNo <= entries[i-1].SeqNo {
			t.Fatalf("audit trail out of order at %d", i)
		}
	}
}

func TestCancel_NoExecutionInFlight(t *testing.T) {
	h := newTestHandler(t)
	resp := postEvent(t, h)
	waitTerminal(t, h, resp.IncidentID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents/"+resp.IncidentID+"/cancel", nil)
	req.SetPathValue("incidentID", resp.IncidentID)
	w := httptest.NewRecorder()

	h.CancelIncident(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var cr CancelResponse
	json.NewDecoder(w.Body).Decode(&cr)
	if cr.Cancelled {
		t.Error("expected cancelled=false with nothing in flight")
	}
}

func TestCancel_UnknownIncident(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents/nonexistent/cancel", nil)
	req.SetPathValue("incidentID", "nonexistent")
	w := httptest.NewRecorder()

	h.CancelIncident(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRearm_EscalatedIncident(t *testing.T) {
	h := newTestHandler(t)
	resp := postEvent(t, h)
	inc := waitTerminal(t, h, resp.IncidentID)
	if inc.State != string(domain.StateEscalated) {
		t.Fatalf("precondition: state = %s", inc.State)
	}

	// A playbook arrived since the escalation; re-arming should let the
	// engine pick it up.
	addPlaybook(t, h, "pb-net-drain")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents/"+resp.IncidentID+"/rearm", nil)
	req.SetPathValue("incidentID", resp.IncidentID)
	w := httptest.NewRecorder()

	h.RearmIncident(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	inc = waitTerminal(t, h, resp.IncidentID)
	if inc.State != string(domain.StateClosed) {
		t.Errorf("terminal state = %s, want closed", inc.State)
	}
}

func TestRearm_UnknownIncident(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents/nonexistent/rearm", nil)
	req.SetPathValue("incidentID", "nonexistent")
	w := httptest.NewRecorder()

	h.RearmIncident(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListPlaybooks(t *testing.T) {
	h := newTestHandler(t)
	addPlaybook(t, h, "pb-net-drain")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/playbooks", nil)
	w := httptest.NewRecorder()

	h.ListPlaybooks(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var summaries []PlaybookSummary
	json.NewDecoder(w.Body).Decode(&summaries)
	if len(summaries) != 1 {
		t.Fatalf("got %d playbooks", len(summaries))
	}
	if summaries[0].ID != "pb-net-drain" || !summaries[0].HasRollback {
		t.Errorf("summary = %+v", summaries[0])
	}
}

func TestGetPlaybookMetrics_Unknown(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/playbooks/nonexistent/metrics", nil)
	req.SetPathValue("playbookID", "nonexistent")
	w := httptest.NewRecorder()

	h.GetPlaybookMetrics(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStreamAudit_SSE_FirstBatch(t *testing.T) {
	h := newTestHandler(t)
	addPlaybook(t, h, "pb-net-drain")
	resp := postEvent(t, h)
	waitTerminal(t, h, resp.IncidentID)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents/"+resp.IncidentID+"/audit/stream", nil).WithContext(ctx)
	req.SetPathValue("incidentID", resp.IncidentID)
	w := httptest.NewRecorder()

	h.StreamAudit(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}
	if w.Body.Len() == 0 {
		t.Error("expected SSE data in body")
	}
}

func TestCORSHeaders(t *testing.T) {
	h := newTestHandler(t)
	srv := NewServer(h, ":0")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/incidents/inc-1", nil)
	w := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin *")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", w.Code)
	}
}
