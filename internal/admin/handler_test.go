package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/audit"
	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/mirror"
	"github.com/ehr/fhirsync/internal/reconcile"
	"github.com/ehr/fhirsync/internal/registry"
	"github.com/ehr/fhirsync/internal/syncjob"
)

const testSecret = "shhh"

type fixture struct {
	e      *echo.Echo
	queue  *syncjob.MemoryQueue
	audits *audit.MemoryStore
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	f := &fixture{
		e:      echo.New(),
		queue:  syncjob.NewMemoryQueue(),
		audits: audit.NewMemoryStore(),
	}
	records := record.NewMemoryStore()
	auditSvc := audit.NewService(f.audits, zerolog.Nop())
	sweeper := reconcile.NewSweeper(f.queue, records, auditSvc, zerolog.Nop())

	regCfg := registry.Config{Enabled: false}
	client := registry.NewClient(regCfg, registry.NewTokenSource(regCfg, zerolog.Nop()), zerolog.Nop())
	m := mirror.New(client, f.audits, auditSvc, zerolog.Nop())

	h := NewHandler(f.queue, sweeper, m, f.audits, client, secret, zerolog.Nop())
	h.RegisterRoutes(f.e)
	return f
}

func (f *fixture) request(method, path, secret string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if secret != "" {
		req.Header.Set("X-Scheduler-Secret", secret)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestSchedulerSecretEnforced(t *testing.T) {
	f := newFixture(t, testSecret)

	if rec := f.request(http.MethodGet, "/admin/sync/queue/stats", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no secret: status = %d", rec.Code)
	}
	if rec := f.request(http.MethodGet, "/admin/sync/queue/stats", "wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d", rec.Code)
	}
	if rec := f.request(http.MethodGet, "/admin/sync/queue/stats", testSecret, ""); rec.Code != http.StatusOK {
		t.Fatalf("right secret: status = %d", rec.Code)
	}
}

func TestSchedulerSecretSkippedWhenUnconfigured(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.request(http.MethodGet, "/admin/sync/queue/stats", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	f := newFixture(t, testSecret)
	job := &syncjob.Job{
		CorrelationID: "corr-1",
		ResourceType:  record.TypePatient,
		ResourceID:    uuid.New().String(),
		OrgID:         "org-1",
		Payload:       syncjob.Payload{Patient: &syncjob.PatientSync{ID: uuid.New()}},
	}
	f.queue.Enqueue(context.Background(), job)

	rec := f.request(http.MethodGet, "/admin/sync/queue/stats", testSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var stats syncjob.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	f := newFixture(t, testSecret)
	ctx := context.Background()

	if rec := f.request(http.MethodPost, "/admin/sync/queue/pause", testSecret, ""); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	stats, _ := f.queue.Stats(ctx)
	if !stats.Paused {
		t.Fatal("queue not paused")
	}

	if rec := f.request(http.MethodPost, "/admin/sync/queue/resume", testSecret, ""); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	stats, _ = f.queue.Stats(ctx)
	if stats.Paused {
		t.Fatal("queue still paused")
	}
}

func TestRetryEndpoint(t *testing.T) {
	ctx := context.Background()

	// Single-attempt queue so one nack dead-letters the job.
	q := syncjob.NewMemoryQueue(syncjob.WithMaxAttempts(1))
	f := &fixture{e: echo.New(), queue: q, audits: audit.NewMemoryStore()}
	records := record.NewMemoryStore()
	auditSvc := audit.NewService(f.audits, zerolog.Nop())
	sweeper := reconcile.NewSweeper(q, records, auditSvc, zerolog.Nop())
	regCfg := registry.Config{Enabled: false}
	client := registry.NewClient(regCfg, registry.NewTokenSource(regCfg, zerolog.Nop()), zerolog.Nop())
	h := NewHandler(q, sweeper, mirror.New(client, f.audits, auditSvc, zerolog.Nop()), f.audits, client, testSecret, zerolog.Nop())
	h.RegisterRoutes(f.e)

	job := &syncjob.Job{
		CorrelationID: "corr-dead",
		ResourceType:  record.TypePatient,
		ResourceID:    uuid.New().String(),
		OrgID:         "org-1",
	}
	q.Enqueue(ctx, job)
	got, _ := q.Dequeue(ctx)
	q.Nack(ctx, got.ID, "boom")

	rec := f.request(http.MethodPost, "/admin/sync/queue/jobs/"+got.ID.String()+"/retry", testSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	stats, _ := q.Stats(ctx)
	if stats.Waiting != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	if rec := f.request(http.MethodPost, "/admin/sync/queue/jobs/"+uuid.New().String()+"/retry", testSecret, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", rec.Code)
	}
	if rec := f.request(http.MethodPost, "/admin/sync/queue/jobs/not-a-uuid/retry", testSecret, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}
}

func TestReconcileRunEndpoint(t *testing.T) {
	f := newFixture(t, testSecret)

	rec := f.request(http.MethodPost, "/admin/sync/reconcile/run", testSecret, `{"org_id":"org-1","batch_size":10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var run reconcile.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.StartedAt.IsZero() || run.FinishedAt.IsZero() {
		t.Fatalf("run = %+v", run)
	}

	// The run is visible in history.
	histRec := f.request(http.MethodGet, "/admin/sync/reconcile/history", testSecret, "")
	if histRec.Code != http.StatusOK {
		t.Fatalf("history status = %d", histRec.Code)
	}
	var hist struct {
		Count int `json:"count"`
	}
	json.Unmarshal(histRec.Body.Bytes(), &hist)
	if hist.Count != 1 {
		t.Fatalf("history count = %d", hist.Count)
	}
}

func TestAuditSearchEndpoint(t *testing.T) {
	f := newFixture(t, testSecret)
	ctx := context.Background()
	f.audits.Append(ctx, &audit.Entry{OrgID: "org-1", EventType: audit.EventFHIRSync, Payload: map[string]any{"correlation_id": "a"}})
	f.audits.Append(ctx, &audit.Entry{OrgID: "org-2", EventType: audit.EventFHIRSync, Payload: map[string]any{"correlation_id": "b"}})

	rec := f.request(http.MethodGet, "/admin/sync/audit?org_id=org-1", testSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Total   int            `json:"total"`
		Entries []*audit.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 1 || len(out.Entries) != 1 || out.Entries[0].OrgID != "org-1" {
		t.Fatalf("out = %+v", out)
	}

	if rec := f.request(http.MethodGet, "/admin/sync/audit?since=yesterday", testSecret, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", rec.Code)
	}
}

func TestPatientEverythingDegradesToEmptyBundle(t *testing.T) {
	f := newFixture(t, testSecret)

	rec := f.request(http.MethodGet, "/admin/sync/patients/"+uuid.New().String()+"/everything", testSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Total        int    `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bundle.ResourceType != "Bundle" || bundle.Type != "searchset" || bundle.Total != 0 {
		t.Fatalf("bundle = %+v", bundle)
	}
}

func TestMirrorRunEndpointBadSince(t *testing.T) {
	f := newFixture(t, testSecret)
	if rec := f.request(http.MethodPost, "/admin/sync/mirror/run?since=lastweek", testSecret, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	f := newFixture(t, testSecret)
	rec := f.request(http.MethodPost, "/admin/sync/queue/cleanup", testSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Removed != 0 {
		t.Fatalf("removed = %d", out.Removed)
	}
}
