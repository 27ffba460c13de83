package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/audit"
	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/syncjob"
)

type sweepFixture struct {
	queue   *syncjob.MemoryQueue
	records *record.MemoryStore
	audits  *audit.MemoryStore
	sweeper *Sweeper
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{
		queue:   syncjob.NewMemoryQueue(),
		records: record.NewMemoryStore(),
		audits:  audit.NewMemoryStore(),
	}
	auditSvc := audit.NewService(f.audits, zerolog.Nop())
	f.sweeper = NewSweeper(f.queue, f.records, auditSvc, zerolog.Nop())
	return f
}

func (f *sweepFixture) putPatient(orgID string, updatedAt time.Time, lastSyncedAt *time.Time, syncEnabled bool) *record.Patient {
	p := &record.Patient{
		ID:        uuid.New(),
		OrgID:     orgID,
		Gender:    "female",
		SyncState: record.SyncState{SyncEnabled: syncEnabled, LastSyncedAt: lastSyncedAt},
		UpdatedAt: updatedAt,
	}
	f.records.PutPatient(p)
	return p
}

func TestSweepEnqueuesNeverSyncedRecords(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	now := time.Now().UTC()

	f.putPatient("org-1", now.Add(-2*time.Hour), nil, true)
	f.putPatient("org-1", now.Add(-time.Hour), nil, true)
	recent := now.Add(-time.Minute)
	f.putPatient("org-1", now.Add(-3*time.Hour), &recent, true) // freshly synced
	f.putPatient("org-1", now, nil, false)                      // opted out

	run := f.sweeper.Run(ctx, Options{})

	if run.Patients.Total != 3 {
		t.Errorf("total = %d, want 3 (opted-out excluded)", run.Patients.Total)
	}
	if run.Patients.NotSynced != 2 {
		t.Errorf("not synced = %d, want 2", run.Patients.NotSynced)
	}
	if run.Patients.Enqueued != 2 {
		t.Errorf("enqueued = %d, want 2", run.Patients.Enqueued)
	}

	stats, _ := f.queue.Stats(ctx)
	if stats.Waiting != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSweepTreatsOldSyncAsStale(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	now := time.Now().UTC()

	old := now.Add(-48 * time.Hour)
	fresh := now.Add(-time.Hour)
	f.putPatient("org-1", now, &old, true)
	f.putPatient("org-1", now, &fresh, true)

	run := f.sweeper.Run(ctx, Options{StaleDays: 1})
	if run.Patients.Stale != 1 {
		t.Errorf("stale = %d, want 1", run.Patients.Stale)
	}
	if run.Patients.Enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", run.Patients.Enqueued)
	}
}

func TestSweepHonorsBatchSizeOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	now := time.Now().UTC()

	oldest := f.putPatient("org-1", now.Add(-5*time.Hour), nil, true)
	second := f.putPatient("org-1", now.Add(-4*time.Hour), nil, true)
	f.putPatient("org-1", now.Add(-3*time.Hour), nil, true)
	f.putPatient("org-1", now.Add(-2*time.Hour), nil, true)
	f.putPatient("org-1", now.Add(-time.Hour), nil, true)

	run := f.sweeper.Run(ctx, Options{BatchSize: 2})
	if run.Patients.Enqueued != 2 {
		t.Fatalf("enqueued = %d, want 2", run.Patients.Enqueued)
	}

	first, _ := f.queue.Dequeue(ctx)
	next, _ := f.queue.Dequeue(ctx)
	got := map[string]bool{first.ResourceID: true, next.ResourceID: true}
	if !got[oldest.ID.String()] || !got[second.ID.String()] {
		t.Fatalf("expected the two oldest records, got %v", got)
	}
}

func TestSweepScopedToOrg(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	now := time.Now().UTC()

	f.putPatient("org-1", now, nil, true)
	f.putPatient("org-2", now, nil, true)

	run := f.sweeper.Run(ctx, Options{OrgID: "org-1"})
	if run.Patients.Total != 1 || run.Patients.Enqueued != 1 {
		t.Fatalf("run = %+v", run.Patients)
	}
}

func TestSweepSkipsRecordsAlreadyQueued(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	now := time.Now().UTC()
	f.putPatient("org-1", now, nil, true)

	first := f.sweeper.Run(ctx, Options{})
	if first.Patients.Enqueued != 1 {
		t.Fatalf("first run enqueued = %d", first.Patients.Enqueued)
	}

	// A later sweep builds the same correlation id for the same record, so
	// the queue dedups against the job still in flight regardless of how much
	// time passed between runs.
	time.Sleep(1100 * time.Millisecond)
	second := f.sweeper.Run(ctx, Options{})
	if second.Patients.Enqueued != 0 {
		t.Errorf("second run enqueued = %d, want 0", second.Patients.Enqueued)
	}
	if second.Patients.Errors != 0 {
		t.Errorf("errors = %d", second.Patients.Errors)
	}
	stats, _ := f.queue.Stats(ctx)
	if stats.Waiting != 1 {
		t.Fatalf("duplicate work queued, stats = %+v", stats)
	}
}

func TestSweepReenqueuesAfterJobCompletes(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.putPatient("org-1", time.Now().UTC(), nil, true)

	f.sweeper.Run(ctx, Options{})
	job, _ := f.queue.Dequeue(ctx)
	if err := f.queue.Ack(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// The record was never marked synced, so it is still stale; with the
	// first job completed its correlation id is free again.
	second := f.sweeper.Run(ctx, Options{})
	if second.Patients.Enqueued != 1 {
		t.Fatalf("second run enqueued = %d, want 1", second.Patients.Enqueued)
	}
}

func TestSweepWritesAuditEntry(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.putPatient("org-1", time.Now().UTC(), nil, true)

	f.sweeper.Run(ctx, Options{OrgID: "org-1"})

	entries, err := f.audits.History(ctx, audit.EventFHIRReconciliation, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.OrgID != "org-1" {
		t.Errorf("org = %q", e.OrgID)
	}
	if _, ok := e.Payload["patients"]; !ok {
		t.Errorf("payload missing per-type tallies: %+v", e.Payload)
	}
}

func TestSweepAuditFallsBackToSystemOrg(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)

	f.sweeper.Run(ctx, Options{})

	entries, _ := f.audits.History(ctx, audit.EventFHIRReconciliation, 10)
	if len(entries) != 1 || entries[0].OrgID != audit.SystemOrg {
		t.Fatalf("entries = %+v", entries)
	}
}

// failingStore wraps the memory store and fails one resource type, proving a
// broken type does not stop the others.
type failingStore struct {
	*record.MemoryStore
	failType record.ResourceType
}

func (s *failingStore) ListStale(ctx context.Context, typ record.ResourceType, orgID string, cutoff time.Time, limit int) ([]record.StaleRecord, error) {
	if typ == s.failType {
		return nil, context.DeadlineExceeded
	}
	return s.MemoryStore.ListStale(ctx, typ, orgID, cutoff, limit)
}

func TestSweepIsolatesPerTypeFailures(t *testing.T) {
	ctx := context.Background()
	base := record.NewMemoryStore()
	obs := &record.Observation{
		ID:        uuid.New(),
		OrgID:     "org-1",
		PatientID: uuid.New(),
		Status:    "final",
		Category:  "exam",
		SyncState: record.SyncState{SyncEnabled: true},
		UpdatedAt: time.Now().UTC(),
	}
	base.PutObservation(obs)

	store := &failingStore{MemoryStore: base, failType: record.TypeEncounter}
	queue := syncjob.NewMemoryQueue()
	audits := audit.NewMemoryStore()
	sweeper := NewSweeper(queue, store, audit.NewService(audits, zerolog.Nop()), zerolog.Nop())

	run := sweeper.Run(ctx, Options{})
	if len(run.Failures) != 1 {
		t.Fatalf("failures = %v", run.Failures)
	}
	// Observations still swept despite the encounter failure.
	if run.Observations.Enqueued != 1 {
		t.Fatalf("observations = %+v", run.Observations)
	}
}
