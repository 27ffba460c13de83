package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestClient wires a client against a fake registry that also issues
// tokens at /token.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "test-token", "expires_in": 3600})
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := Config{
		Enabled:      true,
		BaseURL:      srv.URL + "/fhir",
		TokenURL:     srv.URL + "/token",
		ClientID:     "bridge",
		ClientSecret: "s3cret",
	}
	tokens := NewTokenSource(cfg, zerolog.Nop())
	return NewClient(cfg, tokens, zerolog.Nop(), WithRetryBase(time.Millisecond)), srv
}

func TestUpsertSendsIdempotentPut(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotContentType, gotCorrelation string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		w.WriteHeader(http.StatusOK)
	})

	resource := map[string]any{"resourceType": "Patient", "id": "abc-123"}
	if err := client.Upsert(context.Background(), "Patient", "abc-123", resource, "corr-1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/fhir/Patient/abc-123" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotContentType != "application/fhir+json" {
		t.Errorf("content-type = %q", gotContentType)
	}
	if gotCorrelation != "corr-1" {
		t.Errorf("correlation id = %q", gotCorrelation)
	}
}

func TestUpsertNoOpWhenDisabled(t *testing.T) {
	cfg := Config{Enabled: false}
	tokens := NewTokenSource(cfg, zerolog.Nop())
	client := NewClient(cfg, tokens, zerolog.Nop())

	if err := client.Upsert(context.Background(), "Patient", "x", map[string]any{}, "c"); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
}

func TestUpsertRetriesServerErrors(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := client.Upsert(context.Background(), "Patient", "x", map[string]any{}, "c"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestUpsertDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	if err := client.Upsert(context.Background(), "Patient", "x", map[string]any{}, "c"); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly 1 attempt for a 400, got %d", n)
	}
}

func TestFetchEverythingReturnsNilOnFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if b := client.FetchEverything(context.Background(), "p1"); b != nil {
		t.Fatalf("expected nil bundle on failure, got %+v", b)
	}
}

func TestFetchEverythingNilWhenDisabled(t *testing.T) {
	cfg := Config{Enabled: false}
	client := NewClient(cfg, NewTokenSource(cfg, zerolog.Nop()), zerolog.Nop())
	if b := client.FetchEverything(context.Background(), "p1"); b != nil {
		t.Fatalf("expected nil bundle when disabled, got %+v", b)
	}
}

func TestFetchEverythingDecodesBundle(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/Patient/p1/$everything" {
			t.Errorf("path = %s", r.URL.Path)
		}
		total := 2
		json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "Bundle",
			"type":         "searchset",
			"total":        total,
			"entry": []map[string]any{
				{"resource": map[string]any{"resourceType": "Patient", "id": "p1"}},
				{"resource": map[string]any{"resourceType": "Observation", "id": "o1"}},
			},
		})
	})

	b := client.FetchEverything(context.Background(), "p1")
	if b == nil {
		t.Fatal("expected bundle")
	}
	if b.Total == nil || *b.Total != 2 {
		t.Fatalf("total = %v", b.Total)
	}
	if len(b.Entry) != 2 {
		t.Fatalf("entries = %d", len(b.Entry))
	}
}

func TestSearchAuditEventsQuery(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/AuditEvent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if got := q.Get("_count"); got != "100" {
			t.Errorf("_count = %q", got)
		}
		if got := q.Get("_sort"); got != "-date" {
			t.Errorf("_sort = %q", got)
		}
		if got := q.Get("date"); got != "ge2026-03-01T12:00:00Z" {
			t.Errorf("date = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "Bundle",
			"entry": []map[string]any{
				{"resource": map[string]any{"resourceType": "AuditEvent", "id": "ev-1", "action": "C", "recorded": "2026-03-02T00:00:00Z"}},
				{"resource": json.RawMessage(`{"id": 42}`)},
			},
		})
	})

	events, err := client.SearchAuditEvents(context.Background(), since, 100)
	if err != nil {
		t.Fatalf("SearchAuditEvents: %v", err)
	}
	// The undecodable entry is skipped, not fatal.
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].ID != "ev-1" || events[0].Action != "C" {
		t.Fatalf("event = %+v", events[0])
	}
}
