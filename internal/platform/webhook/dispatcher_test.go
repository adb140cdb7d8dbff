package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// rewindDue makes every RETRYING delivery due immediately, standing in for
// the passage of backoff time.
func rewindDue(t *testing.T, store Store, endpointID uuid.UUID) {
	t.Helper()
	deliveries, _, err := store.ListDeliveries(context.Background(), endpointID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().UTC().Add(-time.Second)
	for _, d := range deliveries {
		if d.Status == StatusRetrying {
			d.NextAttemptAt = &past
			if err := store.UpdateDelivery(context.Background(), d); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func onlyDelivery(t *testing.T, store Store, endpointID uuid.UUID) *Delivery {
	t.Helper()
	deliveries, _, err := store.ListDeliveries(context.Background(), endpointID, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(deliveries))
	}
	return deliveries[0]
}

func TestDispatcherDeliversAndSigns(t *testing.T) {
	var gotSig, gotEvent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig.Store(r.Header.Get(SignatureHeader))
		gotEvent.Store(r.Header.Get("X-Chartaudit-Event"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewInMemoryStore()
	m := NewManager(store, 3, zerolog.Nop())
	ctx := context.Background()

	ep, err := m.RegisterEndpoint(ctx, uuid.New(), srv.URL, "topsecret", []string{"report.complete"})
	if err != nil {
		t.Fatal(err)
	}
	m.Publish(ctx, EventReportComplete, EventData{ReportID: uuid.New(), Status: "COMPLETE"})

	d := NewDispatcher(store, zerolog.Nop())
	if err := d.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	delivery := onlyDelivery(t, store, ep.ID)
	if delivery.Status != StatusDelivered {
		t.Errorf("status = %s, want DELIVERED", delivery.Status)
	}
	if delivery.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", delivery.Attempt)
	}
	if delivery.NextAttemptAt != nil {
		t.Error("delivered delivery must not be rescheduled")
	}

	sig, _ := gotSig.Load().(string)
	if sig != "sha256="+delivery.Signature {
		t.Errorf("signature header = %q", sig)
	}
	if ev, _ := gotEvent.Load().(string); ev != EventReportComplete {
		t.Errorf("event header = %q", ev)
	}
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewInMemoryStore()
	m := NewManager(store, 3, zerolog.Nop())
	ctx := context.Background()

	ep, err := m.RegisterEndpoint(ctx, uuid.New(), srv.URL, "topsecret", []string{"report.complete"})
	if err != nil {
		t.Fatal(err)
	}
	m.Publish(ctx, EventReportComplete, EventData{ReportID: uuid.New(), Status: "COMPLETE"})

	d := NewDispatcher(store, zerolog.Nop())

	// Attempt 1: fails, rescheduled with backoff.
	if err := d.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	delivery := onlyDelivery(t, store, ep.ID)
	if delivery.Status != StatusRetrying {
		t.Fatalf("status after attempt 1 = %s", delivery.Status)
	}
	if delivery.Attempt != 1 {
		t.Errorf("attempt = %d", delivery.Attempt)
	}
	if delivery.NextAttemptAt == nil || !delivery.NextAttemptAt.After(time.Now().UTC()) {
		t.Error("failed delivery not rescheduled into the future")
	}

	// Not due yet: drain must be a no-op.
	if err := d.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, drain retried before backoff elapsed", calls.Load())
	}

	// Attempts 2 and 3.
	for i := 0; i < 2; i++ {
		rewindDue(t, store, ep.ID)
		if err := d.Drain(ctx); err != nil {
			t.Fatal(err)
		}
	}

	delivery = onlyDelivery(t, store, ep.ID)
	if delivery.Status != StatusFailed {
		t.Errorf("status after 3 failures = %s, want FAILED", delivery.Status)
	}
	if delivery.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", delivery.Attempt)
	}
	if calls.Load() != 3 {
		t.Errorf("endpoint called %d times, want 3", calls.Load())
	}

	// The ceiling is terminal: nothing further is due.
	rewindDue(t, store, ep.ID)
	if err := d.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("FAILED delivery was retried again (%d calls)", calls.Load())
	}
}

func TestDispatcherConnectionErrorIsRetried(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, 3, zerolog.Nop())
	ctx := context.Background()

	// Nothing listens on this address.
	ep, err := m.RegisterEndpoint(ctx, uuid.New(), "http://127.0.0.1:1", "s", []string{"report.*"})
	if err != nil {
		t.Fatal(err)
	}
	m.Publish(ctx, EventReportFailed, EventData{ReportID: uuid.New(), Status: "FAILED"})

	d := NewDispatcher(store, zerolog.Nop())
	if err := d.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	delivery := onlyDelivery(t, store, ep.ID)
	if delivery.Status != StatusRetrying {
		t.Errorf("status = %s, want RETRYING", delivery.Status)
	}
	if delivery.Error == "" {
		t.Error("connection error not recorded")
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute, 5 * time.Minute}
	for i, w := range want {
		if got := backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
