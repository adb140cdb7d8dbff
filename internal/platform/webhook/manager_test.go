package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"event":"report.complete"}`)
	sig := SignPayload(payload, "secret-1")

	if !VerifySignature(payload, "secret-1", sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(payload, "secret-2", sig) {
		t.Error("signature verified under wrong secret")
	}
	if VerifySignature([]byte(`{"event":"tampered"}`), "secret-1", sig) {
		t.Error("signature verified for tampered payload")
	}
}

func TestRegisterEndpoint(t *testing.T) {
	m := NewManager(NewInMemoryStore(), 3, zerolog.Nop())
	ctx := context.Background()

	ep, err := m.RegisterEndpoint(ctx, uuid.New(), "https://example.com/hook", "", []string{"report.complete"})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Secret == "" {
		t.Error("secret not generated")
	}
	if !ep.Active {
		t.Error("new endpoint should be active")
	}

	if _, err := m.RegisterEndpoint(ctx, uuid.New(), "ftp://example.com", "", []string{"report.complete"}); err == nil {
		t.Error("expected scheme validation error")
	}
	if _, err := m.RegisterEndpoint(ctx, uuid.New(), "https://example.com", "", nil); err == nil {
		t.Error("expected error for empty event list")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"report.complete", "report.complete", true},
		{"report.complete", "report.failed", false},
		{"report.*", "report.failed", true},
		{"report.*", "encounter.created", false},
		{"*.failed", "report.failed", true},
		{"*.failed", "report.complete", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, 3, zerolog.Nop())
	ctx := context.Background()
	owner := uuid.New()

	subscribed, err := m.RegisterEndpoint(ctx, owner, "https://a.example.com", "s1", []string{"report.complete"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterEndpoint(ctx, owner, "https://b.example.com", "s2", []string{"report.failed"}); err != nil {
		t.Fatal(err)
	}
	paused, err := m.RegisterEndpoint(ctx, owner, "https://c.example.com", "s3", []string{"report.complete"})
	if err != nil {
		t.Fatal(err)
	}
	paused.Active = false
	if err := store.UpdateEndpoint(ctx, paused); err != nil {
		t.Fatal(err)
	}

	data := EventData{EncounterID: uuid.New(), ReportID: uuid.New(), Status: "COMPLETE"}
	m.Publish(ctx, EventReportComplete, data)

	due, err := store.ListDue(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("deliveries enqueued = %d, want 1", len(due))
	}
	d := due[0]
	if d.EndpointID != subscribed.ID {
		t.Error("delivery enqueued for wrong endpoint")
	}
	if d.Status != StatusRetrying || d.Attempt != 0 {
		t.Errorf("fresh delivery state: status=%s attempt=%d", d.Status, d.Attempt)
	}
	if !VerifySignature(d.Payload, "s1", d.Signature) {
		t.Error("stored signature does not cover payload")
	}

	var body eventPayload
	if err := json.Unmarshal(d.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.Event != EventReportComplete {
		t.Errorf("event = %q", body.Event)
	}
	if body.Data.ReportID != data.ReportID || body.Data.EncounterID != data.EncounterID {
		t.Errorf("payload data = %+v", body.Data)
	}
	if body.Data.Status != "COMPLETE" {
		t.Errorf("payload status = %q", body.Data.Status)
	}
}

func TestTestEndpointBypassesSubscriptions(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, 3, zerolog.Nop())
	ctx := context.Background()

	ep, err := m.RegisterEndpoint(ctx, uuid.New(), "https://a.example.com", "s1", []string{"report.complete"})
	if err != nil {
		t.Fatal(err)
	}

	d, err := m.TestEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Event != EventTest {
		t.Errorf("event = %q", d.Event)
	}
	if d.Status != StatusRetrying || d.NextAttemptAt == nil {
		t.Errorf("test delivery not due: %+v", d)
	}
	if !VerifySignature(d.Payload, "s1", d.Signature) {
		t.Error("test delivery signature invalid")
	}

	if _, err := m.TestEndpoint(ctx, uuid.New()); err == nil {
		t.Error("expected error for unknown endpoint")
	}
}

func TestRetryDelivery(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, 3, zerolog.Nop())
	ctx := context.Background()

	ep, err := m.RegisterEndpoint(ctx, uuid.New(), "https://a.example.com", "s1", []string{"report.complete"})
	if err != nil {
		t.Fatal(err)
	}
	d, err := m.TestEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Only FAILED deliveries are eligible.
	if _, err := m.RetryDelivery(ctx, d.ID); err == nil {
		t.Error("expected error retrying a pending delivery")
	}

	d.Status = StatusFailed
	d.Attempt = 3
	d.NextAttemptAt = nil
	d.Error = "connection refused"
	if err := store.UpdateDelivery(ctx, d); err != nil {
		t.Fatal(err)
	}

	requeued, err := m.RetryDelivery(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if requeued.Status != StatusRetrying || requeued.Attempt != 0 {
		t.Errorf("requeued state: status=%s attempt=%d", requeued.Status, requeued.Attempt)
	}
	if requeued.NextAttemptAt == nil {
		t.Error("requeued delivery has no due time")
	}
	if requeued.Error != "" {
		t.Error("stale error kept on requeue")
	}
}
