package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartaudit/chartaudit/internal/domain/report"
)

func TestNotifierProgressCarriesEncounterID(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, 3, zerolog.Nop())
	n := NewNotifier(m)
	ctx := context.Background()

	if _, err := m.RegisterEndpoint(ctx, uuid.New(), "https://a.example.com", "s1", []string{"report.progress"}); err != nil {
		t.Fatal(err)
	}

	encounterID := uuid.New()
	reportID := uuid.New()
	n.ReportProgress(ctx, encounterID.String(), reportID.String(), report.StepPhiDetection, 10)

	due, err := store.ListDue(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("deliveries enqueued = %d, want 1", len(due))
	}

	var body eventPayload
	if err := json.Unmarshal(due[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.Event != EventReportProgress {
		t.Errorf("event = %q", body.Event)
	}
	if body.Data.EncounterID != encounterID {
		t.Errorf("encounter_id = %s, want %s", body.Data.EncounterID, encounterID)
	}
	if body.Data.ReportID != reportID {
		t.Errorf("report_id = %s, want %s", body.Data.ReportID, reportID)
	}
	if body.Data.Status != string(report.StepPhiDetection) {
		t.Errorf("status = %q", body.Data.Status)
	}
}
