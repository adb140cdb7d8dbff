package webhook

import (
	"context"

	"github.com/google/uuid"

	"github.com/chartaudit/chartaudit/internal/domain/report"
)

// Event names published by the pipeline.
const (
	EventReportComplete = "report.complete"
	EventReportFailed   = "report.failed"
	EventReportProgress = "report.progress"
	EventTest           = "endpoint.test"
)

// Notifier adapts the Manager to the report lifecycle hooks. Webhook
// enqueueing is fire-and-forget relative to the report: a delivery failure
// never fails or blocks the report itself.
type Notifier struct {
	manager *Manager
}

func NewNotifier(manager *Manager) *Notifier {
	return &Notifier{manager: manager}
}

func (n *Notifier) ReportCompleted(ctx context.Context, r *report.Report) {
	n.manager.Publish(ctx, EventReportComplete, EventData{
		EncounterID: r.EncounterID,
		ReportID:    r.ID,
		Status:      string(r.Status),
	})
}

func (n *Notifier) ReportFailed(ctx context.Context, r *report.Report) {
	n.manager.Publish(ctx, EventReportFailed, EventData{
		EncounterID: r.EncounterID,
		ReportID:    r.ID,
		Status:      string(r.Status),
	})
}

// ReportProgress publishes intermediate transitions for endpoints that
// subscribed to them.
func (n *Notifier) ReportProgress(ctx context.Context, encounterID, reportID string, step report.Step, percent int) {
	// Intermediate events carry the step name as the status field.
	var data EventData
	if id, err := uuid.Parse(encounterID); err == nil {
		data.EncounterID = id
	}
	if id, err := uuid.Parse(reportID); err == nil {
		data.ReportID = id
	}
	data.Status = string(step)
	n.manager.Publish(ctx, EventReportProgress, data)
}
