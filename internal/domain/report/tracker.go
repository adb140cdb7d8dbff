package report

import (
	"context"
	"fmt"
	"sync"
)

// ProgressSink receives progress notifications as a report advances. The hub
// push channel and the webhook notifier implement this; the sink reads the
// same authoritative report row the polling API serves. Both IDs travel with
// every event so outbound payloads can reference the encounter.
type ProgressSink interface {
	ReportProgress(ctx context.Context, encounterID, reportID string, step Step, percent int)
}

// Tracker enforces the step ordering and progress monotonicity rules for a
// single processing attempt. It is created fresh per attempt; retries start a
// new tracker at StepQueued.
type Tracker struct {
	mu          sync.Mutex
	encounterID string
	reportID    string
	step        Step
	percent     int
	sinks       []ProgressSink
}

func NewTracker(encounterID, reportID string, sinks ...ProgressSink) *Tracker {
	return &Tracker{
		encounterID: encounterID,
		reportID:    reportID,
		step:        StepQueued,
		percent:     0,
		sinks:       sinks,
	}
}

// Advance moves the attempt to the given step. Steps may be skipped forward
// but never revisited: a regression is a programming error and fails loudly.
func (t *Tracker) Advance(ctx context.Context, step Step) error {
	t.mu.Lock()

	next := step.Index()
	if next < 0 {
		t.mu.Unlock()
		return fmt.Errorf("unknown step %q", step)
	}
	if next < t.step.Index() {
		cur := t.step
		t.mu.Unlock()
		return fmt.Errorf("step regression: %s -> %s", cur, step)
	}

	t.step = step
	if p := step.Progress(); p > t.percent {
		t.percent = p
	}
	step, percent := t.step, t.percent
	t.mu.Unlock()

	for _, sink := range t.sinks {
		sink.ReportProgress(ctx, t.encounterID, t.reportID, step, percent)
	}
	return nil
}

// Step returns the current step.
func (t *Tracker) Step() Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step
}

// Percent returns the current progress percentage.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}
