package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chartaudit/chartaudit/internal/domain/comparison"
)

// Status is the report lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Step is the current position inside a processing attempt. Steps form a
// fixed ordered sequence; a report's step may only move forward within one
// attempt, and resets to StepQueued on retry.
type Step string

const (
	StepQueued                    Step = "queued"
	StepInitializing              Step = "initializing"
	StepPhiDetection              Step = "phi_detection"
	StepPhiDetectionComplete      Step = "phi_detection_complete"
	StepClinicalFiltering         Step = "clinical_filtering"
	StepClinicalFilteringComplete Step = "clinical_filtering_complete"
	StepCodeInferenceDiagnosis    Step = "code_inference_diagnosis"
	StepCodeInferenceProcedure    Step = "code_inference_procedure"
	StepCodeInferenceComplete     Step = "code_inference_complete"
	StepAIComparison              Step = "ai_comparison"
	StepFinalizingReport          Step = "finalizing_report"
	StepComplete                  Step = "complete"
)

// stepOrder defines the sequence position and the progress percentage reached
// when a step begins. Bands are presentation targets; the correctness rule is
// only that progress never regresses within an attempt.
var stepOrder = []struct {
	step     Step
	progress int
}{
	{StepQueued, 0},
	{StepInitializing, 5},
	{StepPhiDetection, 10},
	{StepPhiDetectionComplete, 20},
	{StepClinicalFiltering, 25},
	{StepClinicalFilteringComplete, 35},
	{StepCodeInferenceDiagnosis, 40},
	{StepCodeInferenceProcedure, 55},
	{StepCodeInferenceComplete, 70},
	{StepAIComparison, 75},
	{StepFinalizingReport, 95},
	{StepComplete, 100},
}

var stepIndex = func() map[Step]int {
	m := make(map[Step]int, len(stepOrder))
	for i, s := range stepOrder {
		m[s.step] = i
	}
	return m
}()

// Index returns the sequence position of a step, or -1 for unknown steps.
func (s Step) Index() int {
	i, ok := stepIndex[s]
	if !ok {
		return -1
	}
	return i
}

// Progress returns the percentage associated with entering this step.
func (s Step) Progress() int {
	i, ok := stepIndex[s]
	if !ok {
		return 0
	}
	return stepOrder[i].progress
}

// ErrorDetail is the structured failure blob stored alongside a FAILED report.
type ErrorDetail struct {
	Stage      string `json:"stage"`
	ErrorClass string `json:"error_class"`
	Attempt    int    `json:"attempt"`
}

// Report maps to the report table; one-to-one with an encounter.
type Report struct {
	ID              uuid.UUID `db:"id" json:"id"`
	EncounterID     uuid.UUID `db:"encounter_id" json:"encounter_id"`
	Status          Status    `db:"status" json:"status"`
	ProgressPercent int       `db:"progress_percent" json:"progress_percent"`
	CurrentStep     Step      `db:"current_step" json:"current_step"`
	RetryCount      int       `db:"retry_count" json:"retry_count"`
	MaxAttempts     int       `db:"max_attempts" json:"max_attempts"`
	ErrorMessage    *string   `db:"error_message" json:"error_message,omitempty"`
	ErrorDetail     *ErrorDetail
	// LeaseOwner/LeaseExpiresAt implement the single-writer discipline:
	// at most one worker may process a report at a time.
	LeaseOwner          *string                 `db:"lease_owner" json:"-"`
	LeaseExpiresAt      *time.Time              `db:"lease_expires_at" json:"-"`
	Suggestions         []comparison.Suggestion `json:"suggestions,omitempty"`
	IncrementalRevenue  float64                 `db:"incremental_revenue" json:"incremental_revenue"`
	Overcoded           bool                    `db:"overcoded" json:"overcoded"`
	RenderedBody        *string                 `db:"rendered_body" json:"rendered_body,omitempty"`
	ProcessingStartedAt *time.Time              `db:"processing_started_at" json:"processing_started_at,omitempty"`
	ProcessingEndedAt   *time.Time              `db:"processing_ended_at" json:"processing_ended_at,omitempty"`
	CreatedAt           time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time               `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the report has reached a final state.
func (r *Report) Terminal() bool {
	return r.Status == StatusComplete || r.Status == StatusFailed || r.Status == StatusCancelled
}

// AttemptsRemaining returns how many automatic retries are left.
func (r *Report) AttemptsRemaining() int {
	remaining := r.MaxAttempts - 1 - r.RetryCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ValidateComplete checks the completeness invariant before the COMPLETE
// transition: every required sub-result must be present.
func (r *Report) ValidateComplete() error {
	if r.ProgressPercent != 100 {
		return fmt.Errorf("report %s: progress %d%% at completion", r.ID, r.ProgressPercent)
	}
	if len(r.Suggestions) == 0 {
		return fmt.Errorf("report %s: no suggested codes at completion", r.ID)
	}
	if r.RenderedBody == nil || *r.RenderedBody == "" {
		return fmt.Errorf("report %s: rendered body missing at completion", r.ID)
	}
	return nil
}

// MarshalSuggestions serialises the suggestion set for JSONB storage.
func (r *Report) MarshalSuggestions() ([]byte, error) {
	if r.Suggestions == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Suggestions)
}

// StatusView is the polling read model exposed by getReportStatus.
type StatusView struct {
	ReportID        uuid.UUID `json:"report_id"`
	Status          Status    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	CurrentStep     Step      `json:"current_step"`
	RetryCount      int       `json:"retry_count"`
	AttemptsLeft    int       `json:"attempts_left"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	// EstimatedSecondsRemaining is a coarse presentation hint derived from
	// progress; zero once terminal.
	EstimatedSecondsRemaining int `json:"estimated_seconds_remaining"`
}
