package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartaudit/chartaudit/internal/platform/phi"
)

// Notifier receives terminal-state notifications. The webhook dispatcher and
// websocket hub both implement it; failures inside a notifier never fail the
// report itself.
type Notifier interface {
	ReportCompleted(ctx context.Context, r *Report)
	ReportFailed(ctx context.Context, r *Report)
}

// Service owns report lifecycle transitions. All status changes flow through
// it so the transition rules live in exactly one place.
type Service struct {
	repo        Repository
	notifiers   []Notifier
	maxAttempts int
	logger      zerolog.Logger
}

func NewService(repo Repository, maxAttempts int, logger zerolog.Logger) *Service {
	return &Service{repo: repo, maxAttempts: maxAttempts, logger: logger}
}

// AddNotifier registers a terminal-state notifier.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// CreateForEncounter creates the PENDING report row for a new encounter.
func (s *Service) CreateForEncounter(ctx context.Context, encounterID uuid.UUID) (*Report, error) {
	rep := &Report{
		EncounterID: encounterID,
		Status:      StatusPending,
		CurrentStep: StepQueued,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.repo.Create(ctx, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByEncounter(ctx context.Context, encounterID uuid.UUID) (*Report, error) {
	return s.repo.GetByEncounter(ctx, encounterID)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Report, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Status builds the polling read model for a report.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		ReportID:        rep.ID,
		Status:          rep.Status,
		ProgressPercent: rep.ProgressPercent,
		CurrentStep:     rep.CurrentStep,
		RetryCount:      rep.RetryCount,
		AttemptsLeft:    rep.AttemptsRemaining(),
		ErrorMessage:    rep.ErrorMessage,
	}
	if !rep.Terminal() {
		// Crude linear estimate: a full run is budgeted at two minutes.
		view.EstimatedSecondsRemaining = (100 - rep.ProgressPercent) * 120 / 100
	}
	return view, nil
}

// BeginProcessing transitions PENDING (or a retryable FAILED) to PROCESSING
// under an exclusive lease. The caller must hold the lease for the duration
// of the attempt and release it afterwards.
func (s *Service) BeginProcessing(ctx context.Context, id uuid.UUID, owner string, leaseTTL time.Duration) (*Report, error) {
	if err := s.repo.AcquireLease(ctx, id, owner, leaseTTL); err != nil {
		return nil, err
	}

	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rep.Status {
	case StatusPending:
		// first attempt
	case StatusFailed:
		if rep.AttemptsRemaining() == 0 {
			s.releaseQuietly(ctx, id, owner)
			return nil, fmt.Errorf("report %s: retry budget exhausted after %d attempts", id, rep.RetryCount+1)
		}
		rep.RetryCount++
	case StatusProcessing:
		// Lease acquisition succeeded over an expired lease; resume as a
		// fresh attempt without burning the retry budget.
	default:
		s.releaseQuietly(ctx, id, owner)
		return nil, fmt.Errorf("report %s: cannot process from status %s", id, rep.Status)
	}

	now := time.Now().UTC()
	rep.Status = StatusProcessing
	rep.CurrentStep = StepQueued
	rep.ProgressPercent = 0
	rep.ErrorMessage = nil
	rep.ErrorDetail = nil
	rep.ProcessingStartedAt = &now
	rep.ProcessingEndedAt = nil

	if err := s.repo.Update(ctx, rep); err != nil {
		s.releaseQuietly(ctx, id, owner)
		return nil, err
	}
	return rep, nil
}

// RecordProgress persists a step advance mid-attempt. Progress never
// regresses: stale writes are ignored rather than applied.
func (s *Service) RecordProgress(ctx context.Context, id uuid.UUID, step Step, percent int) error {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rep.Terminal() {
		return nil
	}
	if step.Index() < rep.CurrentStep.Index() || percent < rep.ProgressPercent {
		return nil
	}
	rep.CurrentStep = step
	rep.ProgressPercent = percent
	return s.repo.Update(ctx, rep)
}

// Complete performs the single PROCESSING -> COMPLETE transition. This is the
// only place downstream notification fires, so completion is observed
// externally at most once.
func (s *Service) Complete(ctx context.Context, rep *Report, owner string) error {
	current, err := s.repo.GetByID(ctx, rep.ID)
	if err != nil {
		return err
	}
	if current.Status != StatusProcessing {
		return fmt.Errorf("report %s: cannot complete from status %s", rep.ID, current.Status)
	}

	now := time.Now().UTC()
	rep.Status = StatusComplete
	rep.CurrentStep = StepComplete
	rep.ProgressPercent = 100
	rep.ProcessingEndedAt = &now
	rep.ErrorMessage = nil
	rep.ErrorDetail = nil

	if err := rep.ValidateComplete(); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, rep); err != nil {
		return err
	}
	s.releaseQuietly(ctx, rep.ID, owner)

	s.logger.Info().
		Str("report_id", rep.ID.String()).
		Int("retry_count", rep.RetryCount).
		Float64("incremental_revenue", rep.IncrementalRevenue).
		Msg("report complete")

	for _, n := range s.notifiers {
		n.ReportCompleted(ctx, rep)
	}
	return nil
}

// Fail records a stage failure. Progress is not advanced; the error message
// and structured detail are persisted for the status API. Notification fires
// only when the failure is final (retry budget exhausted or non-retryable).
func (s *Service) Fail(ctx context.Context, id uuid.UUID, owner string, stage Step, cause error, retryable bool) (*Report, error) {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rep.Terminal() && rep.Status != StatusFailed {
		return rep, nil
	}

	now := time.Now().UTC()
	msg := cause.Error()
	rep.Status = StatusFailed
	rep.ErrorMessage = &msg
	rep.ErrorDetail = &ErrorDetail{
		Stage:      string(stage),
		ErrorClass: errorClass(cause),
		Attempt:    rep.RetryCount + 1,
	}
	rep.ProcessingEndedAt = &now

	if err := s.repo.Update(ctx, rep); err != nil {
		return nil, err
	}
	s.releaseQuietly(ctx, id, owner)

	final := !retryable || rep.AttemptsRemaining() == 0
	s.logger.Error().
		Str("report_id", rep.ID.String()).
		Str("stage", string(stage)).
		Int("attempt", rep.RetryCount+1).
		Bool("final", final).
		Err(cause).
		Msg("report stage failed")

	if final {
		for _, n := range s.notifiers {
			n.ReportFailed(ctx, rep)
		}
	}
	return rep, nil
}

// Cancel transitions a report to CANCELLED, keeping all evidence of work
// already done. Safe to call in any non-terminal state; in-flight external
// calls simply have their results discarded.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	rep, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rep.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	rep.Status = StatusCancelled
	rep.ProcessingEndedAt = &now
	return s.repo.Update(ctx, rep)
}

func (s *Service) releaseQuietly(ctx context.Context, id uuid.UUID, owner string) {
	if err := s.repo.ReleaseLease(ctx, id, owner); err != nil {
		s.logger.Warn().Str("report_id", id.String()).Err(err).Msg("release lease")
	}
}

// errorClass maps a cause to the coarse class stored in the error detail.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, phi.ErrCrypto):
		return "crypto"
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(err.Error(), "timeout"):
		return "timeout"
	case errors.Is(err, phi.ErrMalformedSpans), strings.Contains(err.Error(), "invalid"):
		return "invalid_input"
	default:
		return "external"
	}
}
