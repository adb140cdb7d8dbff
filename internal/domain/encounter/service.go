package encounter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartaudit/chartaudit/internal/domain/report"
	"github.com/chartaudit/chartaudit/internal/platform/phi"
)

// Enqueuer schedules a pipeline run for a freshly submitted encounter.
type Enqueuer interface {
	EnqueueReport(ctx context.Context, encounterID, reportID uuid.UUID) error
}

// SubmitRequest carries everything needed to start one encounter review.
type SubmitRequest struct {
	OwnerID     uuid.UUID `json:"owner_id"`
	DocumentRef string    `json:"document_ref"`
	// DocumentText is the raw extracted text from the ingestion system.
	DocumentText string       `json:"document_text"`
	BilledCodes  []BilledCode `json:"billed_codes"`
}

type Service struct {
	repo      Repository
	reports   *report.Service
	encryptor *phi.MappingEncryptor
	enqueuer  Enqueuer
	logger    zerolog.Logger
}

func NewService(repo Repository, reports *report.Service, encryptor *phi.MappingEncryptor, enqueuer Enqueuer, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		reports:   reports,
		encryptor: encryptor,
		enqueuer:  enqueuer,
		logger:    logger,
	}
}

// Submit creates one encounter, records its billed codes, creates the PENDING
// report and enqueues the pipeline run.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Encounter, *report.Report, error) {
	return s.submit(ctx, req, nil)
}

// SubmitBatch submits several encounters under one shared batch identifier.
// Each encounter still runs as an independent unit of work.
func (s *Service) SubmitBatch(ctx context.Context, reqs []SubmitRequest) (uuid.UUID, []*Encounter, error) {
	batchID := uuid.New()
	encounters := make([]*Encounter, 0, len(reqs))
	for i, req := range reqs {
		enc, _, err := s.submit(ctx, req, &batchID)
		if err != nil {
			return batchID, encounters, fmt.Errorf("batch item %d: %w", i, err)
		}
		encounters = append(encounters, enc)
	}
	return batchID, encounters, nil
}

func (s *Service) submit(ctx context.Context, req SubmitRequest, batchID *uuid.UUID) (*Encounter, *report.Report, error) {
	enc := &Encounter{
		OwnerID:      req.OwnerID,
		Status:       StatusPending,
		BatchID:      batchID,
		DocumentRef:  req.DocumentRef,
		DocumentText: req.DocumentText,
	}
	if err := enc.Validate(); err != nil {
		return nil, nil, err
	}
	if err := s.repo.Create(ctx, enc); err != nil {
		return nil, nil, err
	}
	if len(req.BilledCodes) > 0 {
		for i := range req.BilledCodes {
			req.BilledCodes[i].EncounterID = enc.ID
		}
		if err := s.repo.SaveBilledCodes(ctx, enc.ID, req.BilledCodes); err != nil {
			return nil, nil, err
		}
	}

	rep, err := s.reports.CreateForEncounter(ctx, enc.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.enqueuer.EnqueueReport(ctx, enc.ID, rep.ID); err != nil {
		return nil, nil, fmt.Errorf("enqueue report: %w", err)
	}

	s.logger.Info().
		Str("encounter_id", enc.ID.String()).
		Str("report_id", rep.ID.String()).
		Int("billed_codes", len(req.BilledCodes)).
		Msg("encounter submitted")
	return enc, rep, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	return s.repo.ListByOwner(ctx, ownerID, limit, offset)
}

// SetStatus mirrors a report lifecycle transition onto the encounter row.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	switch status {
	case StatusProcessing:
		enc.ProcessingStartedAt = &now
		enc.ProcessingEndedAt = nil
	case StatusComplete, StatusFailed, StatusCancelled:
		enc.ProcessingEndedAt = &now
	}
	enc.Status = status
	return s.repo.Update(ctx, enc)
}

// Cancel stops processing for an encounter. The report moves to CANCELLED and
// keeps whatever evidence of work had accumulated.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if enc.Terminal() {
		return nil
	}
	rep, err := s.reports.GetByEncounter(ctx, id)
	if err == nil {
		if err := s.reports.Cancel(ctx, rep.ID); err != nil {
			return err
		}
	}
	return s.SetStatus(ctx, id, StatusCancelled)
}

// Delete removes the encounter and all dependents. A running pipeline is
// cancelled first; its in-flight external calls complete harmlessly and the
// results are discarded.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.Cancel(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// SaveDeidentified persists the de-identification result: the safe text plus
// the encrypted token mapping. The redaction invariant is checked before
// anything touches storage, so a sensitive span can never be persisted in
// clear inside the working copy.
func (s *Service) SaveDeidentified(ctx context.Context, encounterID uuid.UUID, res *phi.Result) error {
	if err := phi.VerifyRedacted(res.SafeText, res.Mapping); err != nil {
		return err
	}
	ciphertext, err := s.encryptor.EncryptMapping(res.Mapping)
	if err != nil {
		return err
	}
	return s.repo.SavePhiMapping(ctx, &PhiMapping{
		EncounterID:      encounterID,
		EncryptedMapping: ciphertext,
		EntityCount:      res.EntityCount,
		SafeText:         res.SafeText,
	})
}

// SafeText returns the de-identified text for an encounter.
func (s *Service) SafeText(ctx context.Context, encounterID uuid.UUID) (string, error) {
	m, err := s.repo.GetPhiMapping(ctx, encounterID)
	if err != nil {
		return "", err
	}
	return m.SafeText, nil
}

// Reidentify restores the original spans in a piece of de-identified text.
// Access to this path is expected to be tightly audited by the caller.
func (s *Service) Reidentify(ctx context.Context, encounterID uuid.UUID, safeText string) (string, error) {
	m, err := s.repo.GetPhiMapping(ctx, encounterID)
	if err != nil {
		return "", err
	}
	mapping, err := s.encryptor.DecryptMapping(m.EncryptedMapping)
	if err != nil {
		return "", err
	}
	return phi.Reidentify(safeText, mapping), nil
}

// RotateMappingKey re-encrypts an encounter's token mapping under a new key.
// The mapping plaintext exists only in memory for the duration of the call.
func (s *Service) RotateMappingKey(ctx context.Context, encounterID uuid.UUID, next *phi.MappingEncryptor) error {
	m, err := s.repo.GetPhiMapping(ctx, encounterID)
	if err != nil {
		return err
	}
	mapping, err := s.encryptor.DecryptMapping(m.EncryptedMapping)
	if err != nil {
		return err
	}
	ciphertext, err := next.EncryptMapping(mapping)
	if err != nil {
		return err
	}
	m.EncryptedMapping = ciphertext
	return s.repo.SavePhiMapping(ctx, m)
}

// SaveExtractedCodes stores the NLP extraction output for an encounter.
func (s *Service) SaveExtractedCodes(ctx context.Context, encounterID uuid.UUID, codes []ExtractedCode) error {
	return s.repo.SaveExtractedCodes(ctx, encounterID, codes)
}

func (s *Service) ExtractedCodes(ctx context.Context, encounterID uuid.UUID) ([]ExtractedCode, error) {
	return s.repo.ListExtractedCodes(ctx, encounterID)
}

func (s *Service) BilledCodes(ctx context.Context, encounterID uuid.UUID) ([]BilledCode, error) {
	return s.repo.ListBilledCodes(ctx, encounterID)
}

// DocumentText returns the raw submitted text. Only the pipeline reads this;
// it is de-identified before leaving the process.
func (s *Service) DocumentText(ctx context.Context, encounterID uuid.UUID) (string, error) {
	enc, err := s.repo.GetByID(ctx, encounterID)
	if err != nil {
		return "", err
	}
	return enc.DocumentText, nil
}
