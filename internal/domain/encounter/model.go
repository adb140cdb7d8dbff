package encounter

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the encounter lifecycle state. It mirrors the report status but
// can diverge briefly while a retry is in flight.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Encounter is the unit of work: one uploaded clinical document plus the
// codes already billed for it. Owned exclusively by the submitting user.
type Encounter struct {
	ID      uuid.UUID `db:"id" json:"id"`
	OwnerID uuid.UUID `db:"owner_id" json:"owner_id"`
	Status  Status    `db:"status" json:"status"`
	// BatchID groups encounters submitted together; nil for single submissions.
	BatchID *uuid.UUID `db:"batch_id" json:"batch_id,omitempty"`
	// DocumentRef points at the stored source document in the ingestion system.
	DocumentRef string `db:"document_ref" json:"document_ref"`
	// DocumentText is the raw extracted text handed over at submission. It is
	// never returned by the read API; only the de-identified copy is served.
	DocumentText        string     `db:"document_text" json:"-"`
	ProcessingStartedAt *time.Time `db:"processing_started_at" json:"processing_started_at,omitempty"`
	ProcessingEndedAt   *time.Time `db:"processing_ended_at" json:"processing_ended_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

func (e *Encounter) Validate() error {
	if e.OwnerID == uuid.Nil {
		return fmt.Errorf("owner_id is required")
	}
	if strings.TrimSpace(e.DocumentText) == "" {
		return fmt.Errorf("document_text is required")
	}
	return nil
}

// Terminal reports whether the encounter has reached a final state.
func (e *Encounter) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusFailed || e.Status == StatusCancelled
}

// PhiMapping is the one-to-one de-identification record for an encounter:
// the safe text plus the encrypted token mapping that makes redaction
// reversible. Immutable once written, except for key rotation.
type PhiMapping struct {
	EncounterID uuid.UUID `db:"encounter_id" json:"encounter_id"`
	// EncryptedMapping is the AES-GCM ciphertext of the token -> original
	// span mapping. Plaintext spans are never persisted.
	EncryptedMapping string    `db:"encrypted_mapping" json:"-"`
	EntityCount      int       `db:"entity_count" json:"entity_count"`
	SafeText         string    `db:"safe_text" json:"safe_text"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// CodeKind distinguishes the two extraction passes.
type CodeKind string

const (
	KindDiagnosis CodeKind = "diagnosis"
	KindProcedure CodeKind = "procedure"
)

// ExtractedCode is one structured code pulled out of the safe text by the
// NLP service. Read-only after the extraction stage.
type ExtractedCode struct {
	ID          uuid.UUID `db:"id" json:"id"`
	EncounterID uuid.UUID `db:"encounter_id" json:"encounter_id"`
	Kind        CodeKind  `db:"kind" json:"kind"`
	Code        string    `db:"code" json:"code"`
	Description string    `db:"description" json:"description"`
	Confidence  float64   `db:"confidence" json:"confidence"`
	// SpanBegin/SpanEnd locate the supporting text inside the safe text,
	// never the original document.
	SpanBegin int    `db:"span_begin" json:"span_begin"`
	SpanEnd   int    `db:"span_end" json:"span_end"`
	Category  string `db:"category" json:"category,omitempty"`
}

// BilledCode is a code the practice already submitted for this encounter.
type BilledCode struct {
	EncounterID uuid.UUID `db:"encounter_id" json:"encounter_id"`
	Code        string    `db:"code" json:"code"`
	CodeType    string    `db:"code_type" json:"code_type"`
	Description string    `db:"description" json:"description,omitempty"`
}
