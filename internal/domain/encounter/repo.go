package encounter

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an encounter does not exist.
var ErrNotFound = errors.New("encounter: not found")

type Repository interface {
	Create(ctx context.Context, e *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	Update(ctx context.Context, e *Encounter) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*Encounter, int, error)
	// Delete removes the encounter and, via cascade, every dependent row
	// (phi mapping, extracted codes, billed codes, report).
	Delete(ctx context.Context, id uuid.UUID) error

	SavePhiMapping(ctx context.Context, m *PhiMapping) error
	GetPhiMapping(ctx context.Context, encounterID uuid.UUID) (*PhiMapping, error)

	SaveExtractedCodes(ctx context.Context, encounterID uuid.UUID, codes []ExtractedCode) error
	ListExtractedCodes(ctx context.Context, encounterID uuid.UUID) ([]ExtractedCode, error)

	SaveBilledCodes(ctx context.Context, encounterID uuid.UUID, codes []BilledCode) error
	ListBilledCodes(ctx context.Context, encounterID uuid.UUID) ([]BilledCode, error)
}
