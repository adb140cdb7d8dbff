package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseHeld is returned when another worker owns the processing lease for
// a report.
var ErrLeaseHeld = errors.New("report: processing lease held by another worker")

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("report: not found")

type Repository interface {
	Create(ctx context.Context, r *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	GetByEncounter(ctx context.Context, encounterID uuid.UUID) (*Report, error)
	Update(ctx context.Context, r *Report) error
	List(ctx context.Context, limit, offset int) ([]*Report, int, error)

	// AcquireLease atomically claims the report for owner until expiry.
	// It succeeds only when no live lease exists; otherwise ErrLeaseHeld.
	AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error
	// ReleaseLease clears the lease when held by owner.
	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
}
