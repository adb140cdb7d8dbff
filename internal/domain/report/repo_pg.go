package report

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chartaudit/chartaudit/internal/domain/comparison"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const reportCols = `id, encounter_id, status, progress_percent, current_step, retry_count,
	max_attempts, error_message, error_detail, lease_owner, lease_expires_at,
	suggestions, incremental_revenue, overcoded, rendered_body,
	processing_started_at, processing_ended_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, rep *Report) error {
	rep.ID = uuid.New()
	suggestions, err := rep.MarshalSuggestions()
	if err != nil {
		return err
	}
	detail, err := marshalDetail(rep.ErrorDetail)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO report (
			id, encounter_id, status, progress_percent, current_step, retry_count,
			max_attempts, error_message, error_detail, suggestions,
			incremental_revenue, overcoded, rendered_body
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rep.ID, rep.EncounterID, rep.Status, rep.ProgressPercent, rep.CurrentStep, rep.RetryCount,
		rep.MaxAttempts, rep.ErrorMessage, detail, suggestions,
		rep.IncrementalRevenue, rep.Overcoded, rep.RenderedBody,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return scanReport(r.pool.QueryRow(ctx, `SELECT `+reportCols+` FROM report WHERE id = $1`, id))
}

func (r *repoPG) GetByEncounter(ctx context.Context, encounterID uuid.UUID) (*Report, error) {
	return scanReport(r.pool.QueryRow(ctx, `SELECT `+reportCols+` FROM report WHERE encounter_id = $1`, encounterID))
}

func (r *repoPG) Update(ctx context.Context, rep *Report) error {
	suggestions, err := rep.MarshalSuggestions()
	if err != nil {
		return err
	}
	detail, err := marshalDetail(rep.ErrorDetail)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE report SET
			status=$2, progress_percent=$3, current_step=$4, retry_count=$5,
			error_message=$6, error_detail=$7, suggestions=$8,
			incremental_revenue=$9, overcoded=$10, rendered_body=$11,
			processing_started_at=$12, processing_ended_at=$13, updated_at=NOW()
		WHERE id = $1`,
		rep.ID, rep.Status, rep.ProgressPercent, rep.CurrentStep, rep.RetryCount,
		rep.ErrorMessage, detail, suggestions,
		rep.IncrementalRevenue, rep.Overcoded, rep.RenderedBody,
		rep.ProcessingStartedAt, rep.ProcessingEndedAt,
	)
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Report, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM report`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+reportCols+` FROM report ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		rep, err := scanReportRow(rows)
		if err != nil {
			return nil, 0, err
		}
		reports = append(reports, rep)
	}
	return reports, total, rows.Err()
}

// AcquireLease claims the report row for owner. The conditional UPDATE is the
// whole locking protocol: it succeeds only when no unexpired lease exists.
func (r *repoPG) AcquireLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	tag, err := r.pool.Exec(ctx, `
		UPDATE report SET lease_owner = $2, lease_expires_at = $3
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_expires_at < NOW() OR lease_owner = $2)`,
		id, owner, expires,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if qerr := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM report WHERE id = $1)`, id).Scan(&exists); qerr == nil && !exists {
			return ErrNotFound
		}
		return ErrLeaseHeld
	}
	return nil
}

func (r *repoPG) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE report SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2`,
		id, owner,
	)
	return err
}

func marshalDetail(d *ErrorDetail) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row pgx.Row) (*Report, error) {
	rep, err := scanReportRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rep, err
}

func scanReportRow(row rowScanner) (*Report, error) {
	var rep Report
	var suggestions []byte
	var detail []byte
	err := row.Scan(
		&rep.ID, &rep.EncounterID, &rep.Status, &rep.ProgressPercent, &rep.CurrentStep, &rep.RetryCount,
		&rep.MaxAttempts, &rep.ErrorMessage, &detail, &rep.LeaseOwner, &rep.LeaseExpiresAt,
		&suggestions, &rep.IncrementalRevenue, &rep.Overcoded, &rep.RenderedBody,
		&rep.ProcessingStartedAt, &rep.ProcessingEndedAt, &rep.CreatedAt, &rep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(suggestions) > 0 {
		var s []comparison.Suggestion
		if err := json.Unmarshal(suggestions, &s); err != nil {
			return nil, err
		}
		rep.Suggestions = s
	}
	if len(detail) > 0 {
		var d ErrorDetail
		if err := json.Unmarshal(detail, &d); err != nil {
			return nil, err
		}
		rep.ErrorDetail = &d
	}
	return &rep, nil
}
