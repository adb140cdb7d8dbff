package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the postgres-backed Store used in production: delivery retry
// state lives in the webhook_delivery table, so restarts never lose it.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const endpointCols = `id, owner_id, url, secret, events, active, created_at`

const deliveryCols = `id, endpoint_id, event, payload, signature, status,
	attempt, max_attempts, next_attempt_at, status_code, response_body, error,
	created_at, updated_at`

func (s *PGStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_endpoint (id, owner_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ep.ID, ep.OwnerID, ep.URL, ep.Secret, ep.Events, ep.Active, ep.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	return nil
}

func (s *PGStore) GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoint WHERE id = $1`, id)
	return scanEndpoint(row)
}

func (s *PGStore) ListEndpoints(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*Endpoint, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_endpoint WHERE owner_id = $1`, ownerID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook endpoints: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+endpointCols+` FROM webhook_endpoint
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ep)
	}
	return out, total, rows.Err()
}

func (s *PGStore) ListActiveEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoint WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active webhook endpoints: %w", err)
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoint
		SET url = $2, secret = $3, events = $4, active = $5
		WHERE id = $1`,
		ep.ID, ep.URL, ep.Secret, ep.Events, ep.Active,
	)
	if err != nil {
		return fmt.Errorf("update webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s not found", ep.ID)
	}
	return nil
}

func (s *PGStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_endpoint WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s not found", id)
	}
	return nil
}

func (s *PGStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_delivery
			(id, endpoint_id, event, payload, signature, status,
			 attempt, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.EndpointID, d.Event, d.Payload, d.Signature, d.Status,
		d.Attempt, d.MaxAttempts, d.NextAttemptAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_delivery
		SET status = $2, attempt = $3, next_attempt_at = $4,
			status_code = $5, response_body = $6, error = $7, updated_at = NOW()
		WHERE id = $1`,
		d.ID, d.Status, d.Attempt, d.NextAttemptAt,
		d.StatusCode, d.ResponseBody, d.Error,
	)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s not found", d.ID)
	}
	return nil
}

func (s *PGStore) GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryCols+` FROM webhook_delivery WHERE id = $1`, id)
	return scanDelivery(row)
}

func (s *PGStore) ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_delivery WHERE endpoint_id = $1`, endpointID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook deliveries: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryCols+` FROM webhook_delivery
		WHERE endpoint_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		endpointID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (s *PGStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryCols+` FROM webhook_delivery
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3`,
		StatusRetrying, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	ep := &Endpoint{}
	err := row.Scan(&ep.ID, &ep.OwnerID, &ep.URL, &ep.Secret, &ep.Events, &ep.Active, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("endpoint not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook endpoint: %w", err)
	}
	return ep, nil
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	d := &Delivery{}
	err := row.Scan(
		&d.ID, &d.EndpointID, &d.Event, &d.Payload, &d.Signature, &d.Status,
		&d.Attempt, &d.MaxAttempts, &d.NextAttemptAt, &d.StatusCode,
		&d.ResponseBody, &d.Error, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook delivery: %w", err)
	}
	return d, nil
}
