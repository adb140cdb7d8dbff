package encounter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const encCols = `id, owner_id, status, batch_id, document_ref, document_text,
	processing_started_at, processing_ended_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, e *Encounter) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO encounter (id, owner_id, status, batch_id, document_ref, document_text)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.OwnerID, e.Status, e.BatchID, e.DocumentRef, e.DocumentText,
	)
	if err != nil {
		return fmt.Errorf("insert encounter: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1`, id)
	return scanEncounter(row)
}

func (r *repoPG) Update(ctx context.Context, e *Encounter) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE encounter
		SET status = $2, batch_id = $3,
			processing_started_at = $4, processing_ended_at = $5,
			updated_at = NOW()
		WHERE id = $1`,
		e.ID, e.Status, e.BatchID, e.ProcessingStartedAt, e.ProcessingEndedAt,
	)
	if err != nil {
		return fmt.Errorf("update encounter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM encounter WHERE owner_id = $1`, ownerID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count encounters: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+encCols+` FROM encounter
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list encounters: %w", err)
	}
	defer rows.Close()

	var out []*Encounter
	for rows.Next() {
		e, err := scanEncounter(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// Delete removes the encounter row; the schema's ON DELETE CASCADE takes the
// phi mapping, extracted codes, billed codes and report with it.
func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM encounter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete encounter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) SavePhiMapping(ctx context.Context, m *PhiMapping) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO phi_mapping (encounter_id, encrypted_mapping, entity_count, safe_text)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (encounter_id) DO UPDATE
		SET encrypted_mapping = EXCLUDED.encrypted_mapping,
			entity_count = EXCLUDED.entity_count,
			safe_text = EXCLUDED.safe_text`,
		m.EncounterID, m.EncryptedMapping, m.EntityCount, m.SafeText,
	)
	if err != nil {
		return fmt.Errorf("save phi mapping: %w", err)
	}
	return nil
}

func (r *repoPG) GetPhiMapping(ctx context.Context, encounterID uuid.UUID) (*PhiMapping, error) {
	m := &PhiMapping{}
	err := r.pool.QueryRow(ctx, `
		SELECT encounter_id, encrypted_mapping, entity_count, safe_text, created_at
		FROM phi_mapping WHERE encounter_id = $1`, encounterID,
	).Scan(&m.EncounterID, &m.EncryptedMapping, &m.EntityCount, &m.SafeText, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get phi mapping: %w", err)
	}
	return m, nil
}

func (r *repoPG) SaveExtractedCodes(ctx context.Context, encounterID uuid.UUID, codes []ExtractedCode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM extracted_code WHERE encounter_id = $1`, encounterID); err != nil {
		return fmt.Errorf("clear extracted codes: %w", err)
	}
	for i := range codes {
		c := &codes[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO extracted_code
				(id, encounter_id, kind, code, description, confidence, span_begin, span_end, category)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, encounterID, c.Kind, c.Code, c.Description,
			c.Confidence, c.SpanBegin, c.SpanEnd, c.Category,
		); err != nil {
			return fmt.Errorf("insert extracted code %s: %w", c.Code, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *repoPG) ListExtractedCodes(ctx context.Context, encounterID uuid.UUID) ([]ExtractedCode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, encounter_id, kind, code, description, confidence, span_begin, span_end, category
		FROM extracted_code WHERE encounter_id = $1
		ORDER BY kind, confidence DESC, code`, encounterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list extracted codes: %w", err)
	}
	defer rows.Close()

	var out []ExtractedCode
	for rows.Next() {
		var c ExtractedCode
		if err := rows.Scan(&c.ID, &c.EncounterID, &c.Kind, &c.Code, &c.Description,
			&c.Confidence, &c.SpanBegin, &c.SpanEnd, &c.Category); err != nil {
			return nil, fmt.Errorf("scan extracted code: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repoPG) SaveBilledCodes(ctx context.Context, encounterID uuid.UUID, codes []BilledCode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM billed_code WHERE encounter_id = $1`, encounterID); err != nil {
		return fmt.Errorf("clear billed codes: %w", err)
	}
	for _, c := range codes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO billed_code (encounter_id, code, code_type, description)
			VALUES ($1, $2, $3, $4)`,
			encounterID, c.Code, c.CodeType, c.Description,
		); err != nil {
			return fmt.Errorf("insert billed code %s: %w", c.Code, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *repoPG) ListBilledCodes(ctx context.Context, encounterID uuid.UUID) ([]BilledCode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT encounter_id, code, code_type, description
		FROM billed_code WHERE encounter_id = $1
		ORDER BY code`, encounterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list billed codes: %w", err)
	}
	defer rows.Close()

	var out []BilledCode
	for rows.Next() {
		var c BilledCode
		if err := rows.Scan(&c.EncounterID, &c.Code, &c.CodeType, &c.Description); err != nil {
			return nil, fmt.Errorf("scan billed code: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEncounter(row rowScanner) (*Encounter, error) {
	e := &Encounter{}
	err := row.Scan(
		&e.ID, &e.OwnerID, &e.Status, &e.BatchID, &e.DocumentRef, &e.DocumentText,
		&e.ProcessingStartedAt, &e.ProcessingEndedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan encounter: %w", err)
	}
	return e, nil
}
