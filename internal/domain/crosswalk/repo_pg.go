package crosswalk

import (
	"context"
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

const entryCols = `id, source_code, source_description, target_code, target_description,
	mapping_type, confidence, source_name, source_version, effective_date, created_at`

func (r *repoPG) ListBySource(ctx context.Context, sourceCode string) ([]*Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+entryCols+` FROM crosswalk_entry WHERE source_code = $1`, sourceCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *repoPG) ListAll(ctx context.Context) ([]*Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryCols+` FROM crosswalk_entry`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crosswalk_entry`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+entryCols+` FROM crosswalk_entry ORDER BY source_code, confidence DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	return entries, total, err
}

func (r *repoPG) ReplaceVersion(ctx context.Context, sourceName, sourceVersion string, entries []*Entry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM crosswalk_entry WHERE source_name = $1`, sourceName); err != nil {
		return fmt.Errorf("clear previous version: %w", err)
	}

	for _, e := range entries {
		e.ID = uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO crosswalk_entry (
				id, source_code, source_description, target_code, target_description,
				mapping_type, confidence, source_name, source_version, effective_date
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (source_code, target_code) DO UPDATE SET
				source_description = EXCLUDED.source_description,
				target_description = EXCLUDED.target_description,
				mapping_type = EXCLUDED.mapping_type,
				confidence = EXCLUDED.confidence,
				source_name = EXCLUDED.source_name,
				source_version = EXCLUDED.source_version,
				effective_date = EXCLUDED.effective_date`,
			e.ID, e.SourceCode, e.SourceDescription, e.TargetCode, e.TargetDescription,
			e.MappingType, e.Confidence, sourceName, sourceVersion, e.EffectiveDate,
		)
		if err != nil {
			return fmt.Errorf("insert entry %s->%s: %w", e.SourceCode, e.TargetCode, err)
		}
	}

	return tx.Commit(ctx)
}

func collectEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID, &e.SourceCode, &e.SourceDescription, &e.TargetCode, &e.TargetDescription,
			&e.MappingType, &e.Confidence, &e.SourceName, &e.SourceVersion, &e.EffectiveDate, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
