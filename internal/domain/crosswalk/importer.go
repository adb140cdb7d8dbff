package crosswalk

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Importer loads a reference-table batch from CSV. Expected columns:
// source_code, source_description, target_code, target_description,
// mapping_type, confidence, effective_date (YYYY-MM-DD). The whole file is
// validated before anything is written; a bad row rejects the import.
type Importer struct {
	repo Repository
}

func NewImporter(repo Repository) *Importer {
	return &Importer{repo: repo}
}

// Import parses and validates the CSV, then atomically replaces the prior
// batch carrying the same source name. Returns the number of rows imported.
func (im *Importer) Import(ctx context.Context, r io.Reader, sourceName, sourceVersion string) (int, error) {
	if sourceName == "" || sourceVersion == "" {
		return 0, fmt.Errorf("source name and version are required")
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 7

	var entries []*Entry
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read csv line %d: %w", line+1, err)
		}
		line++
		if line == 1 && record[0] == "source_code" {
			continue // header row
		}

		confidence, err := strconv.ParseFloat(record[5], 64)
		if err != nil {
			return 0, fmt.Errorf("line %d: invalid confidence %q", line, record[5])
		}
		effective, err := time.Parse("2006-01-02", record[6])
		if err != nil {
			return 0, fmt.Errorf("line %d: invalid effective_date %q", line, record[6])
		}

		entry := &Entry{
			SourceCode:        record[0],
			SourceDescription: record[1],
			TargetCode:        record[2],
			TargetDescription: record[3],
			MappingType:       MappingType(record[4]),
			Confidence:        confidence,
			SourceName:        sourceName,
			SourceVersion:     sourceVersion,
			EffectiveDate:     effective,
		}
		if err := entry.Validate(); err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return 0, fmt.Errorf("no entries found in csv")
	}

	// Uniqueness invariant: (source, target) pairs must not repeat.
	pairs := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		key := e.SourceCode + "\x00" + e.TargetCode
		if _, dup := pairs[key]; dup {
			return 0, fmt.Errorf("duplicate mapping %s -> %s", e.SourceCode, e.TargetCode)
		}
		pairs[key] = struct{}{}
	}

	if err := im.repo.ReplaceVersion(ctx, sourceName, sourceVersion, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
