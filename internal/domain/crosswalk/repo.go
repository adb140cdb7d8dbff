package crosswalk

import (
	"context"
)

type Repository interface {
	// ListBySource returns all entries for one source code, unordered.
	ListBySource(ctx context.Context, sourceCode string) ([]*Entry, error)
	// ListAll returns the whole reference table, used to warm the cache.
	ListAll(ctx context.Context) ([]*Entry, error)
	List(ctx context.Context, limit, offset int) ([]*Entry, int, error)
	// ReplaceVersion atomically swaps in a new import batch: rows carrying
	// the same provenance (source name + version) replace prior rows from
	// that source.
	ReplaceVersion(ctx context.Context, sourceName, sourceVersion string, entries []*Entry) error
}
