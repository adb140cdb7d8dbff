package crosswalk

import (
	"context"
	"sort"
	"sync"
)

// Resolver answers "which billable codes does this source code map to".
// The reference table is read-only during pipeline execution, so the resolver
// caches it in memory and serves lookups without touching the database.
type Resolver struct {
	repo Repository

	mu     sync.RWMutex
	byCode map[string][]Match
	warmed bool
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, byCode: make(map[string][]Match)}
}

// Warm loads the whole reference table into the cache. Safe to call again
// after a batch import to pick up the new version.
func (r *Resolver) Warm(ctx context.Context) error {
	entries, err := r.repo.ListAll(ctx)
	if err != nil {
		return err
	}

	// A (source, target) pair maps once. The table carries a unique index on
	// the pair, but data loaded before that constraint existed may still hold
	// duplicates; keep the highest-confidence entry for each pair.
	type pair struct{ source, target string }
	best := make(map[pair]Match)
	for _, e := range entries {
		k := pair{e.SourceCode, e.TargetCode}
		m := Match{
			TargetCode:        e.TargetCode,
			TargetDescription: e.TargetDescription,
			MappingType:       e.MappingType,
			Confidence:        e.Confidence,
		}
		if prev, ok := best[k]; !ok || m.Confidence > prev.Confidence {
			best[k] = m
		}
	}

	byCode := make(map[string][]Match)
	for k, m := range best {
		byCode[k.source] = append(byCode[k.source], m)
	}
	for code := range byCode {
		orderMatches(byCode[code])
	}

	r.mu.Lock()
	r.byCode = byCode
	r.warmed = true
	r.mu.Unlock()
	return nil
}

// Resolve maps each distinct source code to its ordered target list. Codes
// are deduplicated first: the same clinical entity is often detected more
// than once under slightly different spans. An unmapped code yields an empty
// list, which is a valid non-error outcome.
func (r *Resolver) Resolve(ctx context.Context, codes []string) (map[string][]Match, error) {
	seen := make(map[string]struct{}, len(codes))
	var distinct []string
	for _, code := range codes {
		if _, dup := seen[code]; dup || code == "" {
			continue
		}
		seen[code] = struct{}{}
		distinct = append(distinct, code)
	}

	r.mu.RLock()
	warmed := r.warmed
	r.mu.RUnlock()
	if !warmed {
		if err := r.Warm(ctx); err != nil {
			return nil, err
		}
	}

	out := make(map[string][]Match, len(distinct))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, code := range distinct {
		matches := r.byCode[code]
		// Copy so callers cannot mutate the cache.
		out[code] = append([]Match(nil), matches...)
	}
	return out, nil
}

// orderMatches sorts by confidence descending, then mapping-type specificity,
// then target code for a stable, deterministic order.
func orderMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].MappingType.Specificity() != matches[j].MappingType.Specificity() {
			return matches[i].MappingType.Specificity() > matches[j].MappingType.Specificity()
		}
		return matches[i].TargetCode < matches[j].TargetCode
	})
}
