// Package phi implements the entity de-identification engine: it replaces
// detected sensitive spans with placeholder tokens, keeps a reversible
// token-to-original mapping, and encrypts that mapping at rest with
// AES-256-GCM.
package phi

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EntityType classifies a detected sensitive span. Responses from the NLP
// collaborator are normalised into these variants; anything unrecognised
// becomes EntityUnknown rather than being dropped.
type EntityType string

const (
	EntityName         EntityType = "NAME"
	EntityDate         EntityType = "DATE"
	EntityAddress      EntityType = "ADDRESS"
	EntityPhone        EntityType = "PHONE"
	EntityEmail        EntityType = "EMAIL"
	EntityID           EntityType = "ID"
	EntityAge          EntityType = "AGE"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityLocation     EntityType = "LOCATION"
	EntityUnknown      EntityType = "UNKNOWN"
)

// ParseEntityType maps a raw collaborator label to a known EntityType.
func ParseEntityType(raw string) EntityType {
	switch EntityType(strings.ToUpper(raw)) {
	case EntityName, EntityDate, EntityAddress, EntityPhone, EntityEmail,
		EntityID, EntityAge, EntityOrganization, EntityLocation:
		return EntityType(strings.ToUpper(raw))
	default:
		return EntityUnknown
	}
}

// Span is one detected sensitive region of the source text. Begin is
// inclusive, End exclusive, both byte offsets into the raw text.
type Span struct {
	Begin int        `json:"begin"`
	End   int        `json:"end"`
	Type  EntityType `json:"type"`
	Score float64    `json:"score"`
}

// Result is the output of a de-identification pass.
type Result struct {
	SafeText    string
	Mapping     map[string]string // token -> original substring
	EntityCount int
	// LowConfidence lists tokens whose detection score fell below the
	// configured floor. They are still redacted; the list feeds the
	// external quality-review sample.
	LowConfidence []string
}

// ErrMalformedSpans is returned when the span list is internally inconsistent:
// out-of-bounds offsets, inverted ranges, or overlapping spans. The whole
// operation is rejected and no partial mapping is produced.
var ErrMalformedSpans = errors.New("phi: malformed span list")

// Deidentifier performs span substitution with per-call token counters.
type Deidentifier struct {
	confidenceFloor float64
}

// NewDeidentifier creates a Deidentifier. Spans scoring below floor are still
// redacted but flagged for downstream quality review.
func NewDeidentifier(floor float64) *Deidentifier {
	return &Deidentifier{confidenceFloor: floor}
}

// Deidentify replaces every detected span in text with a bracketed placeholder
// token and returns the safe text plus the token mapping. Spans are processed
// in descending begin-offset order so earlier offsets stay valid as the text
// shrinks or grows; the result is independent of the input span order.
// Confidence never gates substitution: all spans are redacted.
func (d *Deidentifier) Deidentify(text string, spans []Span) (*Result, error) {
	if err := validateSpans(text, spans); err != nil {
		return nil, err
	}

	ordered := make([]Span, len(spans))
	copy(ordered, spans)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Begin > ordered[j].Begin
	})

	// Token counters are scoped to this call; they must never leak across
	// encounters.
	counters := make(map[EntityType]int)
	mapping := make(map[string]string, len(ordered))
	var lowConfidence []string

	// Counters number spans left-to-right even though substitution runs
	// right-to-left, so NAME_1 is always the first name in the document.
	numbered := make(map[int]string, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		sp := ordered[i]
		counters[sp.Type]++
		numbered[sp.Begin] = fmt.Sprintf("%s_%d", sp.Type, counters[sp.Type])
	}

	safe := text
	for _, sp := range ordered {
		token := numbered[sp.Begin]
		original := text[sp.Begin:sp.End]
		mapping[token] = original
		if sp.Score < d.confidenceFloor {
			lowConfidence = append(lowConfidence, token)
		}
		safe = safe[:sp.Begin] + "[" + token + "]" + safe[sp.End:]
	}

	return &Result{
		SafeText:      safe,
		Mapping:       mapping,
		EntityCount:   len(ordered),
		LowConfidence: lowConfidence,
	}, nil
}

// Reidentify substitutes every bracketed token in safeText with its original
// value. It is lossless for any text produced by Deidentify with valid spans,
// and idempotent once no tokens remain.
func Reidentify(safeText string, mapping map[string]string) string {
	// Longer tokens first so NAME_12 is not clobbered by NAME_1.
	tokens := make([]string, 0, len(mapping))
	for token := range mapping {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	out := safeText
	for _, token := range tokens {
		out = strings.ReplaceAll(out, "["+token+"]", mapping[token])
	}
	return out
}

// VerifyRedacted checks the PhiMapping persistence invariant: the safe text
// must not contain any mapping value verbatim. Empty values are skipped.
func VerifyRedacted(safeText string, mapping map[string]string) error {
	for token, original := range mapping {
		if original == "" {
			continue
		}
		if strings.Contains(safeText, original) {
			return fmt.Errorf("phi: safe text still contains original value for token %s", token)
		}
	}
	return nil
}

func validateSpans(text string, spans []Span) error {
	for _, sp := range spans {
		if sp.Begin < 0 || sp.End > len(text) {
			return fmt.Errorf("%w: span [%d,%d) outside text bounds (len %d)", ErrMalformedSpans, sp.Begin, sp.End, len(text))
		}
		if sp.Begin >= sp.End {
			return fmt.Errorf("%w: span [%d,%d) is empty or inverted", ErrMalformedSpans, sp.Begin, sp.End)
		}
	}

	ordered := make([]Span, len(spans))
	copy(ordered, spans)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Begin < ordered[j].Begin
	})
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Begin < ordered[i-1].End {
			return fmt.Errorf("%w: spans [%d,%d) and [%d,%d) overlap",
				ErrMalformedSpans,
				ordered[i-1].Begin, ordered[i-1].End,
				ordered[i].Begin, ordered[i].End)
		}
	}
	return nil
}
