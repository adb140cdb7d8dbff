// Package comparison classifies suggested billing codes against the codes
// already billed for an encounter and computes the incremental revenue
// estimate, in externally-priced value units.
package comparison

import (
	"sort"
	"strings"
)

// Classification relates a suggested code to the billed set.
type Classification string

const (
	// ClassNew is a suggested code with no billed counterpart.
	ClassNew Classification = "NEW"
	// ClassUpgrade is a suggested code whose family is billed at a
	// different specificity or level.
	ClassUpgrade Classification = "UPGRADE"
	// ClassMatch is a suggested code already billed verbatim.
	ClassMatch Classification = "MATCH"
)

// BilledCode is one code already submitted for the encounter.
type BilledCode struct {
	Code        string  `json:"code"`
	CodeType    string  `json:"code_type"`
	Description string  `json:"description"`
	ValueUnits  float64 `json:"value_units"`
}

// Candidate is a code proposed by the crosswalk plus AI comparison pass.
type Candidate struct {
	Code           string   `json:"code"`
	CodeType       string   `json:"code_type"`
	Description    string   `json:"description"`
	Confidence     float64  `json:"confidence"`
	ValueUnits     float64  `json:"value_units"`
	Justification  string   `json:"justification"`
	SupportingText []string `json:"supporting_text"`
}

// Suggestion is a classified candidate with its revenue impact.
type Suggestion struct {
	Candidate
	Classification Classification `json:"classification"`
	// ReplacesCode is the billed code an UPGRADE displaces, empty otherwise.
	ReplacesCode  string  `json:"replaces_code,omitempty"`
	RevenueImpact float64 `json:"revenue_impact"`
}

// Outcome is the full result of one comparison pass.
type Outcome struct {
	Suggestions []Suggestion `json:"suggestions"`
	// IncrementalRevenue is the signed sum of all impacts. A negative
	// figure signals potential over-coding, which is business-meaningful
	// and surfaced separately, not an error.
	IncrementalRevenue float64 `json:"incremental_revenue"`
	Overcoded          bool    `json:"overcoded"`
}

// Engine holds the family rules used for UPGRADE detection.
type Engine struct {
	// familyOverride maps a code to an explicit family key, supplied by the
	// pricing collaborator for code systems where prefix grouping is wrong.
	familyOverride map[string]string
}

func NewEngine() *Engine {
	return &Engine{familyOverride: make(map[string]string)}
}

// SetFamilyOverrides replaces the explicit code-family table.
func (e *Engine) SetFamilyOverrides(overrides map[string]string) {
	if overrides == nil {
		overrides = make(map[string]string)
	}
	e.familyOverride = overrides
}

// family derives the code-family key used for UPGRADE detection. E/M-style
// numeric codes group by their leading four digits (99213 and 99214 share
// "9921"); everything else groups by the code up to its first separator.
func (e *Engine) family(code string) string {
	if fam, ok := e.familyOverride[code]; ok {
		return fam
	}
	if len(code) == 5 && isDigits(code) {
		return code[:4]
	}
	if i := strings.IndexAny(code, ".-"); i > 0 {
		return code[:i]
	}
	return code
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Compare classifies every candidate against the billed set and totals the
// incremental revenue. The pass is deterministic: identical inputs always
// produce identical output, including ordering.
func (e *Engine) Compare(billed []BilledCode, candidates []Candidate) Outcome {
	billedByCode := make(map[string]BilledCode, len(billed))
	billedByFamily := make(map[string][]BilledCode)
	for _, b := range billed {
		billedByCode[b.Code] = b
		fam := e.family(b.Code)
		billedByFamily[fam] = append(billedByFamily[fam], b)
	}

	// Stable processing order regardless of caller ordering.
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].Code < ordered[j].Code
	})

	// At most one UPGRADE may displace a given billed code; ties go to the
	// higher-confidence candidate, then the higher revenue impact.
	claimed := make(map[string]int) // billed code -> index into suggestions

	var suggestions []Suggestion
	for _, cand := range ordered {
		s := Suggestion{Candidate: cand}

		if _, exact := billedByCode[cand.Code]; exact {
			s.Classification = ClassMatch
			s.RevenueImpact = 0
			suggestions = append(suggestions, s)
			continue
		}

		fam := e.family(cand.Code)
		if peers := billedByFamily[fam]; len(peers) > 0 {
			replaced := peers[0]
			s.Classification = ClassUpgrade
			s.ReplacesCode = replaced.Code
			s.RevenueImpact = cand.ValueUnits - replaced.ValueUnits

			if prior, ok := claimed[replaced.Code]; ok {
				if !beats(s, suggestions[prior]) {
					// A stronger upgrade already holds this billed code;
					// the weaker candidate is reported as NEW with no
					// displaced value.
					s.Classification = ClassNew
					s.ReplacesCode = ""
					s.RevenueImpact = cand.ValueUnits
					suggestions = append(suggestions, s)
					continue
				}
				// Demote the previously claimed upgrade.
				suggestions[prior].Classification = ClassNew
				suggestions[prior].ReplacesCode = ""
				suggestions[prior].RevenueImpact = suggestions[prior].ValueUnits
			}
			claimed[replaced.Code] = len(suggestions)
			suggestions = append(suggestions, s)
			continue
		}

		s.Classification = ClassNew
		s.RevenueImpact = cand.ValueUnits // nothing replaced
		suggestions = append(suggestions, s)
	}

	var total float64
	for _, s := range suggestions {
		total += s.RevenueImpact
	}

	return Outcome{
		Suggestions:        suggestions,
		IncrementalRevenue: total,
		Overcoded:          total < 0,
	}
}

// beats reports whether upgrade a should displace upgrade b for the same
// billed code: higher confidence wins, then higher revenue impact.
func beats(a, b Suggestion) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.RevenueImpact > b.RevenueImpact
}

// Pricer supplies value units for codes. The fee schedule itself is an
// external pricing collaborator; the engine treats value units as opaque
// numbers.
type Pricer interface {
	ValueUnits(code, codeType string) (float64, bool)
}
