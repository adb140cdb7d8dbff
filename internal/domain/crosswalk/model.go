package crosswalk

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MappingType describes how closely a target billable code covers the source
// code's meaning.
type MappingType string

const (
	MappingExact       MappingType = "EXACT"
	MappingNarrower    MappingType = "NARROWER"
	MappingBroader     MappingType = "BROADER"
	MappingApproximate MappingType = "APPROXIMATE"
)

// specificity orders mapping types for tie-breaking: EXACT beats NARROWER
// beats BROADER beats APPROXIMATE.
var specificity = map[MappingType]int{
	MappingExact:       4,
	MappingNarrower:    3,
	MappingBroader:     2,
	MappingApproximate: 1,
}

// Specificity returns the tie-break rank of a mapping type; unknown types
// rank last.
func (m MappingType) Specificity() int { return specificity[m] }

// ParseMappingType validates a raw mapping-type string.
func ParseMappingType(raw string) (MappingType, error) {
	switch MappingType(raw) {
	case MappingExact, MappingNarrower, MappingBroader, MappingApproximate:
		return MappingType(raw), nil
	default:
		return "", fmt.Errorf("invalid mapping type: %q", raw)
	}
}

// Entry maps to the crosswalk_entry table. A single source code may have many
// target rows; the (source_code, target_code) pair is unique.
type Entry struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	SourceCode        string      `db:"source_code" json:"source_code"`
	SourceDescription string      `db:"source_description" json:"source_description"`
	TargetCode        string      `db:"target_code" json:"target_code"`
	TargetDescription string      `db:"target_description" json:"target_description"`
	MappingType       MappingType `db:"mapping_type" json:"mapping_type"`
	Confidence        float64     `db:"confidence" json:"confidence"`
	SourceName        string      `db:"source_name" json:"source_name"`
	SourceVersion     string      `db:"source_version" json:"source_version"`
	EffectiveDate     time.Time   `db:"effective_date" json:"effective_date"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
}

// Validate checks an entry before import.
func (e *Entry) Validate() error {
	if e.SourceCode == "" {
		return fmt.Errorf("source_code is required")
	}
	if e.TargetCode == "" {
		return fmt.Errorf("target_code is required")
	}
	if _, err := ParseMappingType(string(e.MappingType)); err != nil {
		return err
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %v", e.Confidence)
	}
	return nil
}

// Match is one resolved target for a source code.
type Match struct {
	TargetCode        string      `json:"target_code"`
	TargetDescription string      `json:"target_description"`
	MappingType       MappingType `json:"mapping_type"`
	Confidence        float64     `json:"confidence"`
}
