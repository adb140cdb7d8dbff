package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// StaticPricer is a value-unit table keyed by code. The fee schedule is
// owned by an external pricing collaborator; this table is a snapshot loaded
// at startup and treated as opaque numbers by the comparison engine.
type StaticPricer struct {
	mu    sync.RWMutex
	units map[string]float64
}

func NewStaticPricer(units map[string]float64) *StaticPricer {
	if units == nil {
		units = make(map[string]float64)
	}
	return &StaticPricer{units: units}
}

func (p *StaticPricer) ValueUnits(code, _ string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.units[code]
	return v, ok
}

// Load replaces the table, for fee-schedule refreshes.
func (p *StaticPricer) Load(units map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units = units
}

// LoadFeeSchedule parses a two-column CSV (code, value_units). A header row
// is detected by a non-numeric second column and skipped.
func LoadFeeSchedule(r io.Reader) (map[string]float64, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2

	units := make(map[string]float64)
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fee schedule line %d: %w", line+1, err)
		}
		line++

		v, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("fee schedule line %d: bad value %q", line, record[1])
		}
		if record[0] == "" {
			return nil, fmt.Errorf("fee schedule line %d: empty code", line)
		}
		units[record[0]] = v
	}
	return units, nil
}
