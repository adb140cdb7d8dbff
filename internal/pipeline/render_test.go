package pipeline

import (
	"strings"
	"testing"

	"github.com/chartaudit/chartaudit/internal/domain/comparison"
)

func TestRenderBody(t *testing.T) {
	outcome := comparison.Outcome{
		Suggestions: []comparison.Suggestion{
			{
				Candidate: comparison.Candidate{
					Code:          "99214",
					CodeType:      "CPT",
					Confidence:    0.91,
					Justification: "documentation supports level 4",
					SupportingText: []string{
						"reviewed 3 chronic conditions",
					},
				},
				Classification: comparison.ClassUpgrade,
				ReplacesCode:   "99213",
				RevenueImpact:  0.7,
			},
		},
		IncrementalRevenue: 0.7,
	}
	billed := []comparison.BilledCode{
		{Code: "99213", Description: "Office visit, level 3", ValueUnits: 1.3},
	}

	body := renderBody(outcome, billed)

	for _, want := range []string{
		"`99213`",
		"### 99214 (UPGRADE)",
		"Replaces billed code `99213`",
		"+0.70 value units",
		"> reviewed 3 chronic conditions",
		"Aggregate incremental revenue: +0.70",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(body, "over-coding") {
		t.Error("over-coding warning rendered without the flag set")
	}
}

func TestRenderBodyOvercoded(t *testing.T) {
	body := renderBody(comparison.Outcome{Overcoded: true, IncrementalRevenue: -0.4}, nil)
	if !strings.Contains(body, "over-coding") {
		t.Error("over-coding warning missing")
	}
	if !strings.Contains(body, "No codes were billed") {
		t.Error("empty billed section missing")
	}
}

func TestFilterClinical(t *testing.T) {
	in := "Assessment and plan.\n\nPage 2 of 3\nPrinted on 2024-01-02\nFax: 555-0100\nElectronically signed by the attending\nVenipuncture performed."
	out := filterClinical(in)

	if strings.Contains(out, "Printed on") || strings.Contains(out, "Fax:") || strings.Contains(out, "Page 2") {
		t.Errorf("boilerplate survived: %q", out)
	}
	for _, want := range []string{"Assessment and plan.", "Venipuncture performed."} {
		if !strings.Contains(out, want) {
			t.Errorf("clinical line dropped: %q", want)
		}
	}
}

func TestLoadFeeSchedule(t *testing.T) {
	csv := "code,value_units\n99213,1.30\n99214,2.00\n36415,0.10\n"
	units, err := LoadFeeSchedule(strings.NewReader(csv))
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 3 {
		t.Fatalf("units = %d", len(units))
	}
	if units["99214"] != 2.0 {
		t.Errorf("99214 = %f", units["99214"])
	}

	if _, err := LoadFeeSchedule(strings.NewReader("99213,notanumber\nX,1\n")); err != nil {
		t.Fatal("first-line header tolerance broke:", err)
	}
	if _, err := LoadFeeSchedule(strings.NewReader("h,h\n99213,bad\n")); err == nil {
		t.Error("expected error for bad value past the header")
	}
}
