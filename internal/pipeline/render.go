package pipeline

import (
	"fmt"
	"strings"

	"github.com/chartaudit/chartaudit/internal/domain/comparison"
)

// renderBody produces the human-readable report body from the comparison
// outcome. The structured suggestion set is stored separately; this is the
// rendered view a reviewer reads.
func renderBody(outcome comparison.Outcome, billed []comparison.BilledCode) string {
	var b strings.Builder

	b.WriteString("# Encounter Coding Review\n\n")

	b.WriteString("## Billed Codes\n\n")
	if len(billed) == 0 {
		b.WriteString("No codes were billed for this encounter.\n")
	}
	for _, bc := range billed {
		fmt.Fprintf(&b, "- `%s`", bc.Code)
		if bc.Description != "" {
			fmt.Fprintf(&b, ": %s", bc.Description)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Suggested Codes\n\n")
	for _, s := range outcome.Suggestions {
		fmt.Fprintf(&b, "### %s (%s)\n\n", s.Code, s.Classification)
		if s.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", s.Description)
		}
		fmt.Fprintf(&b, "- Confidence: %.2f\n", s.Confidence)
		if s.Classification == comparison.ClassUpgrade {
			fmt.Fprintf(&b, "- Replaces billed code `%s`\n", s.ReplacesCode)
		}
		fmt.Fprintf(&b, "- Revenue impact: %+.2f value units\n", s.RevenueImpact)
		if s.Justification != "" {
			fmt.Fprintf(&b, "\n%s\n", s.Justification)
		}
		for _, quote := range s.SupportingText {
			fmt.Fprintf(&b, "\n> %s\n", quote)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "Aggregate incremental revenue: %+.2f value units.\n", outcome.IncrementalRevenue)
	if outcome.Overcoded {
		b.WriteString("\n**Potential over-coding detected:** the suggested code set is valued below the billed set. Review before resubmission.\n")
	}

	return b.String()
}

// filterClinical drops administrative boilerplate lines from the safe text
// before code inference, so the NLP passes see clinical narrative only.
func filterClinical(safeText string) string {
	var kept []string
	for _, line := range strings.Split(safeText, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "page ") ||
			strings.HasPrefix(lower, "fax:") ||
			strings.HasPrefix(lower, "printed on") ||
			strings.HasPrefix(lower, "electronically signed") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}
