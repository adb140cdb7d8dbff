package aireview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCompareCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/compare" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			SafeText    string                `json:"safe_text"`
			BilledCodes []BilledCode          `json:"billed_codes"`
			Suggestions []CrosswalkSuggestion `json:"crosswalk_suggestions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if strings.Contains(req.SafeText, "John Smith") {
			t.Error("raw PHI crossed the AI boundary")
		}
		if len(req.BilledCodes) != 1 || req.BilledCodes[0].Code != "99213" {
			t.Errorf("billed = %+v", req.BilledCodes)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"suggested_codes": []map[string]interface{}{
				{
					"code":            "99214",
					"code_type":       "CPT",
					"justification":   "documentation supports level 4",
					"supporting_text": []string{"detailed exam of [NAME_1]"},
					"confidence":      0.91,
					"comparison_type": "UPGRADE",
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	out, err := c.CompareCodes(context.Background(),
		"Patient [NAME_1] seen for followup",
		[]BilledCode{{Code: "99213", CodeType: "CPT"}},
		[]CrosswalkSuggestion{{SourceCode: "Z00.00", TargetCode: "99214", Confidence: 0.9}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("suggestions = %d", len(out))
	}
	s := out[0]
	if s.Code != "99214" || s.Confidence != 0.91 || s.ComparisonType != "UPGRADE" {
		t.Errorf("suggestion = %+v", s)
	}
	if len(s.SupportingText) != 1 {
		t.Errorf("supporting text = %v", s.SupportingText)
	}
}

func TestCompareCodesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	_, err := c.CompareCodes(context.Background(), "text", nil, nil)
	if err == nil {
		t.Fatal("expected error from 429")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry status code: %v", err)
	}
}

func TestCompareCodesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 20*time.Millisecond, zerolog.Nop())
	if _, err := c.CompareCodes(context.Background(), "text", nil, nil); err == nil {
		t.Error("expected timeout error")
	}
}
