package nlp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chartaudit/chartaudit/internal/platform/phi"
)

func TestDetectSensitiveSpans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/phi/detect" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Text != "Patient John Smith" {
			t.Errorf("text = %q", req.Text)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"spans": []map[string]interface{}{
				{"begin": 8, "end": 18, "type": "NAME", "score": 0.98},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	spans, err := c.DetectSensitiveSpans(context.Background(), "Patient John Smith")
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	if spans[0].Type != phi.EntityName || spans[0].Begin != 8 || spans[0].End != 18 {
		t.Errorf("span = %+v", spans[0])
	}
}

func TestExtractCodesSendsVocabulary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Vocabulary string `json:"vocabulary"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Vocabulary != "cpt" {
			t.Errorf("vocabulary = %q", req.Vocabulary)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"entities": []map[string]interface{}{
				{"code": "99214", "description": "Office visit", "score": 0.91, "begin": 0, "end": 12},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	entities, err := c.ExtractCodes(context.Background(), "office visit note", VocabularyProcedure)
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 || entities[0].Code != "99214" {
		t.Errorf("entities = %+v", entities)
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zerolog.Nop())
	if _, err := c.DetectSensitiveSpans(context.Background(), "text"); err == nil {
		t.Error("expected error from 503")
	}
}

func TestTimeoutEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 20*time.Millisecond, zerolog.Nop())
	if _, err := c.ExtractCodes(context.Background(), "text", VocabularyDiagnosis); err == nil {
		t.Error("expected timeout error")
	}
}
