// Package nlp is the HTTP client for the external clinical NLP service. It
// exposes the two calls the pipeline makes: sensitive-span detection on raw
// text, and medical-code extraction on de-identified text. Every call runs
// under a bounded timeout so a stalled NLP service fails the stage loudly
// instead of hanging the worker.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/chartaudit/chartaudit/internal/platform/phi"
)

// Vocabulary selects which code system the extraction pass targets.
type Vocabulary string

const (
	VocabularyDiagnosis Vocabulary = "icd10cm"
	VocabularyProcedure Vocabulary = "cpt"
)

// ExtractedEntity is one code the NLP service found in the text.
type ExtractedEntity struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Score       float64 `json:"score"`
	Begin       int     `json:"begin"`
	End         int     `json:"end"`
	Text        string  `json:"text"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type detectRequest struct {
	Text string `json:"text"`
}

type detectResponse struct {
	Spans []struct {
		Begin int     `json:"begin"`
		End   int     `json:"end"`
		Type  string  `json:"type"`
		Score float64 `json:"score"`
	} `json:"spans"`
}

// DetectSensitiveSpans asks the NLP service for PHI spans in raw text.
func (c *Client) DetectSensitiveSpans(ctx context.Context, text string) ([]phi.Span, error) {
	var resp detectResponse
	if err := c.post(ctx, "/v1/phi/detect", detectRequest{Text: text}, &resp); err != nil {
		return nil, fmt.Errorf("detect sensitive spans: %w", err)
	}

	spans := make([]phi.Span, 0, len(resp.Spans))
	for _, s := range resp.Spans {
		spans = append(spans, phi.Span{
			Begin: s.Begin,
			End:   s.End,
			Type:  phi.ParseEntityType(s.Type),
			Score: s.Score,
		})
	}
	return spans, nil
}

type extractRequest struct {
	Text       string `json:"text"`
	Vocabulary string `json:"vocabulary"`
}

type extractResponse struct {
	Entities []ExtractedEntity `json:"entities"`
}

// ExtractCodes asks the NLP service for structured codes in de-identified
// text, scoped to one vocabulary. Diagnosis and procedure extraction are
// independent read-only queries and may run concurrently.
func (c *Client) ExtractCodes(ctx context.Context, safeText string, vocab Vocabulary) ([]ExtractedEntity, error) {
	var resp extractResponse
	req := extractRequest{Text: safeText, Vocabulary: string(vocab)}
	if err := c.post(ctx, "/v1/codes/extract", req, &resp); err != nil {
		return nil, fmt.Errorf("extract %s codes: %w", vocab, err)
	}
	return resp.Entities, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("nlp call")

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("nlp service returned %d: %s", resp.StatusCode, snippet)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
