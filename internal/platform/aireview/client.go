// Package aireview is the HTTP client for the external AI comparison
// service. Its contract is deliberately narrow: safe text plus billed codes
// plus crosswalk suggestions in, suggested codes with justifications out.
// Only de-identified text ever crosses this boundary.
package aireview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// BilledCode is the billed-side input to the comparison pass.
type BilledCode struct {
	Code        string `json:"code"`
	CodeType    string `json:"code_type"`
	Description string `json:"description,omitempty"`
}

// CrosswalkSuggestion is one crosswalk-derived candidate handed to the AI
// service for justification.
type CrosswalkSuggestion struct {
	SourceCode string  `json:"source_code"`
	TargetCode string  `json:"target_code"`
	Confidence float64 `json:"confidence"`
}

// SuggestedCode is one reviewed suggestion coming back from the service.
type SuggestedCode struct {
	Code           string   `json:"code"`
	CodeType       string   `json:"code_type"`
	Justification  string   `json:"justification"`
	SupportingText []string `json:"supporting_text"`
	Confidence     float64  `json:"confidence"`
	// ComparisonType is the service's own NEW/UPGRADE/MATCH opinion; the
	// comparison engine recomputes it and treats this as advisory only.
	ComparisonType string `json:"comparison_type,omitempty"`
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

type compareRequest struct {
	SafeText    string                `json:"safe_text"`
	BilledCodes []BilledCode          `json:"billed_codes"`
	Suggestions []CrosswalkSuggestion `json:"crosswalk_suggestions"`
}

type compareResponse struct {
	SuggestedCodes []SuggestedCode `json:"suggested_codes"`
}

// CompareCodes runs the comparison/justification pass.
func (c *Client) CompareCodes(ctx context.Context, safeText string, billed []BilledCode, suggestions []CrosswalkSuggestion) ([]SuggestedCode, error) {
	payload, err := json.Marshal(compareRequest{
		SafeText:    safeText,
		BilledCodes: billed,
		Suggestions: suggestions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal compare request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/compare", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compare codes: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Int("billed", len(billed)).
		Int("suggestions", len(suggestions)).
		Msg("ai comparison call")

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ai service returned %d: %s", resp.StatusCode, snippet)
	}

	var out compareResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode compare response: %w", err)
	}
	return out.SuggestedCodes, nil
}
