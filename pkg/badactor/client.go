/**
 * @description
 * This package provides a client for the external bad-actor scoring service.
 * It encapsulates the logic for making authenticated HTTP requests, handling
 * request body construction, and parsing responses.
 *
 * The gate built on top of this client fails open: any failure here must be
 * treated by callers as "no score" so checkout is never blocked by the
 * scoring service's own unavailability.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package badactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the bad-actor scoring API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new bad-actor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ScoreRequest is the normalized submission sent for judgment.
type ScoreRequest struct {
	Amount            string `json:"amount"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Email             string `json:"email"`
	StreetAddress     string `json:"street"`
	City              string `json:"city"`
	State             string `json:"state"`
	PostalCode        string `json:"zipcode"`
	Country           string `json:"country"`
	Referer           string `json:"referer"`
	IPAddress         string `json:"ip"`
	CaptchaToken      string `json:"captcha_token"`
	ComplianceReasons string `json:"reason,omitempty"`
}

// ScoreItem is one factor in the overall judgment.
type ScoreItem struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Score int    `json:"score"`
}

// ScoreResponse is the scoring service's judgment for one submission.
type ScoreResponse struct {
	OverallJudgment int         `json:"overall_judgment"`
	ItemsJudgment   []ScoreItem `json:"items"`
}

// ErrorResponse represents an error from the scoring API.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Status int    `json:"-"`
}

func (e *ErrorResponse) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("bad-actor api error: %s", e.Detail)
	}
	return fmt.Sprintf("bad-actor api error (status %d)", e.Status)
}

// Score submits a normalized submission for judgment. It performs exactly one
// call; callers interpret any returned error as "no score available".
func (c *Client) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/judgment/", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Token "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute score request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read score response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{Status: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=badactor_client op=score status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=badactor_client op=score status=%d detail=%q", resp.StatusCode, errResp.Detail)
		return nil, &errResp
	}

	var scoreResp ScoreResponse
	if err := json.Unmarshal(bodyBytes, &scoreResp); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}

	return &scoreResp, nil
}
