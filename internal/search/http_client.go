package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// HTTPClient calls a retrieval service over HTTP. The service owns embedding
// and the vector index; this client only ships the query and filters.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a retrieval client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Count   int   `json:"count"`
	Results []Hit `json:"results"`
}

// Search posts the query to the retrieval service and returns ranked hits.
func (c *HTTPClient) Search(ctx context.Context, req Request) ([]Hit, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	// Contract: hits ordered by ascending distance.
	sort.SliceStable(parsed.Results, func(i, j int) bool {
		return parsed.Results[i].Distance < parsed.Results[j].Distance
	})
	return parsed.Results, nil
}
