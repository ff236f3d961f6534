package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lexflow/orchestrator/internal/search"
)

// SimilaritySearchName is the registry key for the retrieval tool.
const SimilaritySearchName = "similarity_search"

// SimilaritySearchArgs is the wire shape for a similarity_search invocation.
type SimilaritySearchArgs struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	FirmID        string   `json:"firm_id,omitempty"`
	DocIDs        []string `json:"doc_ids,omitempty"`
	Jurisdictions []string `json:"jurisdictions,omitempty"`
	Sections      []string `json:"sections,omitempty"`
	MaxDistance   float64  `json:"max_distance,omitempty"`
}

// SimilaritySearchResult is the wire shape returned to callers.
type SimilaritySearchResult struct {
	Count   int          `json:"count"`
	Results []search.Hit `json:"results"`
}

// SimilaritySearchTool adapts a search.Searcher to the tool interface.
type SimilaritySearchTool struct {
	searcher search.Searcher
	limits   Limits
}

// NewSimilaritySearchTool wraps a searcher with registry limits.
func NewSimilaritySearchTool(searcher search.Searcher, timeout time.Duration) *SimilaritySearchTool {
	return &SimilaritySearchTool{
		searcher: searcher,
		limits: Limits{
			MaxResults: 50,
			Timeout:    timeout,
		},
	}
}

func (t *SimilaritySearchTool) Name() string   { return SimilaritySearchName }
func (t *SimilaritySearchTool) Limits() Limits { return t.limits }

// Invoke runs one retrieval query. top_k is clamped to [1, MaxResults]
// without error; jurisdiction filters are lowercased before dispatch.
func (t *SimilaritySearchTool) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var parsed SimilaritySearchArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse similarity_search args: %w", err)
	}
	if strings.TrimSpace(parsed.Query) == "" {
		return nil, fmt.Errorf("similarity_search requires a query")
	}

	topK := parsed.TopK
	if topK < 1 {
		topK = 1
	}
	if topK > t.limits.MaxResults {
		topK = t.limits.MaxResults
	}

	jurisdictions := make([]string, 0, len(parsed.Jurisdictions))
	for _, j := range parsed.Jurisdictions {
		j = strings.ToLower(strings.TrimSpace(j))
		if j != "" {
			jurisdictions = append(jurisdictions, j)
		}
	}

	hits, err := t.searcher.Search(ctx, search.Request{
		Query:         parsed.Query,
		TopK:          topK,
		FirmID:        parsed.FirmID,
		DocIDs:        parsed.DocIDs,
		Jurisdictions: jurisdictions,
		Sections:      parsed.Sections,
		MaxDistance:   parsed.MaxDistance,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity_search failed: %w", err)
	}

	out, err := json.Marshal(SimilaritySearchResult{Count: len(hits), Results: hits})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal similarity_search result: %w", err)
	}
	return out, nil
}
