// Package search wraps the external similarity-search capability.
package search

import (
	"context"

	"github.com/lexflow/orchestrator/internal/domain"
)

// Request describes one retrieval query. Jurisdiction values are lowercased
// by the caller; the backend matches them verbatim.
type Request struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	FirmID        string   `json:"firm_id,omitempty"`
	DocIDs        []string `json:"doc_ids,omitempty"`
	Jurisdictions []string `json:"jurisdictions,omitempty"`
	Sections      []string `json:"sections,omitempty"`
	MaxDistance   float64  `json:"max_distance,omitempty"`
}

// Hit is one raw row from the retrieval backend.
type Hit struct {
	ChunkID      string            `json:"chunk_id"`
	DocID        string            `json:"doc_id"`
	Section      string            `json:"section,omitempty"`
	Jurisdiction string            `json:"jurisdiction,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Content      string            `json:"content"`
	Distance     float64           `json:"distance"`
}

// Searcher is the opaque similarity-search capability. Implementations must
// return hits ordered by ascending distance (best match first) and be safe
// for concurrent use.
type Searcher interface {
	Search(ctx context.Context, req Request) ([]Hit, error)
}

// ToResult converts a hit into the domain search-result shape used on
// queries, truncating the snippet and tagging the normative layer.
func ToResult(h Hit, layer string) domain.SearchResult {
	snippet := h.Content
	if len(snippet) > 400 {
		snippet = snippet[:400]
	}
	citation := h.Metadata["citation"]
	if citation == "" {
		citation = h.ChunkID
	}
	return domain.SearchResult{
		DocID:     h.DocID,
		Title:     h.Metadata["title"],
		Citation:  citation,
		Snippet:   snippet,
		Distance:  h.Distance,
		NormLayer: layer,
	}
}
