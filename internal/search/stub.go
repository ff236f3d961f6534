package search

import (
	"context"
	"fmt"
)

// Stub is a deterministic in-process Searcher used when no retrieval service
// is configured. It returns a single placeholder hit per query so the
// orchestrator's control flow stays exercisable offline.
type Stub struct{}

// NewStub creates an offline searcher.
func NewStub() *Stub {
	return &Stub{}
}

// Search returns one placeholder hit echoing the query.
func (s *Stub) Search(_ context.Context, req Request) ([]Hit, error) {
	content := req.Query
	if len(content) > 200 {
		content = content[:200]
	}
	return []Hit{
		{
			ChunkID:  "stub",
			DocID:    "stub",
			Content:  fmt.Sprintf("(offline stub) %s", content),
			Distance: 0.5,
		},
	}, nil
}
