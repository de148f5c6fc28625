package tool

import (
	"context"
	"fmt"
)

// SearchResult is one scored entry returned by a document retriever.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Retriever is the boundary contract of the external retrieval service. The
// runtime only consumes it through the search_documents tool.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// SearchTool exposes a Retriever as the search_documents tool, discarding
// results below a relevance cutoff before they reach the reasoning window.
type SearchTool struct {
	retriever Retriever
	minScore  float64
	limit     int
}

// SearchToolOptions configures the retrieval tool.
type SearchToolOptions struct {
	// MinScore is the relevance cutoff; results scoring below it are
	// discarded. Defaults to 0.2.
	MinScore float64
	// Limit caps raw results requested from the retriever. Defaults to 5.
	Limit int
}

// NewSearchTool wraps a retriever behind the search_documents interface.
func NewSearchTool(retriever Retriever, optFns ...func(o *SearchToolOptions)) *SearchTool {
	opts := SearchToolOptions{MinScore: 0.2, Limit: 5}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &SearchTool{retriever: retriever, minScore: opts.MinScore, limit: opts.Limit}
}

// Name implements Tool.
func (t *SearchTool) Name() string { return "search_documents" }

// Description implements Tool.
func (t *SearchTool) Description() string {
	return "Search the document store for passages relevant to a query"
}

// Parameters implements Tool.
func (t *SearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
		},
		"required": []string{"query"},
	}
}

// Call implements Tool: runs the search and filters low-relevance noise.
func (t *SearchTool) Call(ctx context.Context, args map[string]any) (any, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, NewError(t.Name(), "query must be a non-empty string", "VALIDATION_ERROR")
	}

	results, err := t.retriever.Search(ctx, query, t.limit)
	if err != nil {
		return nil, fmt.Errorf("retrieval search: %w", err)
	}

	filtered := make([]SearchResult, 0, len(results))
	for _, res := range results {
		if res.Score >= t.minScore {
			filtered = append(filtered, res)
		}
	}
	return filtered, nil
}
