package mcp

import (
	"context"
	"fmt"

	"agentbrowser-core/internal/search"
)

// WebSearchTool performs a one-shot web search without enrolling a research
// session, for callers that just need a ranked link list.
type WebSearchTool struct {
	provider search.Provider
}

func (t *WebSearchTool) Name() string { return "web-search" }
func (t *WebSearchTool) Description() string {
	return `Run a web search and return title/url/snippet for each hit, without crawling the
results. Use start-research instead when you also want page text extracted.`
}
func (t *WebSearchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
			"limit": map[string]interface{}{"type": "integer", "description": "Max results (default 10)"},
		},
		"required": []string{"query"},
	}
}
func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := 10
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	results, err := t.provider.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results}, nil
}
