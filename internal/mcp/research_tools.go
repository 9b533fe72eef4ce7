package mcp

import (
	"context"
	"fmt"

	"agentbrowser-core/internal/metrics"
	"agentbrowser-core/internal/research"
)

// StartResearchTool enrolls a new autonomous research session and returns
// immediately; the worker runs in the background.
type StartResearchTool struct {
	registry *research.Registry
}

func (t *StartResearchTool) Name() string { return "start-research" }
func (t *StartResearchTool) Description() string {
	return `Start a background research session: search a query, then crawl up to max_pages results,
extracting text from each. Returns a session_id immediately; the crawl runs asynchronously.

WHEN TO USE:
- Open-ended questions that need multiple sources
- Gathering material before writing a synthesis

Poll research-status/research-result with the returned session_id; call stop-research to cancel early.`
}
func (t *StartResearchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query":     map[string]interface{}{"type": "string", "description": "Search query"},
			"max_pages": map[string]interface{}{"type": "integer", "description": "Max result pages to visit (default from config)"},
		},
		"required": []string{"query"},
	}
}
func (t *StartResearchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	maxPages := uint32(0)
	if v, ok := args["max_pages"].(float64); ok {
		maxPages = uint32(v)
	}

	id, err := t.registry.Start(ctx, query, maxPages)
	if err != nil {
		return nil, err
	}
	metrics.ResearchStarted.Inc()
	return map[string]interface{}{"session_id": id}, nil
}

// ResearchStatusTool returns a status snapshot for one research session.
type ResearchStatusTool struct {
	registry *research.Registry
}

func (t *ResearchStatusTool) Name() string { return "research-status" }
func (t *ResearchStatusTool) Description() string {
	return `Get the current status of a research session: status, elapsed time, last progress line,
pages visited, and result count so far.`
}
func (t *ResearchStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"session_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"session_id"},
	}
}
func (t *ResearchStatusTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	id, _ := args["session_id"].(string)
	snap, err := t.registry.Status(id)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ResearchResultTool returns the accumulated (possibly partial) result buffer.
type ResearchResultTool struct {
	registry *research.Registry
}

func (t *ResearchResultTool) Name() string { return "research-result" }
func (t *ResearchResultTool) Description() string {
	return `Get the (possibly partial) ordered list of pages visited by a research session,
including extracted text per page. Safe to call while the session is still running.`
}
func (t *ResearchResultTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"session_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"session_id"},
	}
}
func (t *ResearchResultTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	id, _ := args["session_id"].(string)
	results, err := t.registry.Result(id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results}, nil
}

// StopResearchTool requests graceful cancellation of a running session.
type StopResearchTool struct {
	registry *research.Registry
}

func (t *StopResearchTool) Name() string { return "stop-research" }
func (t *StopResearchTool) Description() string {
	return `Request graceful cancellation of a running research session. Awaits acknowledgement
bounded by a timeout; always returns ok, with a warning logged if the worker didn't ack in time.`
}
func (t *StopResearchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"session_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"session_id"},
	}
}
func (t *StopResearchTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	id, _ := args["session_id"].(string)
	if err := t.registry.Stop(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

// ListResearchTool returns snapshots for every known research session.
type ListResearchTool struct {
	registry *research.Registry
}

func (t *ListResearchTool) Name() string { return "list-research" }
func (t *ListResearchTool) Description() string {
	return `List every known research session and its current status, including sessions
currently being updated by their worker (flagged "transient" rather than omitted).`
}
func (t *ListResearchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListResearchTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.registry.List()}, nil
}
