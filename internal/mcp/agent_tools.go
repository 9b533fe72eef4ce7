package mcp

import (
	"context"
	"fmt"
	"sync"

	"agentbrowser-core/internal/agent"
	"agentbrowser-core/internal/browser"
	"agentbrowser-core/internal/config"
	"agentbrowser-core/internal/metrics"
	"agentbrowser-core/internal/recorder"

	"github.com/google/uuid"
)

// agentRegistry tracks active agent loops keyed by a generated agent id,
// separate from browser sessions since one loop drives one already-open page.
type agentRegistry struct {
	mu    sync.Mutex
	loops map[string]*agent.Loop
}

func newAgentRegistry() *agentRegistry {
	return &agentRegistry{loops: make(map[string]*agent.Loop)}
}

// StartAgentTool binds a new agent loop to an existing browser session's
// page and begins driving it step by step.
type StartAgentTool struct {
	sessions *browser.SessionManager
	registry *agentRegistry
	cfg      config.AgentConfig
	rec      *recorder.Recorder
}

func (t *StartAgentTool) Name() string { return "start-agent" }
func (t *StartAgentTool) Description() string {
	return `Start an LLM-driven agent loop against an existing session's page. Each agent-step call
advances one iteration: observe the page, ask the planner for one action, execute it. Call
agent-step repeatedly until it reports done/failed, or call stop-agent to cancel.`
}
func (t *StartAgentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string"},
			"prompt":     map[string]interface{}{"type": "string"},
			"max_steps":  map[string]interface{}{"type": "integer"},
			"model":      map[string]interface{}{"type": "string", "description": "Planner model identifier (default gpt-4o-mini)"},
		},
		"required": []string{"session_id", "prompt"},
	}
}
func (t *StartAgentTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, _ := args["session_id"].(string)
	prompt, _ := args["prompt"].(string)
	if sessionID == "" || prompt == "" {
		return nil, fmt.Errorf("session_id and prompt are required")
	}

	page, ok := t.sessions.Page(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	maxSteps := uint32(0)
	if v, ok := args["max_steps"].(float64); ok {
		maxSteps = uint32(v)
	}
	model, _ := args["model"].(string)
	if model == "" {
		model = "gpt-4o-mini"
	}

	agentID := uuid.NewString()
	loop := agent.New(agentID, page, prompt, maxSteps, agent.NewHTTPPlanner(model), t.cfg).WithRecorder(t.rec)

	t.registry.mu.Lock()
	t.registry.loops[agentID] = loop
	t.registry.mu.Unlock()

	go loop.Run(context.Background())

	return map[string]interface{}{"agent_id": agentID}, nil
}

// AgentStepTool advances one loop by one iteration and returns the response.
type AgentStepTool struct {
	registry *agentRegistry
}

func (t *AgentStepTool) Name() string { return "agent-step" }
func (t *AgentStepTool) Description() string {
	return `Advance an agent loop by one iteration and return the resulting observation, or the
terminal done/failed/stopped response.`
}
func (t *AgentStepTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"agent_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"agent_id"},
	}
}
func (t *AgentStepTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	agentID, _ := args["agent_id"].(string)
	t.registry.mu.Lock()
	loop, ok := t.registry.loops[agentID]
	t.registry.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}

	loop.Step()
	metrics.AgentSteps.Inc()

	select {
	case resp, ok := <-loop.Responses():
		if !ok {
			return map[string]interface{}{"kind": "stopped"}, nil
		}
		return respToMap(resp), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StopAgentTool requests termination and awaits the Stopped acknowledgement.
type StopAgentTool struct {
	registry *agentRegistry
}

func (t *StopAgentTool) Name() string { return "stop-agent" }
func (t *StopAgentTool) Description() string {
	return `Stop a running agent loop. Awaits the Stopped acknowledgement bounded by a timeout.`
}
func (t *StopAgentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"agent_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"agent_id"},
	}
}
func (t *StopAgentTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	agentID, _ := args["agent_id"].(string)
	t.registry.mu.Lock()
	loop, ok := t.registry.loops[agentID]
	t.registry.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}

	if err := loop.Stop(); err != nil {
		return nil, err
	}

	t.registry.mu.Lock()
	delete(t.registry.loops, agentID)
	t.registry.mu.Unlock()

	return map[string]interface{}{"ok": true}, nil
}

func respToMap(resp agent.Response) map[string]interface{} {
	out := map[string]interface{}{}
	switch resp.Kind {
	case agent.RespStepCompleted:
		out["kind"] = "step_completed"
		out["observation"] = resp.Observation
	case agent.RespDone:
		out["kind"] = "done"
		out["result"] = resp.Result
	case agent.RespFailed:
		out["kind"] = "failed"
		out["reason"] = resp.Reason
	case agent.RespStopped:
		out["kind"] = "stopped"
	}
	return out
}
