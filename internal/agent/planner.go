package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// HTTPPlanner calls an OpenAI-compatible chat completions endpoint to decide
// the next Action. The endpoint/model/key are environment-configured since
// the concrete inference provider is explicitly out of scope for this
// module — HTTPPlanner is one concrete, swappable Planner, not the only one.
type HTTPPlanner struct {
	Endpoint string
	APIKey   string
	Model    string
	Client   *http.Client
}

// NewHTTPPlanner builds a planner from the standard OPENAI_API_KEY /
// OPENAI_BASE_URL environment variables, falling back to OpenAI's default
// endpoint when unset.
func NewHTTPPlanner(model string) *HTTPPlanner {
	endpoint := os.Getenv("OPENAI_BASE_URL")
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return &HTTPPlanner{
		Endpoint: endpoint + "/chat/completions",
		APIKey:   os.Getenv("OPENAI_API_KEY"),
		Model:    model,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You are driving a web browser. Given the page observation, respond with a single
JSON object describing exactly one action: {"action": "navigate|click|type|extract|done|fail",
"url": "...", "selector": "...", "text": "...", "reason": "..."}. Only include the fields the
chosen action needs.`

// Plan sends the task prompt plus observation to the configured chat
// endpoint and decodes the response into an Action via DecodeAction, which
// tolerates minor JSON malformation.
func (p *HTTPPlanner) Plan(ctx context.Context, prompt string, obs Observation) (Action, error) {
	obsJSON, err := json.Marshal(obs)
	if err != nil {
		return Action{}, fmt.Errorf("marshal observation: %w", err)
	}

	reqBody := chatRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Task: %s\nObservation: %s", prompt, obsJSON)},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Action{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Action{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Action{}, fmt.Errorf("planner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Action{}, fmt.Errorf("planner request failed: status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Action{}, fmt.Errorf("decode planner response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Action{}, fmt.Errorf("planner returned no choices")
	}

	return DecodeAction(parsed.Choices[0].Message.Content)
}
