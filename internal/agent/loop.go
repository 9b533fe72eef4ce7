// Package agent implements the LLM-driven agentic browsing loop: observe a
// page, ask a planner for one structured action, execute it, repeat.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentbrowser-core/internal/browser"
	"agentbrowser-core/internal/config"
	"agentbrowser-core/internal/logging"
	"agentbrowser-core/internal/recorder"

	"github.com/go-rod/rod"
	"github.com/kaptinlin/jsonrepair"
)

// maxObservedElements bounds how many interactable elements are included in
// an Observation — enough for the planner to act without blowing the prompt
// token budget on a single page's element list.
const maxObservedElements = 40

var log = logging.Component("agent")

// ActionKind enumerates the single structured action the planner may choose
// per step.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionExtract  ActionKind = "extract"
	ActionDone     ActionKind = "done"
	ActionFail     ActionKind = "fail"
)

// Action is the planner's single decision for one step.
type Action struct {
	Kind     ActionKind `json:"action"`
	URL      string     `json:"url,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Text     string     `json:"text,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Observation is the concise page description handed to the planner:
// URL, title, a bounded visible-text snippet, and an interactable element
// list, already token-bounded per the configured prompt budget.
type Observation struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	TextSample string   `json:"text_sample"`
	Elements   []string `json:"elements"`
}

// Planner is the narrow interface the loop consumes. The concrete inference
// client stays external to this package.
type Planner interface {
	Plan(ctx context.Context, prompt string, obs Observation) (Action, error)
}

// Command is an inbound message to a running loop.
type Command int

const (
	CmdStep Command = iota
	CmdStop
)

// ResponseKind tags an outbound loop message.
type ResponseKind int

const (
	RespStepCompleted ResponseKind = iota
	RespDone
	RespFailed
	RespStopped
)

// Response is one outbound loop message.
type Response struct {
	Kind        ResponseKind
	Observation Observation
	Result      string
	Reason      string
}

// ErrStopTimeout is returned by Stop when the loop does not acknowledge
// within the configured timeout; the caller should treat the loop as
// abandoned.
var ErrStopTimeout = fmt.Errorf("agent: loop did not acknowledge Stop in time")

// Loop runs the bounded step planner for one page/prompt/max_steps session.
type Loop struct {
	id       string
	page     *rod.Page
	prompt   string
	maxSteps uint32
	planner  Planner
	cfg      config.AgentConfig

	commands  chan Command
	responses chan Response

	stepCount int
	rec       *recorder.Recorder
}

// New constructs a Loop. Call Run in a goroutine, then drive it with
// Step/Stop.
func New(id string, page *rod.Page, prompt string, maxSteps uint32, planner Planner, cfg config.AgentConfig) *Loop {
	if maxSteps == 0 {
		maxSteps = cfg.GetMaxStepsDefault()
	}
	size := cfg.GetStepChannelSize()
	return &Loop{
		id:        id,
		page:      page,
		prompt:    prompt,
		maxSteps:  maxSteps,
		planner:   planner,
		cfg:       cfg,
		commands:  make(chan Command, size),
		responses: make(chan Response, size),
	}
}

// WithRecorder attaches a flight recorder; every step and terminal response
// is traced under the loop's id alongside the session's DOM-event trace.
// Nil-safe: a Loop with no recorder simply skips tracing.
func (l *Loop) WithRecorder(rec *recorder.Recorder) *Loop {
	l.rec = rec
	return l
}

func (l *Loop) trace(eventType string, data interface{}) {
	if l.rec == nil {
		return
	}
	l.rec.Log(eventType, l.id, data)
}

// Step requests one more iteration. Blocks if the inbound channel is full
// (backpressure, per §5 — submissions block rather than drop).
func (l *Loop) Step() {
	l.commands <- CmdStep
}

// Stop requests termination and awaits the Stopped acknowledgement bounded
// by the configured timeout. On timeout it returns ErrStopTimeout; the
// loop's goroutine is left for the caller to abandon.
func (l *Loop) Stop() error {
	l.commands <- CmdStop
	timeout := time.After(l.cfg.StopAckTimeout())
	for {
		select {
		case resp, ok := <-l.responses:
			if !ok {
				return nil
			}
			if resp.Kind == RespStopped {
				return nil
			}
			// Any other terminal/step response arriving before Stopped is
			// still consumed so the caller's next Responses() read isn't
			// confused by a stale message.
		case <-timeout:
			return ErrStopTimeout
		}
	}
}

// Responses returns the outbound channel for the caller to drain.
func (l *Loop) Responses() <-chan Response {
	return l.responses
}

// Run drives the loop until done/fail/max_steps/Stop. Exactly one terminal
// response (Done, Failed, or Stopped) is emitted before Run returns and the
// outbound channel is closed.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.responses)

	for {
		select {
		case <-ctx.Done():
			l.responses <- Response{Kind: RespFailed, Reason: ctx.Err().Error()}
			return
		case cmd := <-l.commands:
			switch cmd {
			case CmdStop:
				l.responses <- Response{Kind: RespStopped}
				return
			case CmdStep:
				resp, terminal := l.step(ctx)
				l.responses <- resp
				if terminal {
					return
				}
			}
		}
	}
}

func (l *Loop) step(ctx context.Context) (Response, bool) {
	l.stepCount++
	if uint32(l.stepCount) > l.maxSteps {
		l.trace("agent_step", map[string]interface{}{"outcome": "max_steps_reached", "step": l.stepCount})
		return Response{Kind: RespDone, Result: "max_steps reached"}, true
	}

	obs, err := l.observe()
	if err != nil {
		l.trace("agent_step", map[string]interface{}{"outcome": "observe_failed", "step": l.stepCount, "error": err.Error()})
		return Response{Kind: RespFailed, Reason: fmt.Sprintf("observe: %v", err)}, true
	}

	action, err := l.planner.Plan(ctx, l.prompt, obs)
	if err != nil {
		l.trace("agent_step", map[string]interface{}{"outcome": "plan_failed", "step": l.stepCount, "error": err.Error()})
		return Response{Kind: RespFailed, Reason: fmt.Sprintf("plan: %v", err)}, true
	}

	switch action.Kind {
	case ActionDone:
		l.trace("agent_step", map[string]interface{}{"outcome": "done", "step": l.stepCount, "reason": action.Reason})
		return Response{Kind: RespDone, Result: action.Reason}, true
	case ActionFail:
		l.trace("agent_step", map[string]interface{}{"outcome": "failed", "step": l.stepCount, "reason": action.Reason})
		return Response{Kind: RespFailed, Reason: action.Reason}, true
	}

	if err := l.execute(ctx, action); err != nil {
		// Transient navigation/interaction errors are reported back as an
		// observation for the next step rather than failing the loop.
		log.Info().Msgf("loop %s: action %s failed, reporting as observation: %v", l.id, action.Kind, err)
		obs.TextSample = fmt.Sprintf("previous action failed: %v", err)
	}

	l.trace("agent_step", map[string]interface{}{"outcome": "step_completed", "step": l.stepCount, "action": action.Kind, "url": obs.URL})
	return Response{Kind: RespStepCompleted, Observation: obs}, false
}

func (l *Loop) observe() (Observation, error) {
	if l.page == nil {
		return Observation{}, fmt.Errorf("no page bound to loop")
	}

	info, err := l.page.Info()
	if err != nil {
		return Observation{}, err
	}

	text, err := l.page.Eval(`() => document.body ? document.body.innerText : ''`)
	sample := ""
	if err == nil {
		sample = text.Value.Str()
	}
	sample = boundTokens(sample, l.cfg.GetPromptTokenBudget())

	elements, err := browser.DiscoverInteractiveElements(l.page, "all", true, maxObservedElements)
	if err != nil {
		log.Info().Msgf("loop %s: element discovery failed, continuing with an empty list: %v", l.id, err)
	}
	elementLines := make([]string, 0, len(elements))
	for _, el := range elements {
		elementLines = append(elementLines, fmt.Sprintf("%s [%s]: %s", el.Ref, el.Type, el.Label))
	}

	return Observation{
		URL:        info.URL,
		Title:      info.Title,
		TextSample: sample,
		Elements:   elementLines,
	}, nil
}

func (l *Loop) execute(ctx context.Context, action Action) error {
	switch action.Kind {
	case ActionNavigate:
		return l.page.Context(ctx).Navigate(action.URL)
	case ActionClick:
		el, err := l.page.Context(ctx).Element(action.Selector)
		if err != nil {
			return err
		}
		return el.Click("left", 1)
	case ActionType:
		el, err := l.page.Context(ctx).Element(action.Selector)
		if err != nil {
			return err
		}
		return el.Input(action.Text)
	case ActionExtract:
		return nil
	default:
		return fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

// DecodeAction repairs and parses a planner's raw text response into an
// Action, tolerating minor JSON malformation (trailing commas, unquoted
// keys, unbalanced braces) that LLMs commonly emit.
func DecodeAction(raw string) (Action, error) {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Action{}, fmt.Errorf("repair action json: %w", err)
	}
	var a Action
	if err := json.Unmarshal([]byte(repaired), &a); err != nil {
		return Action{}, fmt.Errorf("decode repaired action json: %w", err)
	}
	return a, nil
}
