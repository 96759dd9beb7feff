// Package orchestrator turns user utterances into spoken agent responses.
//
// One Orchestrator per session implements [turn.Processor]: it assembles the
// active agent's prompt and history, streams the LLM, splits the response
// into speakable chunks, executes tool calls, performs agent handoffs, and
// persists session state after every turn. A process-wide [Registry] lets
// configuration reloads reach running sessions.
//
// The orchestrator never raises errors across the turn boundary for things it
// can degrade gracefully: state store failures fall back to defaults, tool
// failures are fed back to the model, a failed post-handoff completion falls
// back to the target agent's greeting. Errors it does return (stream startup
// failure, stalled stream, malformed tool-call JSON) make the turn engine
// speak a canned apology.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/loquora/internal/agent"
	"github.com/MrWong99/loquora/internal/events"
	"github.com/MrWong99/loquora/internal/session"
	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/internal/turn"
	"github.com/MrWong99/loquora/pkg/memory"
	"github.com/MrWong99/loquora/pkg/provider/llm"
	"github.com/MrWong99/loquora/pkg/types"
)

const senderOrchestrator = "orchestrator"

// History and message roles.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
)

const (
	// maxLLMCalls caps model calls per turn, the initial call included, so a
	// tool loop cannot run away.
	maxLLMCalls = 5

	// llmTurnTimeout bounds one turn's total model work.
	llmTurnTimeout = 90 * time.Second

	// chunkWaitTimeout bounds the wait for the next stream chunk.
	chunkWaitTimeout = 5 * time.Second

	// minHandoffResponse is the rune floor under which a fresh post-handoff
	// reply is replaced by the target agent's greeting. Responses this short
	// are below the splitter minimum, so nothing has been dispatched yet.
	minHandoffResponse = 10

	// scenarioPersistTimeout bounds the synchronous state write during a
	// scenario update.
	scenarioPersistTimeout = 2 * time.Second
)

// Config assembles an [Orchestrator]. Session, LLM and Scenario are required.
type Config struct {
	Session  *session.Session
	LLM      llm.Provider
	Scenario *agent.Scenario

	// Tools resolves and executes non-handoff tool calls. Nil means an empty
	// registry.
	Tools *tool.Registry

	// MinChunk and MaxChunk override the sentence splitter bounds. Zero means
	// the defaults.
	MinChunk int
	MaxChunk int
}

// Orchestrator routes conversation turns across a scenario's agents.
type Orchestrator struct {
	sess  *session.Session
	llm   llm.Provider
	tools *tool.Registry

	minChunk int
	maxChunk int

	updater *SessionUpdater

	mu          sync.RWMutex
	agents      map[string]agent.Descriptor
	names       []string // scenario document order
	handoffMap  map[string]string
	generic     bool
	institution string
	scenario    string
	activeAgent string
	visitedConn map[string]bool // agents that owned a turn on this connection

	closed atomic.Bool
}

var _ turn.Processor = (*Orchestrator)(nil)

// New validates cfg and builds an orchestrator with the scenario's start
// agent active.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Session == nil {
		return nil, errors.New("orchestrator: session is required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("orchestrator: llm provider is required")
	}
	if cfg.Scenario == nil || len(cfg.Scenario.Agents) == 0 {
		return nil, errors.New("orchestrator: scenario with at least one agent is required")
	}

	tools := cfg.Tools
	if tools == nil {
		tools = tool.NewRegistry()
	}
	minChunk, maxChunk := cfg.MinChunk, cfg.MaxChunk
	if minChunk <= 0 {
		minChunk = defaultMinChunk
	}
	if maxChunk < minChunk {
		maxChunk = defaultMaxChunk
	}

	sc := cfg.Scenario
	agents := make(map[string]agent.Descriptor, len(sc.Agents))
	for _, d := range sc.Agents {
		agents[d.Name] = d
	}
	names := sc.AgentNames()
	start := sc.StartAgent
	if _, ok := agents[start]; !ok {
		start = names[0]
	}

	o := &Orchestrator{
		sess:        cfg.Session,
		llm:         cfg.LLM,
		tools:       tools,
		minChunk:    minChunk,
		maxChunk:    maxChunk,
		updater:     NewSessionUpdater(cfg.Session),
		agents:      agents,
		names:       names,
		handoffMap:  sc.HandoffMap(),
		generic:     sc.GenericHandoffs,
		institution: sc.InstitutionName,
		scenario:    sc.Name,
		activeAgent: start,
		visitedConn: make(map[string]bool),
	}
	cfg.Session.SetActiveAgent(start)
	return o, nil
}

// scenarioView is an immutable per-turn snapshot of the agent set. Scenario
// updates replace the underlying maps wholesale instead of mutating them, so
// every handoff and message assembly within one turn sees the same scenario.
type scenarioView struct {
	agents      map[string]agent.Descriptor
	names       []string
	handoffMap  map[string]string
	generic     bool
	institution string
}

func (o *Orchestrator) view() scenarioView {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return scenarioView{
		agents:      o.agents,
		names:       o.names,
		handoffMap:  o.handoffMap,
		generic:     o.generic,
		institution: o.institution,
	}
}

// ActiveAgent returns the name of the agent that owns the next turn.
func (o *Orchestrator) ActiveAgent() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeAgent
}

// AgentNames returns the registered agent names in scenario order.
func (o *Orchestrator) AgentNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.names)
}

// AgentVoice returns the named agent's voice profile. Playback resolves
// per-chunk voices through this, so a mid-turn handoff switches voices on the
// next chunk.
func (o *Orchestrator) AgentVoice(name string) (types.VoiceProfile, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.agents[name]
	if !ok {
		return types.VoiceProfile{}, false
	}
	return d.Voice, true
}

// Close marks the orchestrator dead and stops deferred session updates.
// In-flight turns finish; new ones fail fast.
func (o *Orchestrator) Close() {
	o.closed.Store(true)
	o.updater.Close()
}

// ProcessTurn implements [turn.Processor]. It runs the tool loop against the
// active agent, emitting speakable chunks as the model streams, and returns
// once the response completes, the turn is cancelled, or the loop bound hits.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sess *session.Session, in turn.Input, emit turn.ChunkFunc) (turn.Result, error) {
	if o.closed.Load() {
		return turn.Result{}, errors.New("orchestrator: closed")
	}

	v := o.view()
	state := o.syncFromMemory(ctx, sess)

	o.mu.Lock()
	active := o.activeAgent
	o.visitedConn[active] = true
	o.mu.Unlock()

	desc, ok := v.agents[active]
	if !ok {
		return turn.Result{}, fmt.Errorf("orchestrator: active agent %q is not registered", active)
	}
	state.MarkVisited(active)

	// History is loaded before the current utterance is recorded so message
	// assembly does not replay it twice.
	userText := strings.TrimSpace(in.Text)
	history := o.loadHistory(ctx, sess)
	if userText != "" {
		o.appendHistory(ctx, sess, memory.HistoryEntry{Agent: active, Role: roleUser, Text: userText})
		state.UserMessageHistory = append(state.UserMessageHistory, userText)
	}

	vars := promptVars(v, sess, state, desc)
	msgs := assembleMessages(active, history, crossAgentContext(history, active, userText), userText)
	toolDefs := o.buildTools(v, desc)

	turnCtx, cancel := context.WithTimeout(ctx, llmTurnTimeout)
	defer cancel()

	var (
		spoken      strings.Builder // everything dispatched or produced this turn
		lastText    string          // final response text not yet recorded to history
		usage       types.TokenUsage
		interrupted bool
		emitOK      = true
		firstToken  bool
		toolsRan    bool
		postHandoff bool
		greeting    string
	)

	say := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" || !emitOK || sess.CancelRequested() {
			return
		}
		if !emit(text) {
			emitOK = false
			interrupted = true
		}
	}
	appendSpoken := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if spoken.Len() > 0 {
			spoken.WriteByte(' ')
		}
		spoken.WriteString(text)
	}
	result := func() turn.Result {
		return turn.Result{
			ResponseText: spoken.String(),
			AgentName:    active,
			Usage:        usage,
			Interrupted:  interrupted || sess.CancelRequested(),
		}
	}

	for range maxLLMCalls {
		profile := desc.ModelFor(sess.Transport)
		req := llm.CompletionRequest{
			Model:        profile.DeploymentID,
			Messages:     msgs,
			Tools:        toolDefs,
			Temperature:  profile.Temperature,
			TopP:         profile.TopP,
			MaxTokens:    profile.MaxTokens,
			SystemPrompt: systemPrompt(desc, vars, handoffTargets(v, desc)),
		}

		sr, err := o.streamOnce(turnCtx, sess, req, emit, &emitOK, &firstToken)
		usage = usage.Add(sr.usage)
		if err != nil {
			if postHandoff && greeting != "" {
				slog.Warn("post-handoff completion failed, speaking greeting",
					"session_id", sess.ID, "agent", active, "error", err)
				say(greeting)
				appendSpoken(greeting)
				lastText = greeting
				break
			}
			o.finishTurn(ctx, sess, state, active, lastText, toolsRan, usage)
			return result(), err
		}
		if sr.interrupted {
			interrupted = true
			appendSpoken(sr.text)
			lastText = strings.TrimSpace(sr.text)
			break
		}
		if sr.finish == "length" {
			slog.Debug("completion hit the token cap", "session_id", sess.ID, "agent", active)
		}

		if len(sr.toolCalls) == 0 {
			text := strings.TrimSpace(sr.text)
			if postHandoff && greeting != "" && utf8.RuneCountInString(text) < minHandoffResponse {
				say(greeting)
				appendSpoken(greeting)
				lastText = greeting
			} else {
				say(sr.pending)
				appendSpoken(text)
				lastText = text
			}
			break
		}

		// Tool round. Narration that streamed alongside the calls was
		// dispatched only up to tool-call detection; all of it still counts
		// toward the turn's response text.
		postHandoff, greeting = false, ""
		toolsRan = true
		appendSpoken(sr.text)
		lastText = ""

		round := o.runToolRound(ctx, sess, v, state, active, sr)
		if round.fatal != nil {
			o.finishTurn(ctx, sess, state, active, lastText, toolsRan, usage)
			return result(), round.fatal
		}
		msgs = append(msgs, round.msgs...)

		if round.handoff != nil {
			active = round.handoff.target
			desc = v.agents[active]
			greeting = round.handoff.greeting

			if round.handoff.override {
				// A scripted override is the response; no fresh model call.
				say(greeting)
				appendSpoken(greeting)
				lastText = greeting
				break
			}
			if sess.CancelRequested() {
				interrupted = true
				break
			}
			postHandoff = true
			history = o.loadHistory(ctx, sess)
			vars = promptVars(v, sess, state, desc)
			msgs = postHandoffMessages(active, history, crossAgentContext(history, active, userText), userText)
			toolDefs = o.buildTools(v, desc)
			continue
		}

		if sess.CancelRequested() {
			// The tool completed; the loop just does not recurse.
			interrupted = true
			break
		}
	}

	// Loop exhaustion after a handoff leaves the new agent unheard; the
	// greeting fills the silence.
	if postHandoff && greeting != "" && lastText == "" && !interrupted {
		say(greeting)
		appendSpoken(greeting)
		lastText = greeting
	}

	o.finishTurn(ctx, sess, state, active, lastText, toolsRan, usage)
	return result(), nil
}

// finishTurn records the closing assistant entry, bumps the counters and
// persists state. Text already recorded by a tool round is not repeated; a
// turn without tool rounds records its entry even when cancellation left it
// empty.
func (o *Orchestrator) finishTurn(ctx context.Context, sess *session.Session, state *memory.SessionState, active, lastText string, toolsRan bool, usage types.TokenUsage) {
	if lastText != "" || !toolsRan {
		o.appendHistory(ctx, sess, memory.HistoryEntry{Agent: active, Role: roleAssistant, Text: lastText})
	}
	state.TurnCount++
	state.TokenCounts = state.TokenCounts.Add(usage)
	o.syncToMemory(ctx, sess, state)
	o.updater.Flush()
}

// streamResult is one model stream, fully consumed.
type streamResult struct {
	text      string // accumulated text, dispatched or not
	pending   string // splitter remainder, not yet dispatched
	toolCalls []types.ToolCall
	toolsSeen bool
	finish    string
	usage     types.TokenUsage
	// interrupted is set when cancellation or a failed emit stopped the
	// stream early.
	interrupted bool
}

// streamOnce runs one model call, dispatching speakable chunks through emit
// as they split off. Dispatch stops at the first sign of a tool call; the
// splitter remainder of a plain response comes back in pending for the caller
// to dispatch.
func (o *Orchestrator) streamOnce(ctx context.Context, sess *session.Session, req llm.CompletionRequest, emit turn.ChunkFunc, emitOK *bool, firstToken *bool) (streamResult, error) {
	var sr streamResult

	stream, err := o.llm.StreamCompletion(ctx, req)
	if err != nil {
		return sr, fmt.Errorf("orchestrator: start completion stream: %w", err)
	}
	// The producer must never block on an abandoned channel; ctx bounds its
	// lifetime either way.
	defer func() {
		go func() {
			for range stream {
			}
		}()
	}()

	sp := NewSplitter(o.minChunk, o.maxChunk)
	var text strings.Builder
	timer := time.NewTimer(chunkWaitTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(chunkWaitTimeout)

		select {
		case <-ctx.Done():
			sr.text = text.String()
			if sess.CancelRequested() {
				sr.interrupted = true
				return sr, nil
			}
			return sr, fmt.Errorf("orchestrator: completion stream: %w", ctx.Err())

		case <-sess.CancelDone():
			sr.text = text.String()
			sr.interrupted = true
			return sr, nil

		case <-timer.C:
			sr.text = text.String()
			return sr, errors.New("orchestrator: completion stream stalled")

		case c, ok := <-stream:
			if !ok {
				sr.text = text.String()
				if !sr.toolsSeen {
					sr.pending = sp.Flush()
				}
				if sess.CancelRequested() {
					sr.interrupted = true
				}
				return sr, nil
			}
			if c.FinishReason == "error" {
				sr.text = text.String()
				return sr, fmt.Errorf("orchestrator: completion stream failed: %s", c.Text)
			}
			if c.ToolCallStarted {
				sr.toolsSeen = true
			}
			if c.Text != "" {
				text.WriteString(c.Text)
				if !*firstToken {
					*firstToken = true
					sess.Latency.MarkFirstToken(ctx)
				}
				if !sr.toolsSeen && *emitOK && !sess.CancelRequested() {
					for _, chunk := range sp.Push(c.Text) {
						if !emit(chunk) {
							*emitOK = false
							sr.text = text.String()
							sr.interrupted = true
							return sr, nil
						}
					}
				}
			}
			if len(c.ToolCalls) > 0 {
				sr.toolCalls = append(sr.toolCalls, c.ToolCalls...)
				sr.toolsSeen = true
			}
			if c.FinishReason != "" {
				sr.finish = c.FinishReason
			}
			if c.Usage != nil {
				sr.usage = types.TokenUsage{Input: c.Usage.InputTokens, Output: c.Usage.OutputTokens}
			}
		}
	}
}

// toolRound is the outcome of executing one response's tool calls.
type toolRound struct {
	// msgs extends the conversation: the assistant message first, then one
	// tool result per call.
	msgs []types.Message

	// handoff is set when a call switched the active agent.
	handoff *handoffOutcome

	// fatal aborts the turn; set for malformed tool-call JSON.
	fatal error
}

// runToolRound records the assistant's tool-call message and executes every
// call in order. Calls after a completed handoff are skipped with an
// explanatory result so the model sees a reply for each call it made.
func (o *Orchestrator) runToolRound(ctx context.Context, sess *session.Session, v scenarioView, state *memory.SessionState, active string, sr streamResult) toolRound {
	content := strings.TrimSpace(sr.text)
	o.appendHistory(ctx, sess, memory.HistoryEntry{
		Agent:     active,
		Role:      roleAssistant,
		Text:      content,
		ToolCalls: sr.toolCalls,
	})
	round := toolRound{msgs: []types.Message{{
		Role:      roleAssistant,
		Content:   content,
		Name:      active,
		ToolCalls: sr.toolCalls,
	}}}

	for _, tc := range sr.toolCalls {
		if round.handoff != nil {
			round.msgs = append(round.msgs, o.toolResultMessage(ctx, sess, active, tc, map[string]any{
				"skipped": true,
				"reason":  "agent handoff already executed in this turn",
			}))
			continue
		}

		if target, isHandoff := handoffTarget(v, tc.Name); isHandoff {
			args, err := parseHandoffArgs(tc.Arguments)
			if err != nil {
				round.fatal = err
				return round
			}
			if args.TargetAgent == "" {
				args.TargetAgent = target
			}
			sess.Bus.Event(senderOrchestrator, events.TopicToolStart, map[string]any{
				"tool_name":    tc.Name,
				"handoff":      true,
				"target_agent": args.TargetAgent,
			})
			outcome, failure := o.performHandoff(ctx, sess, v, state, active, args)
			if outcome == nil {
				sess.Bus.Event(senderOrchestrator, events.TopicToolEnd, map[string]any{
					"tool_name":    tc.Name,
					"handoff":      true,
					"target_agent": args.TargetAgent,
					"success":      false,
				})
				round.msgs = append(round.msgs, o.toolResultMessage(ctx, sess, active, tc, map[string]any{
					"error":     failure,
					"tool_name": tc.Name,
				}))
				continue
			}
			sess.Bus.Event(senderOrchestrator, events.TopicToolEnd, map[string]any{
				"tool_name":    tc.Name,
				"handoff":      true,
				"target_agent": outcome.target,
				"handoff_type": outcome.kind,
				"success":      true,
			})
			round.msgs = append(round.msgs, o.toolResultMessage(ctx, sess, active, tc, map[string]any{
				"handoff":      true,
				"target_agent": outcome.target,
				"status":       "completed",
			}))
			round.handoff = outcome
			continue
		}

		msg, outcome, fatal := o.executeToolCall(ctx, sess, v, state, active, tc)
		if fatal != nil {
			round.fatal = fatal
			return round
		}
		round.msgs = append(round.msgs, msg)
		if outcome != nil {
			round.handoff = outcome
		}
	}
	return round
}

// executeToolCall runs one registry tool. Execution failures become the
// tool's result so the model can recover; only malformed argument JSON is
// fatal. A handoff-like result switches the agent just as a handoff tool call
// would.
func (o *Orchestrator) executeToolCall(ctx context.Context, sess *session.Session, v scenarioView, state *memory.SessionState, active string, tc types.ToolCall) (types.Message, *handoffOutcome, error) {
	args := map[string]any{}
	if strings.TrimSpace(tc.Arguments) != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return types.Message{}, nil, fmt.Errorf("orchestrator: malformed arguments for tool %s: %w", tc.Name, err)
		}
	}

	sess.Bus.Event(senderOrchestrator, events.TopicToolStart, map[string]any{
		"tool_name": tc.Name,
		"agent":     active,
	})
	res, err := o.tools.Execute(ctx, tc.Name, tool.Invocation{
		SessionID: sess.ID,
		Agent:     active,
		Args:      args,
		Profile:   state.Profile,
	})
	sess.Bus.Event(senderOrchestrator, events.TopicToolEnd, map[string]any{
		"tool_name": tc.Name,
		"agent":     active,
		"success":   err == nil,
	})
	if err != nil {
		slog.Warn("tool execution failed",
			"session_id", sess.ID, "tool", tc.Name, "error", err)
		return o.toolResultMessage(ctx, sess, active, tc, map[string]any{
			"error":     err.Error(),
			"tool_name": tc.Name,
		}), nil, nil
	}

	o.mergeSlots(ctx, sess, state, res.Slots)
	o.recordToolSummary(ctx, sess, tc.Name, res.Summary)
	if res.InterruptPlayback {
		interruptPlayback(sess)
	}

	content := res.Content
	if content == nil {
		content = map[string]any{}
	}
	msg := o.toolResultMessage(ctx, sess, active, tc, content)

	if isHandoffResult(content) {
		hargs := handoffArgs{Reason: "tool_result"}
		if t, ok := content["target_agent"].(string); ok && t != "" {
			hargs.TargetAgent = t
		} else if mapped, ok := v.handoffMap[tc.Name]; ok {
			hargs.TargetAgent = mapped
		}
		outcome, failure := o.performHandoff(ctx, sess, v, state, active, hargs)
		if outcome == nil {
			slog.Warn("handoff-like tool result did not resolve",
				"session_id", sess.ID, "tool", tc.Name, "detail", failure)
			return msg, nil, nil
		}
		return msg, outcome, nil
	}
	return msg, nil, nil
}

// toolResultMessage records the result to history and shapes it for the
// model.
func (o *Orchestrator) toolResultMessage(ctx context.Context, sess *session.Session, active string, tc types.ToolCall, content map[string]any) types.Message {
	data, err := json.Marshal(content)
	if err != nil {
		data = []byte(`{"error":"unserializable tool result"}`)
	}
	o.appendHistory(ctx, sess, memory.HistoryEntry{
		Agent:      active,
		Role:       roleTool,
		Text:       string(data),
		ToolCallID: tc.ID,
	})
	return types.Message{
		Role:       roleTool,
		Content:    string(data),
		Name:       tc.Name,
		ToolCallID: tc.ID,
	}
}

// interruptPlayback stops in-flight assistant audio from inside a tool call.
// Realtime transports interrupt at the provider; cascaded transports raise
// the session cancel signal, which also ends the tool loop for this turn.
func interruptPlayback(sess *session.Session) {
	if rt := sess.Realtime(); rt != nil {
		rt.Interrupt()
		return
	}
	sess.RequestCancel()
}

// buildTools assembles the toolset for one model call: the agent's granted
// tools minus named handoff edges, plus the generic handoff tool whenever the
// agent can switch at all.
func (o *Orchestrator) buildTools(v scenarioView, d agent.Descriptor) []types.ToolDefinition {
	names := make([]string, 0, len(d.ToolNames))
	for _, n := range d.ToolNames {
		if n == handoffToolName {
			continue
		}
		if _, isEdge := v.handoffMap[n]; isEdge {
			continue
		}
		names = append(names, n)
	}
	defs := o.tools.Definitions(names)
	if targets := handoffTargets(v, d); len(targets) > 0 {
		defs = append(defs, handoffToolDefinition(targets))
	}
	return defs
}

// UpdateScenario swaps the agent set mid-session. The next turn sees the new
// registry and handoff map; per-connection visit tracking resets for a fresh
// experience. A scenario that names a start agent always moves the
// conversation there; otherwise the current agent survives when it still
// exists, and the first agent takes over when it does not.
func (o *Orchestrator) UpdateScenario(ctx context.Context, sc *agent.Scenario) error {
	if o.closed.Load() {
		return errors.New("orchestrator: closed")
	}
	if sc == nil || len(sc.Agents) == 0 {
		return errors.New("orchestrator: scenario with at least one agent is required")
	}

	agents := make(map[string]agent.Descriptor, len(sc.Agents))
	for _, d := range sc.Agents {
		agents[d.Name] = d
	}
	names := sc.AgentNames()

	o.mu.Lock()
	previous := o.activeAgent
	next := sc.StartAgent
	if _, ok := agents[next]; !ok {
		next = ""
	}
	if next == "" {
		if _, ok := agents[previous]; ok {
			next = previous
		} else {
			next = names[0]
		}
	}
	o.agents = agents
	o.names = names
	o.handoffMap = sc.HandoffMap()
	o.generic = sc.GenericHandoffs
	o.institution = sc.InstitutionName
	o.scenario = sc.Name
	o.activeAgent = next
	o.visitedConn = make(map[string]bool)
	o.mu.Unlock()

	sess := o.sess
	sess.SetActiveAgent(next)

	// The switch persists synchronously; otherwise the next turn's state
	// load could resurrect an agent from the old scenario.
	pctx, cancel := context.WithTimeout(ctx, scenarioPersistTimeout)
	defer cancel()
	state := o.scenarioSwitchState(pctx, sess, next, names)

	slog.Info("scenario updated",
		"session_id", sess.ID, "scenario", sc.Name, "agents", len(names), "active_agent", next)
	sess.Bus.Event(senderOrchestrator, events.TopicAgentInventory, map[string]any{
		"scenario":    sc.Name,
		"agents":      names,
		"start_agent": next,
	})
	if next != previous {
		sess.Bus.Event(senderOrchestrator, events.TopicAgentChange, map[string]any{
			"from":   previous,
			"to":     next,
			"reason": "scenario_update",
		})
	}

	v := o.view()
	d := agents[next]
	o.updater.Schedule(systemPrompt(d, promptVars(v, sess, state, d), handoffTargets(v, d)), o.buildTools(v, d))
	return nil
}

// scenarioSwitchState persists the scenario switch and returns the loaded
// state for prompt rendering. Counters and the utterance window survive the
// switch; visited agents and any pending handoff do not.
func (o *Orchestrator) scenarioSwitchState(ctx context.Context, sess *session.Session, next string, names []string) *memory.SessionState {
	if sess.Store == nil {
		return &memory.SessionState{SessionID: sess.ID, ActiveAgent: next, SystemVars: map[string]any{}}
	}

	ordered := make([]string, 0, len(names))
	ordered = append(ordered, next)
	for _, n := range names {
		if n != next {
			ordered = append(ordered, n)
		}
	}
	state, err := memory.LoadSnapshot(ctx, sess.Store, sess.ID, ordered)
	if err != nil {
		slog.Warn("state load during scenario update failed", "session_id", sess.ID, "error", err)
	}

	snap := memory.Snapshot{
		ActiveAgent:         next,
		UserMessageHistory:  state.UserMessageHistory,
		TurnCount:           state.TurnCount,
		TokenCounts:         state.TokenCounts,
		ClearPendingHandoff: true,
	}
	if err := memory.PersistSnapshot(ctx, sess.Store, sess.ID, snap); err != nil {
		slog.Warn("state persist during scenario update failed", "session_id", sess.ID, "error", err)
	}

	state.ActiveAgent = next
	state.VisitedAgents = nil
	state.PendingHandoff = nil
	return state
}
