// Package engine implements the per-conversation state machine: prompt
// priming, the alternating turn loop, convergence-driven termination, and the
// typed event stream written to the conversation's log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pidginlab/pidgin/internal/backoff"
	"github.com/pidginlab/pidgin/internal/config"
	"github.com/pidginlab/pidgin/internal/events"
	"github.com/pidginlab/pidgin/internal/metrics"
	"github.com/pidginlab/pidgin/internal/observability"
	"github.com/pidginlab/pidgin/internal/providers"
	"github.com/pidginlab/pidgin/internal/ratelimit"
)

// Termination reasons recorded in conversation_ended events.
const (
	ReasonMaxTurns         = "max_turns"
	ReasonConvergence      = "convergence"
	ReasonProviderFatal    = "provider_fatal"
	ReasonContextExhausted = "context_exhausted"
	ReasonInterrupted      = "interrupted"
)

// rateLimitVisibleWait is the minimum limiter pause that becomes a
// rate_limit_paused event.
const rateLimitVisibleWait = 250 * time.Millisecond

// Options wires a conversation engine to its collaborators. The caller owns
// the event log and closes it after Run returns.
type Options struct {
	ConversationID string
	ExperimentID   string
	Config         *config.ExperimentConfig
	ProviderA      providers.Provider
	ProviderB      providers.Provider
	Limiter        *ratelimit.Limiter
	Profile        metrics.Profile
	Log            *events.Log
	StatePath      string
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// Result summarizes a terminated conversation.
type Result struct {
	ConversationID   string
	Status           string
	Reason           string
	TotalTurns       int
	FinalConvergence float64
	Duration         time.Duration
	InputTokens      int
	OutputTokens     int
	ChosenNameA      string
	ChosenNameB      string
}

type agentRuntime struct {
	id           string
	model        string
	providerName string
	provider     providers.Provider
	temperature  *float64
	systemPrompt string
	chosenName   string
}

type transcriptMessage struct {
	agentID string
	content string
}

// fatalError carries the conversation_ended reason for unrecoverable provider
// failures.
type fatalError struct {
	reason string
	err    error
}

func (e *fatalError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *fatalError) Unwrap() error { return e.err }

// Engine drives one conversation to termination. Not safe for concurrent use;
// each conversation owns exactly one engine.
type Engine struct {
	opts    Options
	cfg     *config.ExperimentConfig
	agents  map[string]*agentRuntime
	order   [2]string
	calc    *metrics.Calculator
	retry   backoff.Policy
	seed    string
	started time.Time

	transcript   []transcriptMessage
	totalTurns   int
	lastOverall  float64
	inputTokens  int
	outputTokens int

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an engine from resolved options. The config must already be
// resolved and validated.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Log == nil || opts.Limiter == nil {
		return nil, errors.New("engine: config, log, and limiter are required")
	}
	if opts.ProviderA == nil || opts.ProviderB == nil {
		return nil, errors.New("engine: both provider adapters are required")
	}
	if opts.Config.MaxTurns == nil {
		return nil, errors.New("engine: config is not resolved (max_turns unset)")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	cfg := opts.Config
	e := &Engine{
		opts:   opts,
		cfg:    cfg,
		calc:   metrics.NewCalculator(opts.Profile),
		retry:  backoff.ProviderRetryPolicy(),
		seed:   InitialMessage(cfg),
		agents: map[string]*agentRuntime{},
		now:    time.Now,
		sleep:  sleepCtx,
	}
	e.agents[config.AgentA] = &agentRuntime{
		id:           config.AgentA,
		model:        cfg.AgentAModel,
		providerName: opts.ProviderA.Name(),
		provider:     opts.ProviderA,
		temperature:  cfg.TemperatureA,
		systemPrompt: SystemPrompt(cfg, config.AgentA),
	}
	e.agents[config.AgentB] = &agentRuntime{
		id:           config.AgentB,
		model:        cfg.AgentBModel,
		providerName: opts.ProviderB.Name(),
		provider:     opts.ProviderB,
		temperature:  cfg.TemperatureB,
		systemPrompt: SystemPrompt(cfg, config.AgentB),
	}
	e.order = [2]string{cfg.FirstSpeaker, config.OtherAgent(cfg.FirstSpeaker)}
	return e, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run drives the conversation to TERMINATED and returns its summary. The
// returned error is non-nil only for infrastructure failures (the event log
// refusing writes); provider failures and cancellation are regular outcomes
// reported in the Result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.started = e.now()
	ctx = observability.WithConversationID(ctx, e.opts.ConversationID)

	if err := e.append(events.New(events.TypeConversationStarted, map[string]any{
		"conversation_id": e.opts.ConversationID,
		"experiment_id":   e.opts.ExperimentID,
		"agent_a_model":   e.cfg.AgentAModel,
		"agent_b_model":   e.cfg.AgentBModel,
		"max_turns":       *e.cfg.MaxTurns,
		"first_speaker":   e.cfg.FirstSpeaker,
	})); err != nil {
		return nil, err
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.ActiveConversations.Inc()
		defer e.opts.Metrics.ActiveConversations.Dec()
	}
	e.writeState(events.ConvRunning, "")

	if err := e.prime(ctx); err != nil {
		return e.terminate(ctx, err)
	}

	for turn := 0; turn < *e.cfg.MaxTurns; turn++ {
		spoken := map[string]string{}
		for _, id := range e.order {
			text, err := e.speak(ctx, e.agents[id], turn)
			if err != nil {
				return e.terminate(ctx, err)
			}
			spoken[id] = text
			e.transcript = append(e.transcript, transcriptMessage{agentID: id, content: text})
		}

		rec := e.calc.Record(turn, spoken[config.AgentA], spoken[config.AgentB])
		e.totalTurns = turn + 1
		e.lastOverall = rec.Convergence.Overall
		if err := e.append(events.New(events.TypeTurnCompleted, map[string]any{
			"turn":             turn,
			"metrics_snapshot": rec,
			"convergence":      rec.Convergence.Overall,
		})); err != nil {
			return nil, err
		}
		if e.opts.Metrics != nil {
			e.opts.Metrics.ConvergenceScore.Observe(rec.Convergence.Overall)
		}
		e.writeState(events.ConvRunning, "")

		if stop, err := e.checkConvergence(ctx, turn, rec.Convergence.Overall); err != nil {
			return nil, err
		} else if stop {
			return e.finish(events.ConvCompleted, ReasonConvergence)
		}
	}
	return e.finish(events.ConvCompleted, ReasonMaxTurns)
}

// prime composes and logs system prompts and runs the optional name-selection
// sub-protocol before the first content turn.
func (e *Engine) prime(ctx context.Context) error {
	for _, id := range []string{config.AgentA, config.AgentB} {
		ag := e.agents[id]
		if ag.temperature != nil {
			clamped, was := providers.ClampTemperature(ag.providerName, *ag.temperature)
			if was {
				e.opts.Logger.Warn(ctx, "temperature clamped to provider range",
					"agent_id", id, "requested", *ag.temperature, "effective", clamped)
			}
			ag.temperature = &clamped
		}
		if err := e.append(events.New(events.TypeSystemPrompt, map[string]any{
			"agent_id": id,
			"content":  ag.systemPrompt,
		})); err != nil {
			return err
		}
	}

	if !e.cfg.ChooseNames {
		return nil
	}
	for _, id := range []string{config.AgentA, config.AgentB} {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.chooseName(ctx, e.agents[id])
	}
	return nil
}

// chooseName runs the one-shot naming exchange. Any failure leaves the agent
// unnamed; it never fails the conversation.
func (e *Engine) chooseName(ctx context.Context, ag *agentRuntime) {
	req := e.buildRequest(ag, []providers.Message{{Role: providers.RoleUser, Content: namePrompt}})
	text, _, _, err := e.consume(ctx, ag, -1, req, false)
	if err != nil {
		e.opts.Logger.Warn(ctx, "name selection failed", "agent_id", ag.id, "error", err)
		return
	}
	name := ParseChosenName(text)
	if name == "" {
		return
	}
	ag.chosenName = name
	if err := e.append(events.New(events.TypeNameChosen, map[string]any{
		"agent_id": ag.id,
		"name":     name,
	})); err != nil {
		e.opts.Logger.Warn(ctx, "failed to record chosen name", "agent_id", ag.id, "error", err)
	}
}

// speak produces one agent's message for a turn, applying rate limiting and
// the per-turn retry policy.
func (e *Engine) speak(ctx context.Context, ag *agentRuntime, turn int) (string, error) {
	history := e.historyFor(ag)
	if err := e.acquire(ctx, ag, history); err != nil {
		return "", err
	}

	if err := e.append(events.New(events.TypeMessageRequested, map[string]any{
		"agent_id":        ag.id,
		"turn":            turn,
		"request_summary": fmt.Sprintf("%s model=%s messages=%d", ag.providerName, ag.model, len(history)),
	})); err != nil {
		return "", err
	}

	attempts := map[providers.Category]int{}
	truncated := false
	for {
		start := e.now()
		text, in, out, err := e.consume(ctx, ag, turn, e.buildRequest(ag, history), true)
		if err == nil {
			e.opts.Limiter.ReportSuccess(ag.providerName)
			e.recordUsage(ag, in, out, e.now().Sub(start), true)
			if err := e.append(events.New(events.TypeMessageCompleted, map[string]any{
				"agent_id":      ag.id,
				"turn":          turn,
				"content":       text,
				"input_tokens":  in,
				"output_tokens": out,
				"duration_ms":   e.now().Sub(start).Milliseconds(),
			})); err != nil {
				return "", err
			}
			return text, nil
		}
		if ctx.Err() != nil {
			// No message_completed for the in-flight message; chunks
			// already appended stay in the log.
			return "", ctx.Err()
		}
		e.recordUsage(ag, 0, 0, e.now().Sub(start), false)

		perr := providers.AsError(ag.providerName, ag.model, err)
		var rateDelay time.Duration
		if perr.Category == providers.CategoryRateLimited {
			rateDelay = e.opts.Limiter.ReportRateLimited(ag.providerName)
		}

		// retrying is the engine's decision for this failure, so the last
		// provider_error of a request always carries retryable=false.
		retrying := false
		switch perr.Category {
		case providers.CategoryContextLength:
			retrying = e.cfg.AllowTruncation && !truncated && len(e.transcript) >= 2
		case providers.CategoryRateLimited, providers.CategoryTransient, providers.CategoryUnknown:
			retrying = attempts[perr.Category] < e.retryBudget(perr.Category)
		}

		if aerr := e.append(events.New(events.TypeProviderError, map[string]any{
			"agent_id":  ag.id,
			"provider":  ag.providerName,
			"message":   perr.Message,
			"retryable": retrying,
			"category":  string(perr.Category),
		})); aerr != nil {
			return "", aerr
		}

		if !retrying {
			if perr.Category == providers.CategoryContextLength {
				return "", &fatalError{reason: ReasonContextExhausted, err: perr}
			}
			return "", &fatalError{reason: ReasonProviderFatal, err: perr}
		}

		switch perr.Category {
		case providers.CategoryContextLength:
			e.truncateOldestPair()
			truncated = true
			history = e.historyFor(ag)
			e.opts.Logger.Info(ctx, "truncated oldest message pair after context overflow",
				"agent_id", ag.id, "turn", turn)
		case providers.CategoryRateLimited:
			attempts[perr.Category]++
			if rateDelay >= rateLimitVisibleWait {
				if aerr := e.append(events.New(events.TypeRateLimitPaused, map[string]any{
					"agent_id": ag.id,
					"provider": ag.providerName,
					"delay_ms": rateDelay.Milliseconds(),
				})); aerr != nil {
					return "", aerr
				}
			}
			if serr := e.sleep(ctx, rateDelay); serr != nil {
				return "", serr
			}
		default:
			if serr := e.sleep(ctx, e.retry.Delay(attempts[perr.Category])); serr != nil {
				return "", serr
			}
			attempts[perr.Category]++
		}
	}
}

// retryBudget returns the per-turn retry cap for a retryable category.
// Unknown errors are treated as transient under a smaller cap.
func (e *Engine) retryBudget(cat providers.Category) int {
	if cat == providers.CategoryUnknown {
		return 2
	}
	return 3
}

// acquire blocks on the rate limiter and surfaces visible waits as events.
func (e *Engine) acquire(ctx context.Context, ag *agentRuntime, history []providers.Message) error {
	chars := len(ag.systemPrompt)
	for _, m := range history {
		chars += len(m.Content)
	}
	waited, err := e.opts.Limiter.Acquire(ctx, ag.providerName, e.opts.Limiter.EstimateTokens(chars))
	if err != nil {
		return err
	}
	if e.opts.Metrics != nil && waited > 0 {
		e.opts.Metrics.RateLimitWaitSeconds.WithLabelValues(ag.providerName).Add(waited.Seconds())
	}
	if waited < rateLimitVisibleWait {
		return nil
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.RateLimitWaits.WithLabelValues(ag.providerName).Inc()
	}
	return e.append(events.New(events.TypeRateLimitPaused, map[string]any{
		"agent_id": ag.id,
		"provider": ag.providerName,
		"delay_ms": waited.Milliseconds(),
	}))
}

// consume runs one provider request and drains its stream, emitting
// message_chunk deltas when asked to.
func (e *Engine) consume(ctx context.Context, ag *agentRuntime, turn int, req *providers.Request, emitChunks bool) (text string, in, out int, err error) {
	ch, err := ag.provider.Generate(ctx, req)
	if err != nil {
		return "", 0, 0, err
	}
	var full []byte
	for chunk := range ch {
		if chunk.Err != nil {
			return "", 0, 0, chunk.Err
		}
		if chunk.Text != "" {
			full = append(full, chunk.Text...)
			if emitChunks {
				if aerr := e.append(events.New(events.TypeMessageChunk, map[string]any{
					"agent_id": ag.id,
					"turn":     turn,
					"delta":    chunk.Text,
				})); aerr != nil {
					return "", 0, 0, aerr
				}
			}
		}
		if chunk.Done {
			in, out = chunk.InputTokens, chunk.OutputTokens
		}
	}
	if err := ctx.Err(); err != nil {
		return "", 0, 0, err
	}
	return string(full), in, out, nil
}

func (e *Engine) buildRequest(ag *agentRuntime, history []providers.Message) *providers.Request {
	req := &providers.Request{
		Model:        ag.model,
		SystemPrompt: ag.systemPrompt,
		History:      history,
		Temperature:  ag.temperature,
	}
	if e.cfg.Think && ag.provider.SupportsThinking() && e.cfg.ThinkBudget != nil {
		req.ThinkingBudget = *e.cfg.ThinkBudget
	}
	return req
}

// historyFor builds the interleaved history from one agent's perspective: its
// own prior messages as assistant, the counterpart's as user, with the seed
// message shown to the first speaker at position 0.
func (e *Engine) historyFor(ag *agentRuntime) []providers.Message {
	msgs := make([]providers.Message, 0, len(e.transcript)+1)
	if ag.id == e.cfg.FirstSpeaker {
		msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: e.seed})
	}
	for _, m := range e.transcript {
		role := providers.RoleUser
		if m.agentID == ag.id {
			role = providers.RoleAssistant
		}
		msgs = append(msgs, providers.Message{Role: role, Content: m.content})
	}
	return msgs
}

// truncateOldestPair drops the oldest exchanged message pair. The seed and
// system prompts are never dropped.
func (e *Engine) truncateOldestPair() bool {
	if len(e.transcript) < 2 {
		return false
	}
	e.transcript = e.transcript[2:]
	return true
}

// checkConvergence applies the stopping rule after a completed turn. Returns
// true when the conversation should terminate with reason convergence.
func (e *Engine) checkConvergence(ctx context.Context, turn int, score float64) (bool, error) {
	if e.cfg.ConvergenceThreshold == nil {
		return false, nil
	}
	threshold := *e.cfg.ConvergenceThreshold
	if score < threshold {
		return false, nil
	}
	action := e.cfg.ConvergenceAction
	if action == "" {
		action = config.ConvergenceStop
	}
	if err := e.append(events.New(events.TypeConvergenceReached, map[string]any{
		"turn":      turn,
		"score":     score,
		"threshold": threshold,
		"action":    action,
	})); err != nil {
		return false, err
	}
	if action == config.ConvergenceWarn {
		e.opts.Logger.Warn(ctx, "convergence threshold reached, continuing",
			"turn", turn, "score", score, "threshold", threshold)
		return false, nil
	}
	return true, nil
}

// terminate maps a turn-loop error to the terminal event. Cancellation becomes
// interrupted; fatal provider errors become failed with their reason.
func (e *Engine) terminate(ctx context.Context, cause error) (*Result, error) {
	var fatal *fatalError
	switch {
	case errors.As(cause, &fatal):
		e.opts.Logger.Error(ctx, "conversation failed", "reason", fatal.reason, "error", fatal.err)
		return e.finish(events.ConvFailed, fatal.reason)
	case errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded):
		return e.finish(events.ConvInterrupted, ReasonInterrupted)
	default:
		// Infrastructure failure writing to the log; nothing further can
		// be recorded.
		return nil, cause
	}
}

// finish emits conversation_ended, writes the final state snapshot, and
// returns the conversation summary.
func (e *Engine) finish(status, reason string) (*Result, error) {
	duration := e.now().Sub(e.started)
	err := e.append(events.New(events.TypeConversationEnded, map[string]any{
		"status":      status,
		"reason":      reason,
		"total_turns": e.totalTurns,
		"duration_ms": duration.Milliseconds(),
		"token_totals": map[string]any{
			"input":  e.inputTokens,
			"output": e.outputTokens,
		},
	}))
	if err != nil {
		return nil, err
	}
	e.writeState(status, reason)
	if e.opts.Metrics != nil {
		e.opts.Metrics.ConversationsEnded.WithLabelValues(status).Inc()
	}
	return &Result{
		ConversationID:   e.opts.ConversationID,
		Status:           status,
		Reason:           reason,
		TotalTurns:       e.totalTurns,
		FinalConvergence: e.lastOverall,
		Duration:         duration,
		InputTokens:      e.inputTokens,
		OutputTokens:     e.outputTokens,
		ChosenNameA:      e.agents[config.AgentA].chosenName,
		ChosenNameB:      e.agents[config.AgentB].chosenName,
	}, nil
}

func (e *Engine) append(ev events.Event) error {
	return e.opts.Log.Append(ev)
}

// writeState rewrites the state.json sidecar. Failures are logged, not fatal;
// the event log remains the authority.
func (e *Engine) writeState(status, reason string) {
	if e.opts.StatePath == "" {
		return
	}
	st := events.ConversationState{
		ConversationID:    e.opts.ConversationID,
		ExperimentID:      e.opts.ExperimentID,
		AgentAModel:       e.cfg.AgentAModel,
		AgentBModel:       e.cfg.AgentBModel,
		Status:            status,
		StartedAt:         e.started.UTC(),
		TotalTurns:        e.totalTurns,
		LastConvergence:   e.lastOverall,
		ConvergenceReason: reason,
		ChosenNameA:       e.agents[config.AgentA].chosenName,
		ChosenNameB:       e.agents[config.AgentB].chosenName,
		UpdatedAt:         e.now().UTC(),
	}
	if status == events.ConvCompleted || status == events.ConvFailed || status == events.ConvInterrupted {
		st.EndedAt = e.now().UTC()
	}
	if err := events.WriteJSON(e.opts.StatePath, st); err != nil {
		e.opts.Logger.Warn(context.Background(), "state snapshot write failed",
			"conversation_id", e.opts.ConversationID, "error", err)
	}
}

func (e *Engine) recordUsage(ag *agentRuntime, in, out int, d time.Duration, ok bool) {
	e.inputTokens += in
	e.outputTokens += out
	if e.opts.Metrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	e.opts.Metrics.ProviderRequests.WithLabelValues(ag.providerName, status).Inc()
	e.opts.Metrics.ProviderRequestDuration.WithLabelValues(ag.providerName).Observe(d.Seconds())
	if in > 0 {
		e.opts.Metrics.TokensUsed.WithLabelValues(ag.providerName, "input").Add(float64(in))
	}
	if out > 0 {
		e.opts.Metrics.TokensUsed.WithLabelValues(ag.providerName, "output").Add(float64(out))
	}
}
