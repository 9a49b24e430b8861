// Package reasoning runs the plan, execute, analyze, iterate and respond
// loop that turns a query into a cited answer.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/tracer"
	"discovery-agent/internal/usecase/checkpoint"
	"discovery-agent/internal/usecase/resilience"
)

const (
	defaultMaxIterations = 3
	defaultSearchTool    = "search"
	sessionPrefix        = "session_"
)

// Tools is the registry surface the engine needs.
type Tools interface {
	Execute(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error)
	ToFunctionDeclarations() []domain.FunctionDeclaration
}

// Deps holds injected dependencies for the engine.
type Deps struct {
	Backend           domain.ModelBackend
	Tools             Tools
	Executor          *resilience.Executor // optional, nil = call the backend directly
	Logger            *slog.Logger
	Status            domain.StatusFunc    // optional
	Bus               domain.EventBus      // optional
	Checkpoints       *checkpoint.Manager  // optional, nil = no checkpoints
	Strategy          checkpoint.Strategy  // optional, defaults to PhaseBoundaryStrategy
	MaxIterations     int
	DefaultSearchTool string
	SessionPrefix     string
	Timeout           time.Duration // optional run deadline
}

// Engine drives the reasoning state machine. It is safe for concurrent runs.
type Engine struct {
	deps Deps
	now  func() time.Time
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.DefaultSearchTool == "" {
		deps.DefaultSearchTool = defaultSearchTool
	}
	if deps.SessionPrefix == "" {
		deps.SessionPrefix = sessionPrefix
	}
	if deps.Strategy == nil {
		deps.Strategy = checkpoint.PhaseBoundaryStrategy{}
	}
	return &Engine{deps: deps, now: time.Now}
}

// RunOption configures a single run.
type RunOption func(*run)

// WithSessionID pins the session id instead of generating one.
func WithSessionID(id string) RunOption {
	return func(r *run) {
		if id != "" {
			r.sessionID = id
		}
	}
}

// run is the mutable state of one query across all of its passes.
type run struct {
	sessionID   string
	query       string
	original    string
	iteration   int
	step        int
	steps       []domain.StepLog
	toolCalls   []domain.ToolCallRecord
	sources     []domain.Source
	plan        *domain.AgentPlan
	results     []domain.ToolResult
	analysis    *domain.AgentAnalysis
	response    *domain.AgentResponse
	resumedFrom string
}

// Execute answers query. Failures are reported in the result, never as a
// Go error.
func (e *Engine) Execute(ctx context.Context, query string, opts ...RunOption) domain.AgentResult {
	r := &run{
		sessionID: e.deps.SessionPrefix + domain.NewID(),
		query:     query,
		original:  query,
	}
	for _, o := range opts {
		o(r)
	}
	return e.drive(ctx, r, domain.PhasePlan)
}

// Resume continues a run from a rehydrated checkpoint context at the phase
// following the checkpointed one.
func (e *Engine) Resume(ctx context.Context, rc *domain.ResumeContext) domain.AgentResult {
	r := &run{
		sessionID:   rc.SessionID,
		query:       rc.Query,
		original:    rc.OrigQuery,
		iteration:   rc.Iteration,
		step:        rc.Step,
		steps:       append([]domain.StepLog(nil), rc.Steps...),
		toolCalls:   append([]domain.ToolCallRecord(nil), rc.ToolCalls...),
		sources:     append([]domain.Source(nil), rc.Sources...),
		plan:        rc.Plan,
		results:     rc.ToolResults,
		analysis:    rc.Analysis,
		response:    rc.Response,
		resumedFrom: rc.ResumedFrom,
	}
	if r.original == "" {
		r.original = r.query
	}
	return e.drive(ctx, r, e.resumePhase(r, rc.Phase))
}

// ResumeFrom resumes checkpoint id through resumer. The checkpoint is kept
// unless the resumed run succeeds.
func (e *Engine) ResumeFrom(ctx context.Context, resumer *checkpoint.Resumer, id string) (domain.AgentResult, error) {
	var result domain.AgentResult
	err := resumer.ResumeFromCheckpoint(ctx, id, e.continuation(&result))
	return result, err
}

// ResumeLatest resumes the most advanced checkpoint of a session.
func (e *Engine) ResumeLatest(ctx context.Context, resumer *checkpoint.Resumer, sessionID string) (domain.AgentResult, error) {
	var result domain.AgentResult
	err := resumer.ResumeFromLatest(ctx, sessionID, e.continuation(&result))
	return result, err
}

func (e *Engine) continuation(out *domain.AgentResult) checkpoint.Continuation {
	return func(ctx context.Context, rc *domain.ResumeContext) error {
		*out = e.Resume(ctx, rc)
		if !out.Success {
			return fmt.Errorf("resumed run failed: %s", out.Error)
		}
		return nil
	}
}

// resumePhase picks the phase to run after a checkpoint taken at done.
func (e *Engine) resumePhase(r *run, done domain.Phase) domain.Phase {
	switch done {
	case domain.PhasePlan:
		if r.plan != nil {
			return domain.PhaseExecute
		}
	case domain.PhaseExecute:
		if r.plan != nil {
			return domain.PhaseAnalyze
		}
	case domain.PhaseAnalyze:
		if r.analysis != nil {
			return e.afterAnalyze(r)
		}
		if r.plan != nil {
			return domain.PhaseAnalyze
		}
	case domain.PhaseIterate:
		return domain.PhasePlan
	case domain.PhaseRespond:
		if r.response != nil {
			return domain.PhaseDone
		}
		return domain.PhaseRespond
	}
	return domain.PhasePlan
}

func (e *Engine) afterAnalyze(r *run) domain.Phase {
	if r.analysis.NeedsMoreInfo && r.iteration < e.deps.MaxIterations {
		return domain.PhaseIterate
	}
	return domain.PhaseRespond
}

// drive runs the state machine from phase start until done or failure.
func (e *Engine) drive(ctx context.Context, r *run, start domain.Phase) (result domain.AgentResult) {
	began := e.now()
	if e.deps.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deps.Timeout)
		defer cancel()
	}
	ctx = domain.ContextWithSessionID(ctx, r.sessionID)

	ctx, span := tracer.StartSpan(ctx, "reasoning.execute",
		trace.WithAttributes(
			tracer.StringAttr("session.id", r.sessionID),
			tracer.StringAttr("reasoning.start_phase", string(start)),
		),
	)
	defer span.End()

	logger := e.deps.Logger.With("session_id", r.sessionID)
	logger.Info("reasoning run started", "query", r.query, "phase", start, "resumed_from", r.resumedFrom)
	e.publish(ctx, domain.EventRunStarted, r.sessionID, map[string]string{
		"query":        r.query,
		"resumed_from": r.resumedFrom,
	})

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic in reasoning engine: %v", p)
			logger.Error("reasoning run panicked", "panic", p, "stack", string(debug.Stack()))
			tracer.RecordError(span, err)
			result = e.fail(ctx, r, began, err)
		}
	}()

	phase := start
	for phase != domain.PhaseDone {
		if err := ctx.Err(); err != nil {
			tracer.RecordError(span, err)
			return e.fail(ctx, r, began, err)
		}

		next, err := e.runPhase(ctx, r, phase)
		if err != nil {
			tracer.RecordError(span, err)
			logger.Warn("reasoning run failed", "phase", phase, "error", err)
			return e.fail(ctx, r, began, err)
		}
		e.maybeCheckpoint(ctx, r, phase)
		phase = next
	}

	result = e.succeed(ctx, r, began)
	span.SetAttributes(
		tracer.IntAttr("reasoning.iterations", r.iteration),
		tracer.IntAttr("reasoning.tool_calls", len(r.toolCalls)),
	)
	tracer.SetOK(span)
	logger.Info("reasoning run completed",
		"iterations", r.iteration,
		"tool_calls", len(r.toolCalls),
		"sources", len(result.Sources),
		"duration", result.Duration,
	)
	return result
}

// runPhase executes one phase and returns the phase that follows it.
func (e *Engine) runPhase(ctx context.Context, r *run, phase domain.Phase) (domain.Phase, error) {
	ctx, span := tracer.StartSpan(ctx, "reasoning."+string(phase),
		trace.WithAttributes(tracer.IntAttr("reasoning.iteration", r.iteration)),
	)
	defer span.End()

	r.step++
	e.status(r, phase, phaseMessage(phase, r), nil)
	e.publish(ctx, domain.EventPhaseChanged, r.sessionID, map[string]any{
		"phase":     phase,
		"step":      r.step,
		"iteration": r.iteration,
	})

	var (
		next domain.Phase
		err  error
	)
	switch phase {
	case domain.PhasePlan:
		err = e.planPhase(ctx, r)
		next = domain.PhaseExecute
	case domain.PhaseExecute:
		e.executePhase(ctx, r)
		next = domain.PhaseAnalyze
	case domain.PhaseAnalyze:
		err = e.analyzePhase(ctx, r)
		if err == nil {
			next = e.afterAnalyze(r)
		}
	case domain.PhaseIterate:
		e.iteratePhase(r)
		next = domain.PhasePlan
	case domain.PhaseRespond:
		err = e.respondPhase(ctx, r)
		next = domain.PhaseDone
	default:
		err = fmt.Errorf("unknown phase %q", phase)
	}

	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return next, nil
}

func (e *Engine) planPhase(ctx context.Context, r *run) error {
	start := e.now()
	decls := e.deps.Tools.ToFunctionDeclarations()
	prompt := planPrompt(r.query, r.iteration, r.analysis, decls)

	gen, err := callBackend(ctx, e, func(ctx context.Context) (*domain.Generation, error) {
		return e.deps.Backend.GenerateWithTools(ctx, prompt, decls)
	})
	if err != nil {
		return domain.NewSubSystemError("reasoning", "plan", err, "model backend")
	}

	plan, source := e.planFromGeneration(r, gen)
	r.plan = &plan
	r.results = nil
	r.analysis = nil
	e.logStep(r, domain.PhasePlan, fmt.Sprintf("Planned %d tool call(s) (%s)", len(plan.Tools), source), plan, start)
	return nil
}

// planFromGeneration converts a backend reply into a plan. It reports which
// path produced the plan: function_call, model or default.
func (e *Engine) planFromGeneration(r *run, gen *domain.Generation) (domain.AgentPlan, string) {
	if gen != nil && gen.Kind == domain.GenerationFunctionCall && len(gen.Calls) > 0 {
		plan := domain.AgentPlan{Complexity: clamp(len(gen.Calls), 1, 10)}
		for _, c := range gen.Calls {
			params := c.Args
			if len(params) == 0 {
				params = json.RawMessage(`{}`)
			}
			plan.Steps = append(plan.Steps, "Call "+c.Name)
			plan.Tools = append(plan.Tools, domain.PlannedTool{
				Name:      c.Name,
				Params:    params,
				Rationale: "requested by model",
			})
		}
		return plan, "function_call"
	}

	content := ""
	if gen != nil {
		content = gen.Content
	}
	plan, err := parseStructured[domain.AgentPlan](content, planSchema)
	if err != nil {
		e.deps.Logger.Debug("plan output rejected, using default plan",
			"session_id", r.sessionID, "error", err)
		return e.defaultPlan(r.query), "default"
	}
	if plan.Complexity == 0 {
		plan.Complexity = clamp(len(plan.Tools), 1, 10)
	}
	return plan, "model"
}

func (e *Engine) defaultPlan(query string) domain.AgentPlan {
	params, _ := json.Marshal(map[string]string{"query": query})
	return domain.AgentPlan{
		Steps: []string{"Search for information relevant to the query"},
		Tools: []domain.PlannedTool{{
			Name:      e.deps.DefaultSearchTool,
			Params:    params,
			Rationale: "default search",
		}},
		Complexity: 3,
	}
}

// executePhase runs the planned calls in order. Failed calls are recorded
// and execution continues.
func (e *Engine) executePhase(ctx context.Context, r *run) {
	start := e.now()
	succeeded := 0
	r.results = nil

	for i, pt := range r.plan.Tools {
		call := domain.ToolCall{ToolName: pt.Name, Params: pt.Params}
		e.status(r, domain.PhaseExecute, fmt.Sprintf("Running %s (%d/%d)", pt.Name, i+1, len(r.plan.Tools)),
			map[string]any{"tool": pt.Name})
		e.publish(ctx, domain.EventToolCallStarted, r.sessionID, map[string]string{"tool": pt.Name})

		res, err := e.deps.Tools.Execute(ctx, call)
		if err != nil {
			e.deps.Logger.Warn("planned tool failed, continuing",
				"session_id", r.sessionID, "tool", pt.Name, "error", err)
		}
		e.publish(ctx, domain.EventToolCallCompleted, r.sessionID, map[string]any{
			"tool":    pt.Name,
			"call_id": res.CallID,
			"success": res.Success,
		})

		call.ID = res.CallID
		r.results = append(r.results, res)
		r.toolCalls = append(r.toolCalls, domain.ToolCallRecord{Call: call, Result: res})
		if res.Success {
			succeeded++
			r.sources = mergeSources(r.sources, harvestSources(res.Data))
		}
	}

	e.logStep(r, domain.PhaseExecute,
		fmt.Sprintf("Executed %d tool call(s), %d succeeded", len(r.plan.Tools), succeeded),
		map[string]int{"calls": len(r.plan.Tools), "succeeded": succeeded, "sources": len(r.sources)},
		start)
}

func (e *Engine) analyzePhase(ctx context.Context, r *run) error {
	start := e.now()
	var gaps []string
	if r.plan != nil {
		gaps = r.plan.ExpectedGaps
	}
	prompt := analyzePrompt(r.query, r.results, gaps)

	raw, err := callBackend(ctx, e, func(ctx context.Context) (string, error) {
		return e.deps.Backend.GenerateStructured(ctx, prompt)
	})
	if err != nil {
		return domain.NewSubSystemError("reasoning", "analyze", err, "model backend")
	}

	analysis, err := parseStructured[domain.AgentAnalysis](raw, analysisSchema)
	if err != nil {
		e.deps.Logger.Debug("analysis output rejected, using fallback",
			"session_id", r.sessionID, "error", err)
		analysis = fallbackAnalysis(r.results)
	}
	r.analysis = &analysis
	e.logStep(r, domain.PhaseAnalyze,
		fmt.Sprintf("Analyzed results (confidence %d, needs more info: %t)", analysis.Confidence, analysis.NeedsMoreInfo),
		analysis, start)
	return nil
}

func fallbackAnalysis(results []domain.ToolResult) domain.AgentAnalysis {
	var parts []string
	for _, res := range results {
		if res.Success {
			parts = append(parts, fmt.Sprintf("%s: %s", res.ToolName, quoteData(res.Data)))
		}
	}
	synthesis := "No tool returned usable results."
	if len(parts) > 0 {
		synthesis = fmt.Sprintf("Collected %d successful result(s). %s", len(parts), strings.Join(parts, "\n"))
	}
	return domain.AgentAnalysis{
		Synthesis:     synthesis,
		NeedsMoreInfo: false,
		Confidence:    70,
	}
}

func (e *Engine) iteratePhase(r *run) {
	start := e.now()
	r.iteration++
	if q := r.analysis.RefinedQuery; q != "" {
		r.query = q
	}
	e.logStep(r, domain.PhaseIterate,
		fmt.Sprintf("Starting refinement pass %d", r.iteration),
		map[string]any{"iteration": r.iteration, "query": r.query, "gaps": r.analysis.Gaps},
		start)
}

func (e *Engine) respondPhase(ctx context.Context, r *run) error {
	start := e.now()
	if r.analysis == nil {
		r.analysis = &domain.AgentAnalysis{Confidence: 0}
	}
	prompt := respondPrompt(r.original, r.analysis, r.sources)

	raw, err := callBackend(ctx, e, func(ctx context.Context) (string, error) {
		return e.deps.Backend.GenerateStructured(ctx, prompt)
	})
	if err != nil {
		return domain.NewSubSystemError("reasoning", "respond", err, "model backend")
	}

	resp, err := parseStructured[domain.AgentResponse](raw, responseSchema)
	if err != nil {
		e.deps.Logger.Debug("response output rejected, using analysis synthesis",
			"session_id", r.sessionID, "error", err)
		resp = domain.AgentResponse{
			Answer:      r.analysis.Synthesis,
			KeyFindings: r.analysis.KeyFindings,
			Confidence:  r.analysis.Confidence,
		}
	}
	r.response = &resp
	e.logStep(r, domain.PhaseRespond, "Composed final answer", resp, start)
	return nil
}

func (e *Engine) succeed(ctx context.Context, r *run, began time.Time) domain.AgentResult {
	sources := r.sources
	confidence := 0
	answer := ""
	if r.response != nil {
		answer = r.response.Answer
		confidence = r.response.Confidence
		if len(r.response.Sources) > 0 {
			sources = r.response.Sources
		}
	}

	e.status(r, domain.PhaseDone, "Completed", nil)
	if e.deps.Checkpoints != nil {
		e.deps.Checkpoints.DeleteSessionCheckpoints(ctx, r.sessionID)
	}
	e.publish(ctx, domain.EventRunCompleted, r.sessionID, map[string]any{
		"iterations": r.iteration,
		"tool_calls": len(r.toolCalls),
	})
	return e.result(r, began, true, answer, sources, confidence, "")
}

func (e *Engine) fail(ctx context.Context, r *run, began time.Time, err error) domain.AgentResult {
	msg := failureMessage(err)
	e.status(r, domain.PhaseDone, "Failed: "+msg, nil)
	e.publish(ctx, domain.EventRunFailed, r.sessionID, map[string]string{
		"error": msg,
		"code":  string(domain.ErrorCodeOf(err)),
	})
	return e.result(r, began, false, "", r.sources, 0, msg)
}

func (e *Engine) result(r *run, began time.Time, ok bool, answer string, sources []domain.Source, confidence int, errMsg string) domain.AgentResult {
	if sources == nil {
		sources = []domain.Source{}
	}
	toolCalls := r.toolCalls
	if toolCalls == nil {
		toolCalls = []domain.ToolCallRecord{}
	}
	steps := r.steps
	if steps == nil {
		steps = []domain.StepLog{}
	}
	return domain.AgentResult{
		Success:   ok,
		Response:  answer,
		Sources:   sources,
		ToolCalls: toolCalls,
		Steps:     steps,
		Duration:  e.now().Sub(began),
		Error:     errMsg,
		Metadata: domain.ResultMetadata{
			SessionID:     r.sessionID,
			Iterations:    r.iteration,
			ToolCallCount: len(toolCalls),
			Confidence:    confidence,
			ResumedFrom:   r.resumedFrom,
		},
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "run deadline exceeded"
	case errors.Is(err, context.Canceled):
		return "run cancelled"
	case errors.Is(err, domain.ErrCircuitOpen):
		return "model backend unavailable (circuit open)"
	}
	return err.Error()
}

func (e *Engine) maybeCheckpoint(ctx context.Context, r *run, phase domain.Phase) {
	if e.deps.Checkpoints == nil || !e.deps.Strategy.ShouldCheckpoint(phase, r.step) {
		return
	}
	snap := domain.PhaseSnapshot{
		Query:         r.query,
		OriginalQuery: r.original,
		Plan:          r.plan,
		Analysis:      r.analysis,
		Response:      r.response,
		Iteration:     r.iteration,
		Steps:         r.steps,
		ToolCalls:     r.toolCalls,
		Sources:       r.sources,
	}
	e.deps.Checkpoints.CreateCheckpoint(ctx, r.sessionID, r.step, phase, snap, r.results)
}

func (e *Engine) logStep(r *run, phase domain.Phase, desc string, data any, start time.Time) {
	now := e.now()
	r.steps = append(r.steps, domain.StepLog{
		Phase:       phase,
		Description: desc,
		Data:        data,
		Timestamp:   now,
		Duration:    now.Sub(start),
	})
}

// status delivers an update to the observer. A panicking observer is logged
// and ignored.
func (e *Engine) status(r *run, phase domain.Phase, msg string, details any) {
	if e.deps.Status == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			e.deps.Logger.Warn("status observer panicked", "session_id", r.sessionID, "panic", p)
		}
	}()
	e.deps.Status(domain.StatusUpdate{
		Step:      r.step,
		Phase:     phase,
		Progress:  phaseProgress(phase),
		Message:   msg,
		Details:   details,
		SessionID: r.sessionID,
		Timestamp: e.now(),
	})
}

func (e *Engine) publish(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	if e.deps.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	e.deps.Bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: e.now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}

// callBackend runs fn through the executor when one is configured.
func callBackend[T any](ctx context.Context, e *Engine, fn func(ctx context.Context) (T, error)) (T, error) {
	if e.deps.Executor == nil {
		return fn(ctx)
	}
	return resilience.Run(ctx, e.deps.Executor, fn)
}

func phaseProgress(p domain.Phase) int {
	switch p {
	case domain.PhasePlan:
		return 10
	case domain.PhaseExecute:
		return 35
	case domain.PhaseAnalyze:
		return 65
	case domain.PhaseIterate:
		return 75
	case domain.PhaseRespond:
		return 90
	case domain.PhaseDone:
		return 100
	}
	return 0
}

func phaseMessage(p domain.Phase, r *run) string {
	switch p {
	case domain.PhasePlan:
		return "Planning research approach"
	case domain.PhaseExecute:
		return "Executing planned tools"
	case domain.PhaseAnalyze:
		return "Analyzing results"
	case domain.PhaseIterate:
		return fmt.Sprintf("Refining query (pass %d)", r.iteration+1)
	case domain.PhaseRespond:
		return "Composing answer"
	}
	return string(p)
}
