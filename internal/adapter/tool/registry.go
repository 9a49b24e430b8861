package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/tracer"
)

// defaultMaxParallel bounds ExecuteParallel when no limit is configured.
const defaultMaxParallel = 4

// Runner wraps a fallible operation, typically with retry and circuit breaking.
type Runner interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

type directRunner struct{}

func (directRunner) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type registeredTool struct {
	decl      domain.ToolDeclaration
	fn        domain.FunctionDeclaration
	validator *paramValidator
}

// Registry holds named tool declarations and dispatches calls to them.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	histMu  sync.RWMutex
	history map[string]domain.ToolResult
	order   []string

	runner      Runner
	maxParallel int
	logger      *slog.Logger
	now         func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRunner routes every handler call through r.
func WithRunner(r Runner) RegistryOption {
	return func(reg *Registry) {
		if r != nil {
			reg.runner = r
		}
	}
}

// WithMaxParallel bounds the concurrency of ExecuteParallel.
func WithMaxParallel(n int) RegistryOption {
	return func(reg *Registry) {
		if n > 0 {
			reg.maxParallel = n
		}
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:       make(map[string]*registeredTool),
		history:     make(map[string]domain.ToolResult),
		runner:      directRunner{},
		maxParallel: defaultMaxParallel,
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool, overwriting any tool with the same name. If the
// schema fails to compile, the tool is registered without validation and a
// warning is logged.
func (r *Registry) Register(decl domain.ToolDeclaration) error {
	if strings.TrimSpace(decl.Name) == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "tool name is empty")
	}
	if decl.Handler == nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput,
			fmt.Sprintf("tool %q has no handler", decl.Name))
	}

	rt := &registeredTool{decl: decl, fn: functionDeclaration(decl)}
	validator, err := compileParamSchema(rt.fn)
	if err != nil {
		r.logger.Warn("schema validation disabled for tool", "tool", decl.Name, "error", err)
	} else {
		rt.validator = validator
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[decl.Name]; exists {
		r.logger.Warn("tool re-registered, overwriting", "tool", decl.Name)
	}
	r.tools[decl.Name] = rt
	return nil
}

// Get retrieves a tool declaration by name.
func (r *Registry) Get(name string) (domain.ToolDeclaration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	if !ok {
		return domain.ToolDeclaration{}, domain.NewDomainError("Registry.Get", domain.ErrToolNotRegistered, name)
	}
	return rt.decl, nil
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all registered declarations sorted by name.
func (r *Registry) List() []domain.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ToolDeclaration, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.decl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToFunctionDeclarations returns every tool in the function-calling format,
// sorted by name.
func (r *Registry) ToFunctionDeclarations() []domain.FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.FunctionDeclaration, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks params against the named tool's schema.
func (r *Registry) Validate(toolName string, params json.RawMessage) domain.ValidationResult {
	r.mu.RLock()
	rt, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return domain.ValidationResult{Error: notRegisteredMessage(toolName)}
	}
	return validateWith(rt, params)
}

func validateWith(rt *registeredTool, params json.RawMessage) domain.ValidationResult {
	fields := rt.validator.validate(params)
	if len(fields) == 0 {
		return domain.ValidationResult{Valid: true}
	}
	ve := &domain.ValidationError{Target: rt.decl.Name, Fields: fields}
	return domain.ValidationResult{Error: ve.Error(), Fields: fields}
}

func notRegisteredMessage(name string) string {
	return fmt.Sprintf("tool %q not registered", name)
}

// Execute runs a single call. Lookup and validation failures are returned as
// failed results with a nil error. A handler failure returns the failed
// result together with a *domain.ToolExecutionError.
func (r *Registry) Execute(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	if call.ID == "" {
		call.ID = domain.NewID()
	}

	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.ToolName),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	start := r.now()
	result := domain.ToolResult{CallID: call.ID, ToolName: call.ToolName, Timestamp: start}

	r.mu.RLock()
	rt, ok := r.tools[call.ToolName]
	r.mu.RUnlock()
	if !ok {
		result.Error = notRegisteredMessage(call.ToolName)
		tracer.RecordError(span, domain.ErrToolNotRegistered)
		r.record(result)
		return result, nil
	}

	if vr := validateWith(rt, call.Params); !vr.Valid {
		result.Error = vr.Error
		tracer.RecordError(span, domain.ErrValidation)
		r.record(result)
		return result, nil
	}

	params := call.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	var data any
	err := r.runner.Execute(ctx, func(ctx context.Context) error {
		v, err := rt.decl.Handler(ctx, params)
		if err != nil {
			return err
		}
		data = v
		return nil
	})
	result.Duration = r.now().Sub(start)

	if err != nil {
		result.Error = err.Error()
		result.Retryable = classifyToolError(err)
		tracer.RecordError(span, err)
		r.logger.Warn("tool execution failed",
			"tool", call.ToolName, "call_id", call.ID, "error", err)
		r.record(result)
		return result, &domain.ToolExecutionError{Tool: call.ToolName, CallID: call.ID, Err: err}
	}

	result.Success = true
	result.Data = data
	tracer.SetOK(span)
	r.logger.Debug("tool executed",
		"tool", call.ToolName, "call_id", call.ID, "duration", result.Duration)
	r.record(result)
	return result, nil
}

// ExecuteSequence runs calls in order and stops at the first failed result.
// The returned slice holds the results produced so far.
func (r *Registry) ExecuteSequence(ctx context.Context, calls []domain.ToolCall) []domain.ToolResult {
	results := make([]domain.ToolResult, 0, len(calls))
	for _, c := range calls {
		res, _ := r.Execute(ctx, c)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results
}

// ExecuteParallel runs calls concurrently, bounded by the configured limit.
// Results are returned in input order.
func (r *Registry) ExecuteParallel(ctx context.Context, calls []domain.ToolCall) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for i, c := range calls {
		g.Go(func() error {
			results[i], _ = r.Execute(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) record(res domain.ToolResult) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	if _, exists := r.history[res.CallID]; !exists {
		r.order = append(r.order, res.CallID)
	}
	r.history[res.CallID] = res
}

// Result returns the recorded result for callID.
func (r *Registry) Result(callID string) (domain.ToolResult, bool) {
	r.histMu.RLock()
	defer r.histMu.RUnlock()
	res, ok := r.history[callID]
	return res, ok
}

// History returns all recorded results in execution order.
func (r *Registry) History() []domain.ToolResult {
	r.histMu.RLock()
	defer r.histMu.RUnlock()
	out := make([]domain.ToolResult, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.history[id])
	}
	return out
}

// ClearHistory drops all recorded results and returns how many were removed.
func (r *Registry) ClearHistory() int {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	n := len(r.history)
	r.history = make(map[string]domain.ToolResult)
	r.order = nil
	return n
}
