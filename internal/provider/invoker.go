package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevenhsu/llmbook-sub003/common/llm"
	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/internal/events"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

const (
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxRetries     = 2
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 4 * time.Second
)

var errClientPanic = errors.New("client panic")

// RegistrySource yields the route table of the currently active policy.
type RegistrySource func(ctx context.Context) (*Registry, error)

func StaticRegistry(r *Registry) RegistrySource {
	return func(context.Context) (*Registry, error) { return r, nil }
}

type Config struct {
	AttemptTimeout time.Duration
	// MaxRetries is the number of extra attempts per target after the first.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type InvokeRequest struct {
	TaskType        model.TaskType
	SystemPrompt    string
	Prompt          string
	MaxOutputTokens int
	SchemaName      string
	Schema          any
	RouteOverride   *Route
}

type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// InvocationResult describes one call through the fallback chain. Provider
// failures land in Error; Invoke never returns a Go error.
type InvocationResult struct {
	ProviderID   string   `json:"provider_id"`
	ModelID      string   `json:"model_id"`
	UsedFallback bool     `json:"used_fallback"`
	Path         []string `json:"path"`
	FinishReason string   `json:"finish_reason,omitempty"`
	Text         string   `json:"text,omitempty"`
	Usage        Usage    `json:"usage"`
	Attempts     int      `json:"attempts"`
	LatencyMs    int64    `json:"latency_ms"`
	Error        string   `json:"error,omitempty"`
}

func (r InvocationResult) Failed() bool {
	return r.Error != ""
}

type Invoker struct {
	registry RegistrySource
	clients  ClientFactory
	sink     events.Sink
	cfg      Config
}

func NewInvoker(registry RegistrySource, clients ClientFactory, sink events.Sink, cfg Config) *Invoker {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Invoker{
		registry: registry,
		clients:  clients,
		sink:     events.Safe(sink),
		cfg:      cfg,
	}
}

// Invoke runs the primary target with retries, then the secondary if the
// primary exhausted its attempts. Targets are tried sequentially.
func (inv *Invoker) Invoke(ctx context.Context, req InvokeRequest) (result InvocationResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "provider invoke panicked", "panic", r, "task_type", req.TaskType)
			result.Text = ""
			result.Error = fmt.Sprintf("provider invoke panic: %v", r)
		}
		result.LatencyMs = time.Since(start).Milliseconds()
	}()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		TaskType:  logger.Ptr(string(req.TaskType)),
		Component: "governor.provider.invoker",
	})

	reg, err := inv.registry(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("load route table: %v", err)
		return result
	}
	route, err := reg.Resolve(req.TaskType, req.RouteOverride)
	if err != nil {
		result.Error = fmt.Sprintf("resolve route: %v", err)
		return result
	}

	targets := []Target{route.Primary}
	if route.Secondary != nil {
		targets = append(targets, *route.Secondary)
	}

	var lastErr error
	for i, target := range targets {
		fallback := i > 0
		result.Path = append(result.Path, target.ProviderID)
		result.ProviderID = target.ProviderID
		result.ModelID = target.ModelID
		result.UsedFallback = fallback

		resp, attempts, err := inv.runTarget(ctx, reg, target, req, fallback)
		result.Attempts += attempts
		if err == nil {
			result.Text = resp.Text
			result.FinishReason = resp.FinishReason
			result.Usage = Usage{
				Input:  resp.PromptTokens,
				Output: resp.CompletionTokens,
				Total:  resp.TotalTokens(),
			}
			return result
		}

		lastErr = err
		slog.WarnContext(ctx, "provider target failed",
			"provider_id", target.ProviderID,
			"model_id", target.ModelID,
			"attempts", attempts,
			"fallback", fallback,
			"error", err)
		if ctx.Err() != nil {
			break
		}
	}

	result.Error = lastErr.Error()
	return result
}

// runTarget retries one target with exponential backoff until it succeeds,
// fails permanently or runs out of attempts.
func (inv *Invoker) runTarget(ctx context.Context, reg *Registry, target Target, req InvokeRequest, fallback bool) (resp *llm.Response, attempts int, err error) {
	span := logger.StartSpan(ctx, "provider.invoke_target", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("provider.id", target.ProviderID),
		attribute.String("provider.model_id", target.ModelID),
		attribute.Bool("provider.fallback", fallback),
	)
	defer func() {
		span.SetAttributes(attribute.Int("provider.attempts", attempts))
		span.Fail(err)
		span.End()
	}()
	ctx = span.Context()

	p, ok := reg.Provider(target.ProviderID)
	if !ok {
		return nil, 0, fmt.Errorf("%w %q", ErrUnknownProvider, target.ProviderID)
	}
	m, ok := reg.Model(target.ModelID)
	if !ok {
		return nil, 0, fmt.Errorf("%w %q", ErrUnknownModel, target.ModelID)
	}
	if !p.Enabled {
		inv.emit(ctx, target, req.TaskType, 1, fallback, 0, events.OutcomeError, ErrProviderDisabled)
		return nil, 1, fmt.Errorf("%s: %w", p.ID, ErrProviderDisabled)
	}
	client, err := inv.clients.Client(p, m)
	if err != nil {
		inv.emit(ctx, target, req.TaskType, 1, fallback, 0, events.OutcomeError, err)
		return nil, 1, err
	}

	llmReq := llm.Request{
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.Prompt,
		MaxTokens:    req.MaxOutputTokens,
		Temperature:  m.Temperature,
		SchemaName:   req.SchemaName,
		Schema:       req.Schema,
	}
	if llmReq.MaxTokens == 0 {
		llmReq.MaxTokens = m.MaxOutputTokens
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = inv.cfg.InitialBackoff
	b.MaxInterval = inv.cfg.MaxBackoff

	attempt := 0
	op := func() (*llm.Response, error) {
		attempt++
		resp, err := inv.attempt(ctx, client, target, req.TaskType, llmReq, attempt, fallback)
		if err != nil {
			if errors.Is(err, errClientPanic) || !llm.IsRetryable(ctx, err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}

	resp, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(inv.cfg.MaxRetries+1)),
	)
	return resp, attempt, err
}

func (inv *Invoker) attempt(ctx context.Context, client llm.Client, target Target, taskType model.TaskType, req llm.Request, attempt int, fallback bool) (resp *llm.Response, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, inv.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", errClientPanic, r)
			}
		}()
		resp, err = client.Generate(attemptCtx, req)
	}()
	latency := time.Since(start).Milliseconds()

	if err == nil && (resp == nil || resp.Text == "") {
		err = llm.ErrEmptyResponse
	}
	if err == nil {
		inv.emit(ctx, target, taskType, attempt, fallback, latency, events.OutcomeSuccess, nil)
		return resp, nil
	}

	// The attempt deadline firing is a timeout even if the SDK reports it as a plain network error.
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !llm.IsTimeout(err) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}

	outcome := events.OutcomeError
	switch {
	case errors.Is(err, llm.ErrEmptyResponse):
		outcome = events.OutcomeEmpty
	case llm.IsTimeout(err):
		outcome = events.OutcomeTimeout
	}
	inv.emit(ctx, target, taskType, attempt, fallback, latency, outcome, err)
	return nil, err
}

func connectivityRequest() llm.Request {
	return llm.Request{UserPrompt: connectivityPrompt, MaxTokens: 8, Temperature: llm.Temp(0)}
}

func (inv *Invoker) emit(ctx context.Context, target Target, taskType model.TaskType, attempt int, fallback bool, latency int64, outcome events.ProviderOutcome, err error) {
	e := events.ProviderRuntimeEvent{
		ProviderID: target.ProviderID,
		ModelID:    target.ModelID,
		TaskType:   taskType,
		Attempt:    attempt,
		Fallback:   fallback,
		LatencyMs:  latency,
		Outcome:    outcome,
		At:         time.Now().UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	_ = inv.sink.Record(ctx, e)
}
