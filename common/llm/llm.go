// Package llm adapts model provider SDKs to one text generation interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
)

// Provider kinds for client selection.
const (
	ProviderOpenAI           = "openai"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderMock             = "mock"
)

// ErrEmptyResponse is returned when the provider answered without any text.
var ErrEmptyResponse = errors.New("empty response")

// Config holds LLM client configuration.
type Config struct {
	Provider string // openai, anthropic, openai_compatible or mock
	APIKey   string // Required for every provider except mock
	BaseURL  string // Optional for openai/anthropic, required for openai_compatible
	Model    string // Model name (e.g., "gpt-4o-mini", "claude-sonnet-4-5-20250514")
}

// Client generates one completion per call.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Model() string
	Provider() string
}

type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  *float64 // nil = model default, explicit 0 = deterministic
	// SchemaName and Schema request structured JSON output when Schema is set.
	SchemaName string
	Schema     any
}

type Response struct {
	Text             string
	FinishReason     string // "stop", "length", or the provider's raw reason
	PromptTokens     int
	CompletionTokens int
}

func (r *Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// New selects the adapter for cfg.Provider.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderMock:
		return NewMockClient(cfg.Model), nil
	case ProviderAnthropic:
		return newAnthropicClient(cfg)
	case ProviderOpenAI:
		return newOpenAIClient(cfg, ProviderOpenAI)
	case ProviderOpenAICompatible:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base URL is required for %s", cfg.Provider)
		}
		return newOpenAIClient(cfg, ProviderOpenAICompatible)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

func Temp(t float64) *float64 {
	return &t
}

// StatusCode extracts the HTTP status of a provider API error, 0 when there is none.
func StatusCode(err error) int {
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return oaErr.StatusCode
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return anErr.StatusCode
	}
	return 0
}

// IsTimeout reports deadline and network timeouts.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable reports whether another attempt against the same model can succeed.
// Rate limits, server errors, timeouts, empty output and network errors are retryable.
// Other 4xx responses and caller cancellation are not.
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		slog.DebugContext(ctx, "llm error not retryable: context cancelled")
		return false
	}
	if IsTimeout(err) || errors.Is(err, ErrEmptyResponse) {
		return true
	}

	if code := StatusCode(err); code != 0 {
		switch {
		case code == 429:
			slog.WarnContext(ctx, "llm rate limited, will retry", "status_code", code)
			return true
		case code >= 500:
			slog.WarnContext(ctx, "llm server error, will retry", "status_code", code)
			return true
		default:
			slog.ErrorContext(ctx, "llm client error, not retryable", "status_code", code)
			return false
		}
	}

	// Network errors (no API response) are generally retryable
	slog.WarnContext(ctx, "llm network error, will retry", "error", err)
	return true
}
