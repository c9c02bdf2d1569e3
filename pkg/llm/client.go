// Package llm is the multi-provider chat-completion adapter. One provider
// enum selects a request-body template and a response-parsing path at
// startup; all three
// providers share the retry policy (withRetry), token-usage reporting, and
// the raw request/response logger.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/rawlog"
)

// Role mirrors the OpenAI-shaped role vocabulary messages.jsonl/current.jsonl use.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the wire shape of one entry in a chat-completion request body.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string // for role=tool, identifies which call this answers
	ToolName   string // for role=tool
	ToolCalls  []ToolCall
}

// ToolDefinition is one function-calling schema entry offered to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON schema, serialized
}

// ToolCall is a model-requested function invocation, carried on an assistant message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON or key:value text, provider-dependent
}

// Usage reports provider-stated token consumption for one completion.
// The run's statistics never read it — the internal estimator is the
// canonical ledger — so it is kept for diagnostics only.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatRequest is a provider-agnostic chat-completion call.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition // nil/empty = no function calling for this call
}

// ChatResponse is the provider-agnostic result of a chat-completion call.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ErrEmptyReply signals a 200 response with no usable content or tool
// calls; callers treat this as "empty reply", not a Go error.
var ErrEmptyReply = errors.New("llm: empty reply")

// Client sends chat-completion requests to the single configured provider.
type Client interface {
	// Complete sends req and returns the parsed response. A non-nil error is
	// the provider adapter's own failure to complete the HTTP exchange
	// (non-200 after retries exhausted, transport failure, timeout), or
	// ErrEmptyReply for a 200 with no content and no tool calls; the
	// coordinator classifies it and decides whether to retry or fail.
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// New builds the Client for cfg.Provider. The returned client retries
// transient HTTP failures (5xx, connection errors, timeouts) with
// exponential backoff; non-retryable failures (4xx, malformed config)
// surface immediately.
func New(cfg config.LLMConfig, logger *rawlog.Logger) (Client, error) {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		if cfg.OpenAIModel == "" {
			return nil, fmt.Errorf("llm: openai provider requires a model")
		}
		return &openAIClient{
			httpClient: httpClient,
			baseURL:    cfg.OpenAIBaseURL,
			apiKey:     cfg.OpenAIAPIKey,
			model:      cfg.OpenAIModel,
			provider:   string(config.ProviderOpenAI),
			logger:     logger,
		}, nil

	case config.ProviderLMStudio:
		if cfg.LMStudioModel == "" {
			return nil, fmt.Errorf("llm: lmstudio provider requires a model")
		}
		return &openAIClient{
			httpClient: httpClient,
			baseURL:    cfg.LMStudioBaseURL,
			apiKey:     "",
			model:      cfg.LMStudioModel,
			provider:   string(config.ProviderLMStudio),
			logger:     logger,
		}, nil

	case config.ProviderOllama:
		if cfg.OllamaModel == "" {
			return nil, fmt.Errorf("llm: ollama provider requires a model")
		}
		return &ollamaClient{
			httpClient: httpClient,
			endpoint:   cfg.OllamaEndpoint,
			model:      cfg.OllamaModel,
			provider:   string(config.ProviderOllama),
			logger:     logger,
		}, nil

	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// withRetry runs op with exponential backoff, retrying only when
// isRetryable(err) is true — an explicit classification function rather
// than a blanket retry-all.
func withRetry(ctx context.Context, op func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, 3), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// isRetryable classifies an HTTP round-trip failure as transient (5xx,
// connection reset/refused, timeout) or permanent (4xx, malformed body).
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	return false
}

// httpStatusError wraps a non-200 response so isRetryable can branch on it
// without string-matching the error message.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("llm: provider returned status %d: %s", e.StatusCode, e.Body)
}
