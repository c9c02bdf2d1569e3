package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/taskagent/runtime/pkg/rawlog"
)

// ollamaClient speaks Ollama's native chat wire format: a single
// `{message:{role,content}}` object rather than OpenAI's `choices`
// array. Ollama's tool-calling convention nests arguments as a JSON
// object already, not a string, so ollamaFunctionCallFields.Arguments is a
// json.RawMessage rather than the OpenAI adapter's string.
type ollamaClient struct {
	httpClient *http.Client
	endpoint   string
	model      string
	provider   string
	logger     *rawlog.Logger
}

type ollamaRequestBody struct {
	Model    string            `json:"model"`
	Messages []ollamaMessage   `json:"messages"`
	Stream   bool              `json:"stream"`
	Tools    []ollamaToolEntry `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string             `json:"role"`
	Content   string             `json:"content"`
	ToolName  string             `json:"name,omitempty"`
	ToolCalls []ollamaToolCall   `json:"tool_calls,omitempty"`
}

type ollamaToolEntry struct {
	Type     string                 `json:"type"`
	Function ollamaFunctionSchema   `json:"function"`
}

type ollamaFunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCallFields `json:"function"`
}

type ollamaFunctionCallFields struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaResponseBody struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (c *ollamaClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := ollamaRequestBody{
		Model:    c.model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   false,
	}
	for _, tool := range req.Tools {
		schema := json.RawMessage(tool.ParametersSchema)
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, ollamaToolEntry{
			Type: "function",
			Function: ollamaFunctionSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	if c.logger != nil {
		c.logger.LogRequest(c.provider, c.model, toRawLogMessages(req.Messages), toRawLogTools(req.Tools), nil)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal ollama request: %w", err)
	}

	var parsed ollamaResponseBody
	statusCode, err := c.postJSON(ctx, payload, &parsed)
	if c.logger != nil {
		if err != nil {
			c.logger.LogError(c.provider, err, nil)
		} else {
			c.logger.LogResponse(c.provider, parsed, statusCode)
		}
	}
	if err != nil {
		return nil, err
	}

	resp := &ChatResponse{
		Content: parsed.Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
	}
	for _, tc := range parsed.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: string(tc.Function.Arguments),
		})
	}

	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, ErrEmptyReply
	}
	return resp, nil
}

func (c *ollamaClient) postJSON(ctx context.Context, payload []byte, out any) (int, error) {
	url := strings.TrimRight(c.endpoint, "/") + "/api/chat"

	var statusCode int
	err := withRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("llm: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		statusCode = httpResp.StatusCode
		respBody, readErr := io.ReadAll(httpResp.Body)
		if readErr != nil {
			return fmt.Errorf("llm: read response body: %w", readErr)
		}

		if httpResp.StatusCode != http.StatusOK {
			return &httpStatusError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("llm: decode response body: %w", err)
		}
		return nil
	})

	return statusCode, err
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		wire := ollamaMessage{
			Role:     string(m.Role),
			Content:  m.Content,
			ToolName: m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			args := json.RawMessage(tc.Arguments)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			wire.ToolCalls = append(wire.ToolCalls, ollamaToolCall{
				Function: ollamaFunctionCallFields{Name: tc.Name, Arguments: args},
			})
		}
		out[i] = wire
	}
	return out
}
