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

// openAIClient speaks the OpenAI-compatible chat-completion wire format.
// LM Studio's local server speaks the same shape, so it reuses this type
// with an empty apiKey.
type openAIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	provider   string
	logger     *rawlog.Logger
}

type openAIRequestBody struct {
	Model    string             `json:"model"`
	Messages []openAIMessage    `json:"messages"`
	Stream   bool               `json:"stream"`
	Tools    []openAIToolSchema `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	Name       string               `json:"name,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCallWire `json:"tool_calls,omitempty"`
}

type openAIToolSchema struct {
	Type     string               `json:"type"`
	Function openAIFunctionSchema `json:"function"`
}

type openAIFunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIToolCallWire struct {
	ID       string                   `json:"id"`
	Type     string                   `json:"type"`
	Function openAIFunctionCallFields `json:"function"`
}

type openAIFunctionCallFields struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponseBody struct {
	Choices []openAIChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
}

func (c *openAIClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := openAIRequestBody{
		Model:    c.model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   false,
	}
	for _, tool := range req.Tools {
		schema := json.RawMessage(tool.ParametersSchema)
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, openAIToolSchema{
			Type: "function",
			Function: openAIFunctionSchema{
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
		return nil, fmt.Errorf("llm: marshal openai request: %w", err)
	}

	var parsed openAIResponseBody
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

	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyReply
	}

	msg := parsed.Choices[0].Message
	resp := &ChatResponse{
		Content: msg.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, ErrEmptyReply
	}
	return resp, nil
}

func (c *openAIClient) postJSON(ctx context.Context, payload []byte, out any) (int, error) {
	url := strings.TrimRight(c.baseURL, "/") + "/chat/completions"

	var statusCode int
	err := withRetry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("llm: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

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

func toOpenAIMessages(messages []Message) []openAIMessage {
	out := make([]openAIMessage, len(messages))
	for i, m := range messages {
		wire := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.ToolName,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, openAIToolCallWire{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCallFields{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out[i] = wire
	}
	return out
}

func toRawLogMessages(messages []Message) []rawlog.Message {
	out := make([]rawlog.Message, len(messages))
	for i, m := range messages {
		out[i] = rawlog.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func toRawLogTools(tools []ToolDefinition) []rawlog.ToolDefinition {
	out := make([]rawlog.ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = rawlog.ToolDefinition{Name: t.Name, Description: t.Description}
	}
	return out
}
