package config

import "time"

// LLMProvider discriminates the three supported chat-completion backends.
// All three share the message-store integration and token-accounting hook
// in pkg/llm; only the request body shape and response field names differ.
type LLMProvider string

const (
	ProviderOpenAI   LLMProvider = "openai"
	ProviderOllama   LLMProvider = "ollama"
	ProviderLMStudio LLMProvider = "lmstudio"
)

// LLMConfig configures the single active provider for a process. Only one
// provider is active per process; switching providers is a restart, not a
// runtime decision.
type LLMConfig struct {
	Provider LLMProvider `yaml:"provider"`

	// OpenAI-compatible (also used for any self-hosted OpenAI-shaped gateway).
	OpenAIBaseURL string `yaml:"openai_base_url,omitempty"`
	OpenAIModel   string `yaml:"openai_model,omitempty"`
	OpenAIAPIKey  string `yaml:"-"` // populated from OPENAI_API_KEY, never written to disk

	// Ollama
	OllamaEndpoint string `yaml:"ollama_endpoint,omitempty"`
	OllamaModel    string `yaml:"ollama_model,omitempty"`

	// LM Studio
	LMStudioBaseURL string `yaml:"lmstudio_base_url,omitempty"`
	LMStudioModel   string `yaml:"lmstudio_model,omitempty"`

	// FunctionCalling toggles native tool-call request shaping versus a
	// text-based tool-call convention for providers/models that don't
	// support OpenAI-style function calling.
	FunctionCalling bool `yaml:"function_calling"`

	// RequestTimeout bounds a single chat-completion round trip
	// (default 3600s; providers can take minutes on long contexts).
	RequestTimeout time.Duration `yaml:"-"`
}

// Model returns the model name configured for the active provider.
func (c LLMConfig) Model() string {
	switch c.Provider {
	case ProviderOllama:
		return c.OllamaModel
	case ProviderLMStudio:
		return c.LMStudioModel
	default:
		return c.OpenAIModel
	}
}

// DefaultLLMConfig returns provider-agnostic defaults; callers still need a
// provider-specific base URL/model before this is usable.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:        ProviderOpenAI,
		OpenAIBaseURL:   "https://api.openai.com/v1",
		FunctionCalling: true,
		RequestTimeout:  3600 * time.Second,
	}
}
