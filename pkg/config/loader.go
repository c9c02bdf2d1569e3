package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, overrides, and validates configuration. This is
// the primary entry point used by cmd/taskagent.
//
// Steps: load .env (if present) -> load taskagent.yaml -> expand env vars ->
// merge onto the built-in profile -> apply explicit environment variable
// overrides -> validate.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	envFile := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn("failed to load .env file", "error", err)
		}
	}

	cfg := DefaultConfig()
	cfg.configDir = configDir

	raw, err := loadYAMLFile(configDir, "taskagent.yaml")
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, NewLoadError("taskagent.yaml", err)
	}
	if raw != nil {
		if err := mergeRaw(cfg, raw); err != nil {
			return nil, fmt.Errorf("config: merge taskagent.yaml: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDurationDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	log.Info("configuration initialized",
		"provider", cfg.LLM.Provider, "task_source", cfg.TaskSource,
		"mcp_servers", len(cfg.MCPServers.ServerIDs()))
	return cfg, nil
}

func loadYAMLFile(configDir, filename string) (*rawYAMLConfig, error) {
	path := filepath.Join(configDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}
	data = ExpandEnv(data)

	var raw rawYAMLConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &raw, nil
}

// mergeRaw merges user-supplied YAML onto the built-in defaults, field by
// field for the pointer sub-configs (nil means "not supplied") and via
// mergo for LLM/GitHub/GitLab/Database where zero-value fields should fall
// through to the built-in default.
func mergeRaw(cfg *Config, raw *rawYAMLConfig) error {
	cfg.Debug = raw.Debug || cfg.Debug
	if raw.Logs != "" {
		cfg.Logs = raw.Logs
	}
	if raw.TaskSource != "" {
		cfg.TaskSource = raw.TaskSource
	}
	if raw.RawLogDir != "" {
		cfg.RawLogDir = raw.RawLogDir
	}
	if raw.ContextStore.RootDir != "" {
		cfg.ContextStore.RootDir = raw.ContextStore.RootDir
	}

	if err := mergo.Merge(&cfg.LLM, raw.LLM, mergo.WithOverride); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := mergo.Merge(&cfg.GitHub, raw.GitHub, mergo.WithOverride); err != nil {
		return fmt.Errorf("github: %w", err)
	}
	if err := mergo.Merge(&cfg.GitLab, raw.GitLab, mergo.WithOverride); err != nil {
		return fmt.Errorf("gitlab: %w", err)
	}
	if err := mergo.Merge(&cfg.Database, raw.Database, mergo.WithOverride); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if raw.Queue != nil {
		if err := mergo.Merge(&cfg.Queue, *raw.Queue, mergo.WithOverride); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
	}
	if raw.Sandbox != nil {
		if err := mergo.Merge(&cfg.Sandbox, *raw.Sandbox, mergo.WithOverride); err != nil {
			return fmt.Errorf("sandbox: %w", err)
		}
	}
	if raw.ProjectAgentRules != nil {
		if err := mergo.Merge(&cfg.ProjectAgentRules, *raw.ProjectAgentRules, mergo.WithOverride); err != nil {
			return fmt.Errorf("project_agent_rules: %w", err)
		}
	}
	if raw.Compression != nil {
		if err := mergo.Merge(&cfg.Compression, *raw.Compression, mergo.WithOverride); err != nil {
			return fmt.Errorf("compression: %w", err)
		}
	}
	if raw.PrePlanning != nil {
		if err := mergo.Merge(&cfg.PrePlanning, *raw.PrePlanning, mergo.WithOverride); err != nil {
			return fmt.Errorf("pre_planning: %w", err)
		}
	}
	if raw.Execution != nil {
		if err := mergo.Merge(&cfg.Execution, *raw.Execution, mergo.WithOverride); err != nil {
			return fmt.Errorf("execution: %w", err)
		}
	}
	if raw.Replan != nil {
		if err := mergo.Merge(&cfg.Replan, *raw.Replan, mergo.WithOverride); err != nil {
			return fmt.Errorf("replan: %w", err)
		}
	}
	if raw.ControlPlane != nil {
		if err := mergo.Merge(&cfg.ControlPlane, *raw.ControlPlane, mergo.WithOverride); err != nil {
			return fmt.Errorf("control_plane: %w", err)
		}
	}

	for id, serverCfg := range raw.MCPServers {
		cfg.MCPServers.Set(id, serverCfg)
	}
	return nil
}

// applyEnvOverrides layers the documented environment variables on top of
// whatever YAML produced — these always win.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = LLMProvider(v)
	}
	setStr(os.Getenv("OPENAI_BASE_URL"), &cfg.LLM.OpenAIBaseURL)
	setStr(os.Getenv("OPENAI_MODEL"), &cfg.LLM.OpenAIModel)
	setStr(os.Getenv("OPENAI_API_KEY"), &cfg.LLM.OpenAIAPIKey)
	setStr(os.Getenv("OLLAMA_ENDPOINT"), &cfg.LLM.OllamaEndpoint)
	setStr(os.Getenv("OLLAMA_MODEL"), &cfg.LLM.OllamaModel)
	setStr(os.Getenv("LMSTUDIO_BASE_URL"), &cfg.LLM.LMStudioBaseURL)
	setStr(os.Getenv("LMSTUDIO_MODEL"), &cfg.LLM.LMStudioModel)
	setBool(os.Getenv("FUNCTION_CALLING"), &cfg.LLM.FunctionCalling)

	if v := os.Getenv("GITHUB_MCP_COMMAND"); v != "" {
		cfg.GitHub.MCPCommand = strings.Fields(v)
	}
	setStr(os.Getenv("GITHUB_BOT_NAME"), &cfg.GitHub.BotName)
	setStr(os.Getenv("GITLAB_BOT_NAME"), &cfg.GitLab.BotName)
	setStr(os.Getenv("GITHUB_TOKEN"), &cfg.GitHub.Token)
	setStr(os.Getenv("GITLAB_TOKEN"), &cfg.GitLab.Token)
	setStr(os.Getenv("GITLAB_BASE_URL"), &cfg.GitLab.BaseURL)
	if v := os.Getenv("TASK_SOURCE"); v != "" {
		cfg.TaskSource = TaskSource(v)
	}

	setStr(os.Getenv("RABBITMQ_HOST"), &cfg.Queue.RabbitMQ.Host)
	setInt(os.Getenv("RABBITMQ_PORT"), &cfg.Queue.RabbitMQ.Port)
	setStr(os.Getenv("RABBITMQ_USER"), &cfg.Queue.RabbitMQ.User)
	setStr(os.Getenv("RABBITMQ_PASSWORD"), &cfg.Queue.RabbitMQ.Password)
	setStr(os.Getenv("RABBITMQ_QUEUE"), &cfg.Queue.RabbitMQ.Queue)
	if cfg.Queue.RabbitMQ.Host != "" {
		cfg.Queue.Mode = QueueModeRabbitMQ
	}

	setBool(os.Getenv("DEBUG"), &cfg.Debug)
	setStr(os.Getenv("LOGS"), &cfg.Logs)

	setStr(os.Getenv("DATABASE_HOST"), &cfg.Database.Host)
	setInt(os.Getenv("DATABASE_PORT"), &cfg.Database.Port)
	setStr(os.Getenv("DATABASE_NAME"), &cfg.Database.Database)
	setStr(os.Getenv("DATABASE_USER"), &cfg.Database.User)
	setStr(os.Getenv("DATABASE_PASSWORD"), &cfg.Database.Password)

	setBool(os.Getenv("COMMAND_EXECUTOR_ENABLED"), &cfg.Sandbox.CommandExecutorEnabled)
	setBool(os.Getenv("TEXT_EDITOR_MCP_ENABLED"), &cfg.Sandbox.TextEditorMCPEnabled)

	setBool(os.Getenv("PROJECT_AGENT_RULES_ENABLED"), &cfg.ProjectAgentRules.Enabled)
	setInt64(os.Getenv("PROJECT_AGENT_RULES_MAX_FILE_SIZE"), &cfg.ProjectAgentRules.MaxFileSize)
	setInt64(os.Getenv("PROJECT_AGENT_RULES_MAX_TOTAL_SIZE"), &cfg.ProjectAgentRules.MaxTotalSize)
}

func setStr(v string, dst *string) {
	if v != "" && dst != nil {
		*dst = v
	}
}

func setBool(v string, dst *bool) {
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func setInt(v string, dst *int) {
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setInt64(v string, dst *int64) {
	if v == "" {
		return
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = n
	}
}

// validate applies the minimal sanity checks needed before a producer or
// consumer starts: an active LLM provider must have its endpoint/model set.
func validate(cfg *Config) error {
	switch cfg.LLM.Provider {
	case ProviderOpenAI:
		if cfg.LLM.OpenAIModel == "" {
			return fmt.Errorf("%w: openai_model", ErrMissingRequiredField)
		}
	case ProviderOllama:
		if cfg.LLM.OllamaEndpoint == "" || cfg.LLM.OllamaModel == "" {
			return fmt.Errorf("%w: ollama_endpoint/ollama_model", ErrMissingRequiredField)
		}
	case ProviderLMStudio:
		if cfg.LLM.LMStudioBaseURL == "" {
			return fmt.Errorf("%w: lmstudio_base_url", ErrMissingRequiredField)
		}
	default:
		return fmt.Errorf("%w: llm.provider %q", ErrLLMProviderNotFound, cfg.LLM.Provider)
	}
	if cfg.TaskSource != SourceGitHub && cfg.TaskSource != SourceGitLab {
		return fmt.Errorf("%w: task_source %q", ErrMissingRequiredField, cfg.TaskSource)
	}
	return nil
}
