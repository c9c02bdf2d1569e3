package config

import "time"

// EnvironmentCatalog maps an environment name (python, node, miniforge,
// python-playwright, ...) to the prebuilt container image tag the
// execution environment manager creates containers from.
type EnvironmentCatalog map[string]string

// DefaultEnvironmentCatalog is the built-in image map; deployments extend
// or override it via YAML.
func DefaultEnvironmentCatalog() EnvironmentCatalog {
	return EnvironmentCatalog{
		"python":            "ghcr.io/taskagent/exec-python:latest",
		"node":              "ghcr.io/taskagent/exec-node:latest",
		"miniforge":         "ghcr.io/taskagent/exec-miniforge:latest",
		"python-playwright": "ghcr.io/taskagent/exec-python-playwright:latest",
		"go":                "ghcr.io/taskagent/exec-go:latest",
		"jvm":               "ghcr.io/taskagent/exec-jvm:latest",
		"ruby":              "ghcr.io/taskagent/exec-ruby:latest",
	}
}

// SandboxConfig holds the execution environment manager's resource limits
// and the fixed conventions (container naming, workspace path) it requires.
type SandboxConfig struct {
	DefaultEnvironment string             `yaml:"default_environment"`
	Environments       EnvironmentCatalog `yaml:"environments"`

	CPULimit    float64 `yaml:"cpu_limit"`    // CPU shares, e.g. 2.0 cores
	MemoryLimit int64   `yaml:"memory_limit"` // bytes

	NetworkName string `yaml:"network_name"`
	WorkspaceDir string `yaml:"workspace_dir"`

	ExecTimeout      time.Duration `yaml:"-"` // default 1800s
	MaxOutputSize    int           `yaml:"-"` // default 1 MiB per stream
	CloneDepth       int           `yaml:"clone_depth"`
	StaleThreshold   time.Duration `yaml:"-"` // default 24h, periodic sweep
	RemoveRetries    int           `yaml:"remove_retries"`
	RemoveRetryDelay time.Duration `yaml:"-"`

	CommandExecutorEnabled bool `yaml:"command_executor_enabled"`
	TextEditorMCPEnabled   bool `yaml:"text_editor_mcp_enabled"`
}

const containerNamePrefix = "coding-agent-exec-"

// ContainerName returns the container name for a run. Nothing outside
// this system may claim the `coding-agent-exec-` prefix.
func ContainerName(taskUUID string) string {
	return containerNamePrefix + taskUUID
}

// DefaultSandboxConfig returns the built-in execution-environment defaults.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		DefaultEnvironment:     "python",
		Environments:           DefaultEnvironmentCatalog(),
		CPULimit:               2.0,
		MemoryLimit:            4 << 30, // 4 GiB
		NetworkName:            "coding-agent-net",
		WorkspaceDir:           "/workspace",
		ExecTimeout:            1800 * time.Second,
		MaxOutputSize:          1 << 20, // 1 MiB
		CloneDepth:             1,
		StaleThreshold:         24 * time.Hour,
		RemoveRetries:          3,
		RemoveRetryDelay:       time.Second,
		CommandExecutorEnabled: true,
		TextEditorMCPEnabled:   true,
	}
}

// ProjectAgentRulesConfig gates the repo-local rules file the planning
// prompt is enriched with.
type ProjectAgentRulesConfig struct {
	Enabled       bool  `yaml:"enabled"`
	MaxFileSize   int64 `yaml:"max_file_size"`
	MaxTotalSize  int64 `yaml:"max_total_size"`
}

// DefaultProjectAgentRulesConfig returns the built-in rules-file caps.
func DefaultProjectAgentRulesConfig() ProjectAgentRulesConfig {
	return ProjectAgentRulesConfig{
		Enabled:      true,
		MaxFileSize:  64 * 1024,
		MaxTotalSize: 256 * 1024,
	}
}
