// Package config loads and validates the runtime's configuration: LLM
// provider selection, MCP/tool server transports, task sources, the queue
// backend, sandbox/environment catalog, and the planning/replanning and
// context-compression tunables. Loading follows a layered pipeline: load
// YAML, expand environment variables, merge built-in defaults under
// user-supplied values, then apply the documented environment variable
// overrides, and validate.
package config

import (
	"time"

	"github.com/taskagent/runtime/pkg/database"
)

// ContextStoreConfig points at the root directory under which per-run
// context directories (running/ paused/ completed/) live.
type ContextStoreConfig struct {
	RootDir string `yaml:"root_dir"`
}

// Config is the fully-resolved, ready-to-use configuration for one process
// (producer, consumer, or combined).
type Config struct {
	configDir string

	Debug bool   `yaml:"debug"`
	Logs  string `yaml:"logs"`

	TaskSource TaskSource `yaml:"task_source"`

	LLM          LLMConfig          `yaml:"llm"`
	Queue        QueueConfig        `yaml:"queue"`
	Database     database.Config    `yaml:"database"`
	ContextStore ContextStoreConfig `yaml:"context_store"`

	GitHub GitHubSourceConfig `yaml:"github"`
	GitLab GitLabSourceConfig `yaml:"gitlab"`

	MCPServers *MCPServerRegistry `yaml:"-"`

	Sandbox            SandboxConfig           `yaml:"sandbox"`
	ProjectAgentRules  ProjectAgentRulesConfig `yaml:"project_agent_rules"`
	Compression        CompressionConfig       `yaml:"compression"`
	PrePlanning        PrePlanningConfig       `yaml:"pre_planning"`
	Execution          ExecutionConfig         `yaml:"execution"`
	Replan             ReplanConfig            `yaml:"replan"`
	ControlPlane       ControlPlaneConfig      `yaml:"control_plane"`

	// RawLogDir is where the process-wide raw LLM request/response logger
	// (pkg/rawlog) appends one file per day.
	RawLogDir string `yaml:"raw_log_dir"`

	// ProducerPollInterval is how often cmd/taskagent re-polls activated
	// work items when running the producer side. Not YAML-configurable,
	// matching the other derived duration defaults this file fills in.
	ProducerPollInterval time.Duration `yaml:"-"`
}

// ConfigDir returns the directory this configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// rawYAMLConfig is the on-disk shape of taskagent.yaml; Config embeds the
// resolved, defaulted form plus fields (MCPServers, configDir) that aren't
// round-tripped verbatim from YAML.
type rawYAMLConfig struct {
	Debug      bool       `yaml:"debug"`
	Logs       string     `yaml:"logs"`
	TaskSource TaskSource `yaml:"task_source"`

	LLM      LLMConfig       `yaml:"llm"`
	Queue    *QueueConfig    `yaml:"queue"`
	Database database.Config `yaml:"database"`

	ContextStore ContextStoreConfig `yaml:"context_store"`

	GitHub GitHubSourceConfig `yaml:"github"`
	GitLab GitLabSourceConfig `yaml:"gitlab"`

	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`

	Sandbox           *SandboxConfig           `yaml:"sandbox"`
	ProjectAgentRules *ProjectAgentRulesConfig `yaml:"project_agent_rules"`
	Compression       *CompressionConfig       `yaml:"compression"`
	PrePlanning       *PrePlanningConfig       `yaml:"pre_planning"`
	Execution         *ExecutionConfig         `yaml:"execution"`
	Replan            *ReplanConfig            `yaml:"replan"`
	ControlPlane      *ControlPlaneConfig      `yaml:"control_plane"`

	RawLogDir string `yaml:"raw_log_dir"`
}

// applyDurationDefaults fills in the time.Duration fields rawYAMLConfig
// can't carry from YAML directly.
func applyDurationDefaults(cfg *Config) {
	if cfg.Sandbox.ExecTimeout == 0 {
		cfg.Sandbox.ExecTimeout = 1800 * time.Second
	}
	if cfg.Sandbox.MaxOutputSize == 0 {
		cfg.Sandbox.MaxOutputSize = 1 << 20
	}
	if cfg.Sandbox.StaleThreshold == 0 {
		cfg.Sandbox.StaleThreshold = 24 * time.Hour
	}
	if cfg.Compression.InheritanceTTL == 0 {
		cfg.Compression.InheritanceTTL = 90 * 24 * time.Hour
	}
	if cfg.ControlPlane.MinAssigneeCheckGap == 0 {
		cfg.ControlPlane.MinAssigneeCheckGap = 30 * time.Second
	}
	if cfg.ControlPlane.WatchdogThreshold == 0 {
		cfg.ControlPlane.WatchdogThreshold = 6 * time.Hour
	}
	if cfg.LLM.RequestTimeout == 0 {
		cfg.LLM.RequestTimeout = 3600 * time.Second
	}
	if cfg.ProducerPollInterval == 0 {
		cfg.ProducerPollInterval = 30 * time.Second
	}
}
