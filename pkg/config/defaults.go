package config

// DefaultConfig returns the built-in configuration profile, before any
// user YAML or environment variable overrides are applied. Every
// sub-config's own DefaultXxxConfig constructor supplies its piece.
func DefaultConfig() *Config {
	return &Config{
		TaskSource:        SourceGitHub,
		LLM:               DefaultLLMConfig(),
		Queue:             DefaultQueueConfig(),
		GitHub:            DefaultGitHubSourceConfig(),
		GitLab:            DefaultGitLabSourceConfig(),
		MCPServers:        NewMCPServerRegistry(nil),
		Sandbox:           DefaultSandboxConfig(),
		ProjectAgentRules: DefaultProjectAgentRulesConfig(),
		Compression:       DefaultCompressionConfig(),
		PrePlanning:       DefaultPrePlanningConfig(),
		Execution:         DefaultExecutionConfig(),
		Replan:            DefaultReplanConfig(),
		ControlPlane:      DefaultControlPlaneConfig(),
		ContextStore:      ContextStoreConfig{RootDir: "./contexts"},
		RawLogDir:         "./logs/llm-raw",
	}
}
