package config

// TaskSource discriminates which issue tracker a producer polls.
type TaskSource string

const (
	SourceGitHub TaskSource = "github"
	SourceGitLab TaskSource = "gitlab"
)

// GitHubSourceConfig configures the GitHub producer/consumer path: the
// activation/processing/done/paused/stopped label set and the bot account
// whose assignment is used as the "still wanted" signal.
type GitHubSourceConfig struct {
	BotName         string   `yaml:"bot_name"`
	MCPCommand      []string `yaml:"mcp_command,omitempty"`
	ActivationLabel string   `yaml:"activation_label"`
	ProcessingLabel string   `yaml:"processing_label"`
	DoneLabel       string   `yaml:"done_label"`
	PausedLabel     string   `yaml:"paused_label"`
	StoppedLabel    string   `yaml:"stopped_label"`
	Repositories    []string `yaml:"repositories,omitempty"`

	// Token authenticates the repository clone inside the sandbox
	// container; it is never written to disk (populated from GITHUB_TOKEN).
	Token string `yaml:"-"`
}

// GitLabSourceConfig is GitHubSourceConfig's GitLab analogue.
type GitLabSourceConfig struct {
	BotName         string   `yaml:"bot_name"`
	MCPCommand      []string `yaml:"mcp_command,omitempty"`
	ActivationLabel string   `yaml:"activation_label"`
	ProcessingLabel string   `yaml:"processing_label"`
	DoneLabel       string   `yaml:"done_label"`
	PausedLabel     string   `yaml:"paused_label"`
	StoppedLabel    string   `yaml:"stopped_label"`
	ProjectIDs      []string `yaml:"project_ids,omitempty"`

	// Token and BaseURL authenticate/target the repository clone inside the
	// sandbox container; Token is never written to disk (populated from
	// GITLAB_TOKEN). BaseURL defaults to https://gitlab.com when empty.
	Token   string `yaml:"-"`
	BaseURL string `yaml:"gitlab_base_url,omitempty"`
}

// DefaultGitHubSourceConfig returns the conventional label set.
func DefaultGitHubSourceConfig() GitHubSourceConfig {
	return GitHubSourceConfig{
		BotName:         "coding-agent",
		ActivationLabel: "coding-agent",
		ProcessingLabel: "coding-agent-processing",
		DoneLabel:       "coding-agent-done",
		PausedLabel:     "coding-agent-paused",
		StoppedLabel:    "coding-agent-stopped",
	}
}

// DefaultGitLabSourceConfig mirrors DefaultGitHubSourceConfig for GitLab.
func DefaultGitLabSourceConfig() GitLabSourceConfig {
	return GitLabSourceConfig{
		BotName:         "coding-agent",
		ActivationLabel: "coding-agent",
		ProcessingLabel: "coding-agent-processing",
		DoneLabel:       "coding-agent-done",
		PausedLabel:     "coding-agent-paused",
		StoppedLabel:    "coding-agent-stopped",
	}
}
