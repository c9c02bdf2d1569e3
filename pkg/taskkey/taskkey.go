// Package taskkey identifies a unit of work — an issue, pull request, or
// merge request — independent of any attempt to process it.
package taskkey

import "fmt"

// Kind discriminates the TaskKey variants. Avoid a class hierarchy here:
// every operation pattern-matches on Kind rather than relying on dynamic
// dispatch, so the zero value is never a silently-valid key.
type Kind string

const (
	GitHubIssue        Kind = "github_issue"
	GitHubPullRequest  Kind = "github_pull_request"
	GitLabIssue        Kind = "gitlab_issue"
	GitLabMergeRequest Kind = "gitlab_merge_request"
)

// Key is a tagged union over the four supported work-item sources. GitHub
// variants carry (Owner, Repo, Number); GitLab variants carry (ProjectID, IID).
// Fields unused by a given Kind are left zero. A Key does not carry run
// identity — see models.Run for one attempt at processing a Key.
type Key struct {
	Kind Kind

	// GitHub issue / pull request fields.
	Owner  string
	Repo   string
	Number int

	// GitLab issue / merge request fields.
	ProjectID string
	IID       int
}

// NewGitHubIssue builds a GitHub issue key.
func NewGitHubIssue(owner, repo string, number int) Key {
	return Key{Kind: GitHubIssue, Owner: owner, Repo: repo, Number: number}
}

// NewGitHubPullRequest builds a GitHub pull request key.
func NewGitHubPullRequest(owner, repo string, number int) Key {
	return Key{Kind: GitHubPullRequest, Owner: owner, Repo: repo, Number: number}
}

// NewGitLabIssue builds a GitLab issue key.
func NewGitLabIssue(projectID string, iid int) Key {
	return Key{Kind: GitLabIssue, ProjectID: projectID, IID: iid}
}

// NewGitLabMergeRequest builds a GitLab merge request key.
func NewGitLabMergeRequest(projectID string, iid int) Key {
	return Key{Kind: GitLabMergeRequest, ProjectID: projectID, IID: iid}
}

// ToDict renders the canonical wire representation used for queue
// transport. Key names are fixed per Kind so that an already-enqueued item
// stays readable across versions; the returned map carries no field order.
func (k Key) ToDict() map[string]any {
	switch k.Kind {
	case GitHubIssue:
		return map[string]any{"type": string(GitHubIssue), "owner": k.Owner, "repo": k.Repo, "number": k.Number}
	case GitHubPullRequest:
		return map[string]any{"type": string(GitHubPullRequest), "owner": k.Owner, "repo": k.Repo, "number": k.Number}
	case GitLabIssue:
		return map[string]any{"type": string(GitLabIssue), "project_id": k.ProjectID, "issue_iid": k.IID}
	case GitLabMergeRequest:
		return map[string]any{"type": string(GitLabMergeRequest), "project_id": k.ProjectID, "mr_iid": k.IID}
	default:
		return map[string]any{"type": string(k.Kind)}
	}
}

// FromDict reconstructs a Key from its canonical dict form, the inverse of
// ToDict. Returns an error for an unknown or missing "type" discriminator
// rather than guessing.
func FromDict(d map[string]any) (Key, error) {
	kind, _ := d["type"].(string)
	switch Kind(kind) {
	case GitHubIssue:
		owner, repo, number, err := githubFields(d)
		if err != nil {
			return Key{}, err
		}
		return NewGitHubIssue(owner, repo, number), nil
	case GitHubPullRequest:
		owner, repo, number, err := githubFields(d)
		if err != nil {
			return Key{}, err
		}
		return NewGitHubPullRequest(owner, repo, number), nil
	case GitLabIssue:
		projectID, iid, err := gitlabFields(d, "issue_iid")
		if err != nil {
			return Key{}, err
		}
		return NewGitLabIssue(projectID, iid), nil
	case GitLabMergeRequest:
		projectID, iid, err := gitlabFields(d, "mr_iid")
		if err != nil {
			return Key{}, err
		}
		return NewGitLabMergeRequest(projectID, iid), nil
	default:
		return Key{}, fmt.Errorf("taskkey: unknown discriminator %q", kind)
	}
}

func githubFields(d map[string]any) (owner, repo string, number int, err error) {
	owner, ok := d["owner"].(string)
	if !ok {
		return "", "", 0, fmt.Errorf("taskkey: missing or non-string %q", "owner")
	}
	repo, ok = d["repo"].(string)
	if !ok {
		return "", "", 0, fmt.Errorf("taskkey: missing or non-string %q", "repo")
	}
	number, err = toInt(d["number"])
	if err != nil {
		return "", "", 0, fmt.Errorf("taskkey: field %q: %w", "number", err)
	}
	return owner, repo, number, nil
}

func gitlabFields(d map[string]any, iidKey string) (projectID string, iid int, err error) {
	projectID, ok := d["project_id"].(string)
	if !ok {
		return "", 0, fmt.Errorf("taskkey: missing or non-string %q", "project_id")
	}
	iid, err = toInt(d[iidKey])
	if err != nil {
		return "", 0, fmt.Errorf("taskkey: field %q: %w", iidKey, err)
	}
	return projectID, iid, nil
}

// toInt accepts both Go-native int (constructed in-process) and float64
// (round-tripped through encoding/json) representations.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// String renders a short human-readable form, e.g. "github_issue acme/svc#42".
func (k Key) String() string {
	switch k.Kind {
	case GitHubIssue, GitHubPullRequest:
		return fmt.Sprintf("%s %s/%s#%d", k.Kind, k.Owner, k.Repo, k.Number)
	case GitLabIssue, GitLabMergeRequest:
		return fmt.Sprintf("%s %s!%d", k.Kind, k.ProjectID, k.IID)
	default:
		return string(k.Kind)
	}
}
