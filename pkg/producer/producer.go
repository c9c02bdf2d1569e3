// Package producer implements the work-item polling half of the runtime:
// for each configured source, find issues/MRs carrying the activation
// label, dedup against in-flight attempts, swap the label for the
// processing label, record a pending TaskDB row, and enqueue the TaskKey.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/mcp"
	"github.com/taskagent/runtime/pkg/models"
	"github.com/taskagent/runtime/pkg/queue"
	"github.com/taskagent/runtime/pkg/taskkey"
)

// RunStore is the subset of *database.TaskDB the producer needs: finding
// the latest attempt at a key (dedup) and recording a fresh pending row.
type RunStore interface {
	GetLatestRunByKey(ctx context.Context, key taskkey.Key) (*models.Run, error)
	CreateRun(ctx context.Context, run *models.Run) error
}

// Tracker is the subset of *mcp.IssueTracker the producer needs: listing
// activated work items and swapping the activation label for the
// processing label once one is claimed.
type Tracker interface {
	ListActivated(ctx context.Context, scope []string, activationLabel string) ([]map[string]any, error)
	SwapLabel(ctx context.Context, ref map[string]any, remove, add string) error
}

// Producer polls one configured task source and feeds TaskKeys onto a
// Queue. One Producer instance handles exactly the source named by
// cfg.TaskSource; a combined deployment runs a Producer and one or more
// consumers in the same process.
type Producer struct {
	cfg      *config.Config
	store    RunStore
	q        queue.Queue
	tracker  Tracker
	now      func() time.Time
	newUUID  func() string
	lockPath string
}

// New wires a Producer. tracker must already be scoped to the correct
// server ID (github/gitlab) for cfg.TaskSource.
func New(cfg *config.Config, store RunStore, q queue.Queue, tracker Tracker) *Producer {
	return &Producer{
		cfg:      cfg,
		store:    store,
		q:        q,
		tracker:  tracker,
		now:      time.Now,
		newUUID:  uuid.NewString,
		lockPath: "/tmp/coding-agent-producer.lock",
	}
}

// Run acquires the exclusive producer lock (non-blocking; a second
// producer process exits immediately on contention) and polls every
// activated work item once.
func (p *Producer) Run(ctx context.Context) error {
	lock := flock.New(p.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("producer: acquire lock %s: %w", p.lockPath, err)
	}
	if !locked {
		return fmt.Errorf("producer: another producer holds %s, exiting", p.lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	keys, err := p.discover(ctx)
	if err != nil {
		return fmt.Errorf("producer: discover work items: %w", err)
	}

	for _, key := range keys {
		if err := p.Prepare(ctx, key); err != nil {
			slog.Warn("producer: failed to prepare task", "task_key", key.String(), "error", err)
		}
	}
	return nil
}

// discover lists every activated work item for cfg.TaskSource and resolves
// each into a TaskKey.
func (p *Producer) discover(ctx context.Context) ([]taskkey.Key, error) {
	switch p.cfg.TaskSource {
	case config.SourceGitHub:
		items, err := p.tracker.ListActivated(ctx, p.cfg.GitHub.Repositories, p.cfg.GitHub.ActivationLabel)
		if err != nil {
			return nil, err
		}
		keys := make([]taskkey.Key, 0, len(items))
		for _, item := range items {
			owner, repo, number, err := mcp.ParseGitHubNumberFields(item)
			if err != nil {
				slog.Warn("producer: skipping malformed github item", "error", err)
				continue
			}
			keys = append(keys, taskkey.NewGitHubIssue(owner, repo, number))
		}
		return keys, nil

	case config.SourceGitLab:
		items, err := p.tracker.ListActivated(ctx, p.cfg.GitLab.ProjectIDs, p.cfg.GitLab.ActivationLabel)
		if err != nil {
			return nil, err
		}
		keys := make([]taskkey.Key, 0, len(items))
		for _, item := range items {
			projectID, iid, err := mcp.ParseGitLabIID(item)
			if err != nil {
				slog.Warn("producer: skipping malformed gitlab item", "error", err)
				continue
			}
			keys = append(keys, taskkey.NewGitLabIssue(projectID, iid))
		}
		return keys, nil

	default:
		return nil, fmt.Errorf("producer: unknown task source %q", p.cfg.TaskSource)
	}
}

// Prepare is the dedup + label-swap + enqueue unit: skip if an attempt at
// key is already pending/running, else swap the activation label for the
// processing label, record a pending TaskDB row, and enqueue.
func (p *Producer) Prepare(ctx context.Context, key taskkey.Key) error {
	existing, err := p.store.GetLatestRunByKey(ctx, key)
	if err == nil && existing != nil && !existing.Status.IsTerminal() {
		slog.Debug("producer: skipping already in-flight task", "task_key", key.String(), "status", existing.Status)
		return nil
	}

	activationLabel, processingLabel := p.labels()
	ref := mcp.IssueRef(key)
	if err := p.tracker.SwapLabel(ctx, ref, activationLabel, processingLabel); err != nil {
		return fmt.Errorf("producer: swap label for %s: %w", key.String(), err)
	}

	run := models.NewRun(p.newUUID(), key, "", p.now().UTC())
	if err := p.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("producer: create pending run for %s: %w", key.String(), err)
	}

	if err := p.q.Put(ctx, key.ToDict()); err != nil {
		return fmt.Errorf("producer: enqueue %s: %w", key.String(), err)
	}

	slog.Info("producer: enqueued task", "task_key", key.String(), "uuid", run.UUID)
	return nil
}

func (p *Producer) labels() (activation, processing string) {
	if p.cfg.TaskSource == config.SourceGitLab {
		return p.cfg.GitLab.ActivationLabel, p.cfg.GitLab.ProcessingLabel
	}
	return p.cfg.GitHub.ActivationLabel, p.cfg.GitHub.ProcessingLabel
}
