// Package taskcontext owns each run's on-disk context directory and mirrors
// its lifecycle into TaskDB. The filesystem is the source of truth for an
// in-flight attempt; TaskDB is the queryable mirror kept in lockstep on
// every transition.
package taskcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/taskagent/runtime/pkg/contextstore"
	"github.com/taskagent/runtime/pkg/database"
	"github.com/taskagent/runtime/pkg/models"
	"github.com/taskagent/runtime/pkg/taskkey"
)

const (
	dirRunning   = "running"
	dirPaused    = "paused"
	dirCompleted = "completed"
)

// Manager creates, transitions, and reconciles the contexts/{running,paused,
// completed}/<uuid>/ directory tree, keeping TaskDB's status column and the
// directory placement in agreement after every successful transition.
type Manager struct {
	rootDir string
	taskDB  *database.TaskDB
	logger  *slog.Logger
}

// New wires a Manager to rootDir (the configured context_store.root_dir),
// creating the three lifecycle subdirectories if they don't already exist.
func New(rootDir string, taskDB *database.TaskDB) (*Manager, error) {
	for _, sub := range []string{dirRunning, dirPaused, dirCompleted} {
		if err := os.MkdirAll(filepath.Join(rootDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("taskcontext: create %s dir: %w", sub, err)
		}
	}
	return &Manager{rootDir: rootDir, taskDB: taskDB, logger: slog.Default()}, nil
}

// Context bundles one run's directory path with the stores that read/write
// inside it.
type Context struct {
	Run         *models.Run
	Dir         string
	Messages    *contextstore.MessageStore
	Tools       *contextstore.ToolStore
	Summaries   *contextstore.SummaryStore
}

// Metadata is the JSON shape of metadata.json, the run descriptor that is
// the filesystem's source of truth for an in-flight attempt.
type Metadata struct {
	UUID          string          `json:"uuid"`
	TaskKey       json.RawMessage `json:"task_key"`
	User          string          `json:"user"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ProcessID     int             `json:"process_id,omitempty"`
	Hostname      string          `json:"hostname,omitempty"`
	LLMProvider   string          `json:"llm_provider,omitempty"`
	Model         string          `json:"model,omitempty"`
	ContextLength int             `json:"context_length,omitempty"`
	LLMCalls      int             `json:"llm_calls"`
	ToolCalls     int             `json:"tool_calls"`
	TotalTokens   int64           `json:"total_tokens"`
	Compressions  int             `json:"compressions"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	IsResumed     bool            `json:"is_resumed"`
	ResumeCount   int             `json:"resume_count"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Create starts a fresh run: inserts the TaskDB row, creates
// contexts/running/<uuid>/, and writes the initial metadata.json.
func (m *Manager) Create(ctx context.Context, run *models.Run) (*Context, error) {
	if err := m.taskDB.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("taskcontext: create run row: %w", err)
	}

	now := time.Now().UTC()
	run.Status = models.StatusRunning
	run.StartedAt = &now

	dir := filepath.Join(m.rootDir, dirRunning, run.UUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("taskcontext: create context dir: %w", err)
	}

	if err := writeMetadata(dir, toMetadata(run, now)); err != nil {
		return nil, err
	}
	if err := m.taskDB.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("taskcontext: save run after create: %w", err)
	}

	m.logger.Info("created task context", "uuid", run.UUID, "task_key", run.TaskKey)
	return m.newContext(run, dir), nil
}

// Start transitions an already-persisted pending run — one the producer
// inserted via RunStore.CreateRun when it enqueued the task — into
// running/: creates contexts/running/<uuid>/, writes the initial
// metadata.json, and flips TaskDB status. Unlike Create, it never inserts a
// new TaskDB row; the consumer calls this instead of Create because the row
// already exists.
func (m *Manager) Start(ctx context.Context, run *models.Run) (*Context, error) {
	now := time.Now().UTC()
	run.Status = models.StatusRunning
	run.StartedAt = &now

	dir := filepath.Join(m.rootDir, dirRunning, run.UUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("taskcontext: create context dir: %w", err)
	}

	if err := writeMetadata(dir, toMetadata(run, now)); err != nil {
		return nil, err
	}
	if err := m.taskDB.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("taskcontext: save run after start: %w", err)
	}

	m.logger.Info("started task context", "uuid", run.UUID, "task_key", run.TaskKey)
	return m.newContext(run, dir), nil
}

// Resume reopens a paused run: moves its directory back to running/,
// increments resume_count, and flips TaskDB status. task_state.json is left
// in place; Resume does not read it.
func (m *Manager) Resume(ctx context.Context, uuid string) (*Context, error) {
	pausedDir := filepath.Join(m.rootDir, dirPaused, uuid)
	runningDir := filepath.Join(m.rootDir, dirRunning, uuid)

	if _, err := os.Stat(pausedDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("taskcontext: resume %s: %w", uuid, ErrNotFound)
		}
		return nil, fmt.Errorf("taskcontext: resume %s: %w", uuid, err)
	}
	if err := os.Rename(pausedDir, runningDir); err != nil {
		return nil, fmt.Errorf("taskcontext: move %s -> %s: %w", pausedDir, runningDir, err)
	}

	meta, err := readMetadata(runningDir)
	if err != nil {
		return nil, err
	}
	meta.Status = string(models.StatusRunning)
	meta.IsResumed = true
	meta.ResumeCount++
	meta.UpdatedAt = time.Now().UTC()
	if err := writeMetadata(runningDir, *meta); err != nil {
		return nil, err
	}

	run, err := m.taskDB.GetRun(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("taskcontext: load run for resume: %w", err)
	}
	run.Status = models.StatusRunning
	run.IsResumed = true
	run.ResumeCount = meta.ResumeCount
	if err := m.taskDB.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("taskcontext: save run after resume: %w", err)
	}

	m.logger.Info("resumed task context", "uuid", uuid, "resume_count", run.ResumeCount)
	return m.newContext(run, runningDir), nil
}

// Pause moves a run's directory from running/ to paused/ and writes
// task_state.json, then flips TaskDB status. The pause signal file on disk
// is the caller's concern (pkg/controlplane); Pause only performs the
// directory/DB transition itself.
func (m *Manager) Pause(ctx context.Context, run *models.Run, state any) error {
	runningDir := filepath.Join(m.rootDir, dirRunning, run.UUID)
	pausedDir := filepath.Join(m.rootDir, dirPaused, run.UUID)

	if err := os.Rename(runningDir, pausedDir); err != nil {
		return fmt.Errorf("taskcontext: move %s -> %s: %w", runningDir, pausedDir, err)
	}

	if state != nil {
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return fmt.Errorf("taskcontext: marshal task_state: %w", err)
		}
		if err := os.WriteFile(filepath.Join(pausedDir, "task_state.json"), data, 0o644); err != nil {
			return fmt.Errorf("taskcontext: write task_state.json: %w", err)
		}
	}

	run.Status = models.StatusPaused
	if err := m.touchMetadata(pausedDir, run); err != nil {
		return err
	}
	if err := m.taskDB.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("taskcontext: save run after pause: %w", err)
	}

	m.logger.Info("paused task context", "uuid", run.UUID)
	return nil
}

// Complete moves a run's directory to completed/ with a terminal status
// (completed, failed, or stopped) and flips TaskDB accordingly.
func (m *Manager) Complete(ctx context.Context, run *models.Run, status models.Status, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("taskcontext: %q is not a terminal status", status)
	}

	runningDir := filepath.Join(m.rootDir, dirRunning, run.UUID)
	completedDir := filepath.Join(m.rootDir, dirCompleted, run.UUID)

	// A paused run can also be stopped/completed directly; try both source dirs.
	srcDir := runningDir
	if _, err := os.Stat(srcDir); err != nil {
		pausedDir := filepath.Join(m.rootDir, dirPaused, run.UUID)
		if _, pausedErr := os.Stat(pausedDir); pausedErr == nil {
			srcDir = pausedDir
		}
	}

	if err := os.Rename(srcDir, completedDir); err != nil {
		return fmt.Errorf("taskcontext: move %s -> %s: %w", srcDir, completedDir, err)
	}

	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.ErrorMessage = errMsg

	if err := m.touchMetadata(completedDir, run); err != nil {
		return err
	}
	if err := m.taskDB.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("taskcontext: save run after complete: %w", err)
	}

	m.logger.Info("completed task context", "uuid", run.UUID, "status", status)
	return nil
}

// Reconcile is the bootstrap watchdog sweep: any running/<uuid>/ whose
// metadata.json updated_at predates threshold is an orphaned crash. It is
// force-failed in TaskDB and moved to completed/ with a synthetic error
// message.
func (m *Manager) Reconcile(ctx context.Context, threshold time.Duration) (reconciled []string, err error) {
	runningRoot := filepath.Join(m.rootDir, dirRunning)
	entries, err := os.ReadDir(runningRoot)
	if err != nil {
		return nil, fmt.Errorf("taskcontext: read running dir: %w", err)
	}

	cutoff := time.Now().UTC().Add(-threshold)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		uuid := entry.Name()
		dir := filepath.Join(runningRoot, uuid)

		meta, err := readMetadata(dir)
		if err != nil {
			m.logger.Warn("reconcile: unreadable metadata, skipping", "uuid", uuid, "error", err)
			continue
		}
		if meta.UpdatedAt.After(cutoff) {
			continue
		}

		run, err := m.taskDB.GetRun(ctx, uuid)
		if err != nil {
			m.logger.Warn("reconcile: run missing from TaskDB, skipping", "uuid", uuid, "error", err)
			continue
		}

		if err := m.Complete(ctx, run, models.StatusFailed, "orphaned: directory stale past watchdog threshold"); err != nil {
			m.logger.Error("reconcile: failed to force-fail orphaned run", "uuid", uuid, "error", err)
			continue
		}
		reconciled = append(reconciled, uuid)
	}

	return reconciled, nil
}

// ListPaused returns the uuids of every paused run, for the startup sweep
// that moves each one back to running/ via Resume. The sweep does not put
// the runs back on the work queue.
func (m *Manager) ListPaused() ([]string, error) {
	pausedRoot := filepath.Join(m.rootDir, dirPaused)
	entries, err := os.ReadDir(pausedRoot)
	if err != nil {
		return nil, fmt.Errorf("taskcontext: read paused dir: %w", err)
	}

	var uuids []string
	for _, entry := range entries {
		if entry.IsDir() {
			uuids = append(uuids, entry.Name())
		}
	}
	return uuids, nil
}

// Open wires stores for an already-existing directory (running or paused),
// without performing any transition. Nothing in this module calls it;
// Start and Resume return their own Context.
func (m *Manager) Open(run *models.Run, dir string) *Context {
	return m.newContext(run, dir)
}

func (m *Manager) newContext(run *models.Run, dir string) *Context {
	return &Context{
		Run:       run,
		Dir:       dir,
		Messages:  contextstore.NewMessageStore(dir),
		Tools:     contextstore.NewToolStore(dir),
		Summaries: contextstore.NewSummaryStore(dir),
	}
}

// touchMetadata rewrites metadata.json in dir from run's current state,
// bumping updated_at. Called on every transition so the watchdog reconciler
// has an accurate staleness signal.
func (m *Manager) touchMetadata(dir string, run *models.Run) error {
	return writeMetadata(dir, toMetadata(run, time.Now().UTC()))
}

func toMetadata(run *models.Run, updatedAt time.Time) Metadata {
	keyJSON, _ := json.Marshal(run.TaskKey.ToDict())
	return Metadata{
		UUID:          run.UUID,
		TaskKey:       keyJSON,
		User:          run.User,
		Status:        string(run.Status),
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
		ProcessID:     run.ProcessID,
		Hostname:      run.Hostname,
		LLMProvider:   run.LLMProvider,
		Model:         run.Model,
		ContextLength: run.ContextLength,
		LLMCalls:      run.LLMCalls,
		ToolCalls:     run.ToolCalls,
		TotalTokens:   run.TotalTokens,
		Compressions:  run.Compressions,
		ErrorMessage:  run.ErrorMessage,
		IsResumed:     run.IsResumed,
		ResumeCount:   run.ResumeCount,
		UpdatedAt:     updatedAt,
	}
}

func writeMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("taskcontext: marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("taskcontext: write metadata.json: %w", err)
	}
	return nil
}

func readMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("taskcontext: read metadata.json: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("taskcontext: decode metadata.json: %w", err)
	}
	return &meta, nil
}

// ErrNotFound is returned (wrapped) by Resume when the uuid has no paused/
// directory.
var ErrNotFound = errors.New("taskcontext: run directory not found")

// TaskKeyFromMetadata decodes the TaskKey carried in metadata.json, for
// callers that only have a directory to read from. Reconcile does not use
// it; it loads the run from TaskDB.
func TaskKeyFromMetadata(meta *Metadata) (taskkey.Key, error) {
	var dict map[string]any
	if err := json.Unmarshal(meta.TaskKey, &dict); err != nil {
		return taskkey.Key{}, fmt.Errorf("taskcontext: decode task_key: %w", err)
	}
	key, err := taskkey.FromDict(dict)
	if err != nil {
		return taskkey.Key{}, fmt.Errorf("taskcontext: %w", err)
	}
	return key, nil
}
