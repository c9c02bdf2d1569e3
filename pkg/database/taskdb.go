package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	googleuuid "github.com/google/uuid"

	"github.com/taskagent/runtime/pkg/models"
	"github.com/taskagent/runtime/pkg/taskkey"
)

// ErrRunNotFound is returned when a lookup by uuid or key finds nothing.
var ErrRunNotFound = errors.New("database: task run not found")

// TaskDB is the queryable index of task runs. It mirrors in Postgres what
// metadata.json holds per run on disk, so a run can be found by status,
// user, creation time, or TaskKey without walking the context directory
// tree.
type TaskDB struct {
	db *sql.DB
}

// NewTaskDB wraps an open connection pool.
func NewTaskDB(db *sql.DB) *TaskDB {
	return &TaskDB{db: db}
}

// keyProjection flattens a TaskKey into the six columns used for storage
// and for the composite lookup index, splitting the kind discriminator
// into its source/type halves (e.g. "github_issue" -> source "github",
// type "issue").
func keyProjection(k taskkey.Key) (source, typ, owner, repo, projectID string, number int) {
	parts := strings.SplitN(string(k.Kind), "_", 2)
	source = parts[0]
	if len(parts) > 1 {
		typ = parts[1]
	} else {
		typ = parts[0]
	}

	switch k.Kind {
	case taskkey.GitHubIssue, taskkey.GitHubPullRequest:
		return source, typ, k.Owner, k.Repo, "", k.Number
	case taskkey.GitLabIssue, taskkey.GitLabMergeRequest:
		return source, typ, "", "", k.ProjectID, k.IID
	default:
		return source, typ, k.Owner, k.Repo, k.ProjectID, k.Number
	}
}

func keyFromProjection(source, typ, owner, repo, projectID string, number int) (taskkey.Key, error) {
	switch source + "_" + typ {
	case "github_issue":
		return taskkey.NewGitHubIssue(owner, repo, number), nil
	case "github_pull_request":
		return taskkey.NewGitHubPullRequest(owner, repo, number), nil
	case "gitlab_issue":
		return taskkey.NewGitLabIssue(projectID, number), nil
	case "gitlab_merge_request":
		return taskkey.NewGitLabMergeRequest(projectID, number), nil
	default:
		return taskkey.Key{}, fmt.Errorf("database: unknown task_source/task_type combination %q/%q", source, typ)
	}
}

// CreateRun inserts a new row for a freshly created run, in StatusPending.
func (t *TaskDB) CreateRun(ctx context.Context, run *models.Run) error {
	source, typ, owner, repo, projectID, number := keyProjection(run.TaskKey)

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO task_runs (
			uuid, task_source, task_type, owner, repo, project_id, number,
			user_name, status, created_at, is_resumed, resume_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		run.UUID, source, typ, nullable(owner), nullable(repo), nullable(projectID), number,
		nullable(run.User), string(run.Status), run.CreatedAt, run.IsResumed, run.ResumeCount,
	)
	if err != nil {
		return fmt.Errorf("database: create run: %w", err)
	}
	return nil
}

// GetRun fetches a run by uuid.
func (t *TaskDB) GetRun(ctx context.Context, uuid string) (*models.Run, error) {
	if _, err := googleuuid.Parse(uuid); err != nil {
		return nil, ErrRunNotFound
	}
	row := t.db.QueryRowContext(ctx, runColumns+" FROM task_runs WHERE uuid = $1", uuid)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: get run: %w", err)
	}
	return run, nil
}

// GetLatestRunByKey returns the most recently created run for key,
// regardless of status.
func (t *TaskDB) GetLatestRunByKey(ctx context.Context, key taskkey.Key) (*models.Run, error) {
	source, typ, owner, repo, projectID, number := keyProjection(key)
	row := t.db.QueryRowContext(ctx,
		runColumns+` FROM task_runs
		WHERE task_source = $1 AND task_type = $2
		  AND owner IS NOT DISTINCT FROM $3 AND repo IS NOT DISTINCT FROM $4
		  AND project_id IS NOT DISTINCT FROM $5 AND number = $6
		ORDER BY created_at DESC LIMIT 1`,
		source, typ, nullable(owner), nullable(repo), nullable(projectID), number,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: get latest run by key: %w", err)
	}
	return run, nil
}

// FindCompletedRunsByKey returns completed or stopped runs for key,
// completed on or after since, ordered by completion time descending.
// This backs context inheritance: the caller reads index 0's summary as
// the most recent prior attempt.
func (t *TaskDB) FindCompletedRunsByKey(ctx context.Context, key taskkey.Key, since time.Time) ([]*models.Run, error) {
	source, typ, owner, repo, projectID, number := keyProjection(key)
	rows, err := t.db.QueryContext(ctx,
		runColumns+` FROM task_runs
		WHERE task_source = $1 AND task_type = $2
		  AND owner IS NOT DISTINCT FROM $3 AND repo IS NOT DISTINCT FROM $4
		  AND project_id IS NOT DISTINCT FROM $5 AND number = $6
		  AND status IN ('completed', 'stopped')
		  AND completed_at >= $7
		ORDER BY completed_at DESC`,
		source, typ, nullable(owner), nullable(repo), nullable(projectID), number, since,
	)
	if err != nil {
		return nil, fmt.Errorf("database: find completed runs by key: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("database: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListStale returns running runs whose started_at is older than the
// threshold, for the startup watchdog reconciler that force-fails orphaned
// crashed runs.
func (t *TaskDB) ListStale(ctx context.Context, threshold time.Time) ([]*models.Run, error) {
	rows, err := t.db.QueryContext(ctx,
		runColumns+` FROM task_runs WHERE status = 'running' AND started_at < $1`, threshold)
	if err != nil {
		return nil, fmt.Errorf("database: list stale runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("database: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveRun persists the full mutable state of run (status, timestamps,
// counters, process info, error message).
func (t *TaskDB) SaveRun(ctx context.Context, run *models.Run) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE task_runs SET
			status = $2, started_at = $3, completed_at = $4,
			process_id = $5, hostname = $6,
			llm_provider = $7, model = $8, context_length = $9,
			llm_calls = $10, tool_calls = $11, total_tokens = $12, compressions = $13,
			error_message = $14, is_resumed = $15, resume_count = $16
		WHERE uuid = $1`,
		run.UUID, string(run.Status), run.StartedAt, run.CompletedAt,
		nullableInt(run.ProcessID), nullable(run.Hostname),
		nullable(run.LLMProvider), nullable(run.Model), nullableInt(run.ContextLength),
		run.LLMCalls, run.ToolCalls, run.TotalTokens, run.Compressions,
		nullable(run.ErrorMessage), run.IsResumed, run.ResumeCount,
	)
	if err != nil {
		return fmt.Errorf("database: save run: %w", err)
	}
	return nil
}

const runColumns = `SELECT
	uuid, task_source, task_type, owner, repo, project_id, number,
	user_name, status, created_at, started_at, completed_at,
	process_id, hostname, llm_provider, model, context_length,
	llm_calls, tool_calls, total_tokens, compressions,
	error_message, is_resumed, resume_count`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run                                  models.Run
		source, typ, owner, repo, projectID  sql.NullString
		number                                int
		user, llmProvider, model, errorMsg   sql.NullString
		processID, contextLength             sql.NullInt64
		hostname                             sql.NullString
		startedAt, completedAt               sql.NullTime
	)

	if err := row.Scan(
		&run.UUID, &source, &typ, &owner, &repo, &projectID, &number,
		&user, &run.Status, &run.CreatedAt, &startedAt, &completedAt,
		&processID, &hostname, &llmProvider, &model, &contextLength,
		&run.LLMCalls, &run.ToolCalls, &run.TotalTokens, &run.Compressions,
		&errorMsg, &run.IsResumed, &run.ResumeCount,
	); err != nil {
		return nil, err
	}

	key, err := keyFromProjection(source.String, typ.String, owner.String, repo.String, projectID.String, number)
	if err != nil {
		return nil, err
	}
	run.TaskKey = key
	run.User = user.String
	run.LLMProvider = llmProvider.String
	run.Model = model.String
	run.ContextLength = int(contextLength.Int64)
	run.ProcessID = int(processID.Int64)
	run.Hostname = hostname.String
	run.ErrorMessage = errorMsg.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return &run, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
