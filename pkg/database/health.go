package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus represents database health, connection pool statistics, and
// the task-run-specific signal an operator actually wants from this
// endpoint: how many runs TaskDB still lists as "running" past the
// watchdog staleness threshold, independent of whether the filesystem
// watchdog sweep (taskcontext.Manager.Reconcile) has caught up with them
// yet. A non-zero count with a healthy connection pool usually means the
// reconcile sweep hasn't run since the last crash, not a database problem.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    time.Duration `json:"response_time_ms"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration_ms"`
	MaxOpenConns    int           `json:"max_open_conns"`
	StaleRuns       int           `json:"stale_runs"`
}

// Health checks database connectivity, returns connection pool statistics,
// and counts runs TaskDB still has as "running" older than staleThreshold
// (via TaskDB.ListStale). taskDB may be nil — callers without a TaskDB
// handle (e.g. a plain connectivity probe) get StaleRuns always 0.
func Health(ctx context.Context, db *sql.DB, taskDB *TaskDB, staleThreshold time.Duration) (*HealthStatus, error) {
	start := time.Now()

	// Ping database
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start),
		}, err
	}

	// Get connection pool stats
	stats := db.Stats()

	status := &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration,
		MaxOpenConns:    stats.MaxOpenConnections,
	}

	if taskDB != nil && staleThreshold > 0 {
		stale, err := taskDB.ListStale(ctx, start.Add(-staleThreshold))
		if err != nil {
			return status, err
		}
		status.StaleRuns = len(stale)
	}

	return status, nil
}
