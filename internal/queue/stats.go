package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/foreman/internal/models"
)

// Stats is the queue-wide summary shown by the CLI and the coordinator's
// idle check.
type Stats struct {
	Tasks         models.JobStats `json:"tasks"`
	TotalWorkers  int             `json:"total_workers"`
	ActiveWorkers int             `json:"active_workers"`
}

// Outstanding returns the number of non-terminal tasks across the queue.
func (s *Stats) Outstanding() int {
	return s.Tasks.Outstanding()
}

// GetStats returns queue-wide task counts and worker liveness. A worker
// counts as active when its heartbeat is younger than staleAfter.
func (q *Queue) GetStats(ctx context.Context, staleAfter time.Duration) (*Stats, error) {
	stats := &Stats{Tasks: make(models.JobStats, len(models.AllTaskStatuses))}
	for _, s := range models.AllTaskStatuses {
		stats.Tasks[s] = 0
	}

	rows, err := q.store.DB().QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to load task stats: %w", err)
	}
	for rows.Next() {
		var (
			status models.TaskStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Tasks[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cutoff := q.now().Add(-staleAfter).Unix()
	err = q.store.DB().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN last_heartbeat >= ? THEN 1 ELSE 0 END), 0)
		FROM workers`, cutoff,
	).Scan(&stats.TotalWorkers, &stats.ActiveWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker stats: %w", err)
	}

	return stats, nil
}
