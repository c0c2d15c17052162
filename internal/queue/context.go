package queue

import (
	"context"
	"fmt"
)

// Shared context rows use the empty string as the global scope so the
// UNIQUE(job_id, key) constraint holds for global entries too.
const globalScope = ""

// SetSharedContext upserts a key/value hint in the given job scope; an empty
// jobID targets the global scope.
func (q *Queue) SetSharedContext(ctx context.Context, jobID, key, value string) error {
	if key == "" {
		return fmt.Errorf("shared context key must not be empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().Unix()
	_, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO shared_context (job_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		jobID, key, value, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set shared context %q: %w", key, err)
	}
	return nil
}

// GetSharedContext returns the merged context for a job: global entries
// overlaid by job-scoped ones. With an empty jobID only globals are
// returned.
func (q *Queue) GetSharedContext(ctx context.Context, jobID string) (map[string]string, error) {
	merged := map[string]string{}

	scopes := []string{globalScope}
	if jobID != "" {
		scopes = append(scopes, jobID)
	}

	for _, scope := range scopes {
		rows, err := q.store.DB().QueryContext(ctx,
			`SELECT key, value FROM shared_context WHERE job_id = ?`, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load shared context: %w", err)
		}
		for rows.Next() {
			var key, value string
			if err := rows.Scan(&key, &value); err != nil {
				rows.Close()
				return nil, err
			}
			merged[key] = value
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// DeleteSharedContext removes a key from the given scope. Deleting a
// job-scoped key never touches the global entry behind it.
func (q *Queue) DeleteSharedContext(ctx context.Context, jobID, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.DB().ExecContext(ctx,
		`DELETE FROM shared_context WHERE job_id = ? AND key = ?`, jobID, key); err != nil {
		return fmt.Errorf("failed to delete shared context %q: %w", key, err)
	}
	return nil
}
