package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mutter0815/MassTexter/internal/dispatch"
)

const (
	qInsertTasksPrefix = `
		INSERT INTO dispatch_tasks (id, campaign_id, contact_id, payload, state)
		VALUES `
	taskInsertCols = 5

	qClaimUnpublished = `
		SELECT id, payload
		FROM dispatch_tasks
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	qMarkPublished = `
		UPDATE dispatch_tasks
		   SET published_at = NOW(), updated_at = NOW()
		 WHERE id = ANY($1::uuid[])`

	qSetTaskState = `
		UPDATE dispatch_tasks
		   SET state = $2, attempts = $3, last_error = $4, updated_at = NOW()
		 WHERE id = $1`

	qCountTasksByState = `
		SELECT state, COUNT(*)
		FROM dispatch_tasks
		GROUP BY state`

	qPruneCompleted = `
		DELETE FROM dispatch_tasks
		WHERE state = 'completed' AND updated_at < $1`
)

var _ dispatch.TaskStore = (*Store)(nil)

// InsertTasks writes outbox rows inside tx.
func (s *Store) InsertTasks(ctx context.Context, tx *sql.Tx, tasks []dispatch.Task) error {
	for start := 0; start < len(tasks); start += bulkChunk {
		end := min(start+bulkChunk, len(tasks))
		chunk := tasks[start:end]

		args := make([]any, 0, len(chunk)*taskInsertCols)
		for _, t := range chunk {
			payload, err := json.Marshal(t)
			if err != nil {
				return err
			}
			args = append(args, t.ID, t.CampaignID, t.ContactID, payload, string(dispatch.StateQueued))
		}
		query := qInsertTasksPrefix + placeholders(len(chunk), taskInsertCols)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// ClaimUnpublished locks a batch of unpublished rows, skipping rows another
// relay holds, and marks them published once publish returns nil.
func (s *Store) ClaimUnpublished(ctx context.Context, limit int, publish func([]dispatch.Task) error) (int, error) {
	var n int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, qClaimUnpublished, limit)
		if err != nil {
			return err
		}
		var tasks []dispatch.Task
		var ids []string
		for rows.Next() {
			var id string
			var payload []byte
			if err := rows.Scan(&id, &payload); err != nil {
				rows.Close()
				return err
			}
			var t dispatch.Task
			if err := json.Unmarshal(payload, &t); err != nil {
				rows.Close()
				return fmt.Errorf("decode task %s: %w", id, err)
			}
			t.ID = id
			tasks = append(tasks, t)
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(tasks) == 0 {
			return nil
		}

		if err := publish(tasks); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, qMarkPublished, textArray(ids)); err != nil {
			return err
		}
		n = len(tasks)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) SetTaskState(ctx context.Context, id string, state dispatch.State, attempts int, lastErr string) error {
	_, err := s.DB.ExecContext(ctx, qSetTaskState, id, string(state), attempts, nullString(lastErr))
	return err
}

func (s *Store) CountTasksByState(ctx context.Context) (map[dispatch.State]int, error) {
	rows, err := s.DB.QueryContext(ctx, qCountTasksByState)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[dispatch.State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[dispatch.State(state)] = n
	}
	return out, rows.Err()
}

// PruneCompletedTasks deletes completed task rows last touched before cutoff.
func (s *Store) PruneCompletedTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	return rowsAffected(s.DB.ExecContext(ctx, qPruneCompleted, cutoff))
}
