package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/db/postgres"
)

func (d *DB) initTaskCompletions(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS task_completions (
			account_id TEXT NOT NULL REFERENCES accounts(id),
			task_id TEXT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (account_id, task_id)
		)
	`
	return d.Exec(ctx, query)
}

func (d *DB) getTaskCompletion(ctx context.Context, accountID, taskID string) (*models.TaskCompletion, error) {
	query := `
		SELECT account_id, task_id, completed_at, metadata
		FROM task_completions
		WHERE account_id = $1 AND task_id = $2
	`
	var (
		c    models.TaskCompletion
		meta []byte
	)
	err := d.QueryRow(ctx, query, accountID, taskID).Scan(&c.AccountID, &c.TaskID, &c.CompletedAt, &meta)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("task %s for %s: %w", taskID, accountID, db.ErrNotFound)
		}
		return nil, fmt.Errorf("query task completion: %w", err)
	}
	if err := json.Unmarshal(meta, &c.Metadata); err != nil {
		return nil, fmt.Errorf("decode task metadata: %w", err)
	}
	return &c, nil
}

func (d *DB) saveTaskCompletion(ctx context.Context, c *models.TaskCompletion) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	query := `
		INSERT INTO task_completions (account_id, task_id, completed_at, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, task_id)
		DO UPDATE SET completed_at = EXCLUDED.completed_at, metadata = EXCLUDED.metadata
	`
	if err := d.Exec(ctx, query, c.AccountID, c.TaskID, c.CompletedAt, meta); err != nil {
		return fmt.Errorf("save task completion: %w", err)
	}
	return nil
}

func (d *DB) ListTaskCompletions(ctx context.Context, accountID string) ([]models.TaskCompletion, error) {
	query := `
		SELECT account_id, task_id, completed_at, metadata
		FROM task_completions
		WHERE account_id = $1
		ORDER BY completed_at
	`
	rows, err := d.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list task completions: %w", err)
	}
	defer rows.Close()

	out := []models.TaskCompletion{}
	for rows.Next() {
		var (
			c    models.TaskCompletion
			meta []byte
		)
		if err := rows.Scan(&c.AccountID, &c.TaskID, &c.CompletedAt, &meta); err != nil {
			return nil, fmt.Errorf("scan task completion: %w", err)
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
