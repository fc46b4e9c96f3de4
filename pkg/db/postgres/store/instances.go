package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

const instanceColumns = `id, account_id, name, provider_id, config, status, status_changed_at,
	deployed_at, expires_at, failure_count, pending_charge, last_error, created_at, updated_at`

func (d *DB) initInstances(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL UNIQUE,
			provider_id TEXT NOT NULL DEFAULT '',
			config JSONB NOT NULL,
			status TEXT NOT NULL,
			status_changed_at TIMESTAMPTZ NOT NULL,
			deployed_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0,
			pending_charge BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS instances_account_idx ON instances (account_id);
		CREATE INDEX IF NOT EXISTS instances_status_expires_idx ON instances (status, expires_at);
	`
	return d.Exec(ctx, query)
}

func scanInstance(row pgx.Row) (*models.Instance, error) {
	var (
		inst   models.Instance
		config []byte
		status string
	)
	err := row.Scan(
		&inst.ID,
		&inst.AccountID,
		&inst.Name,
		&inst.ProviderID,
		&config,
		&status,
		&inst.StatusChangedAt,
		&inst.DeployedAt,
		&inst.ExpiresAt,
		&inst.FailureCount,
		&inst.PendingCharge,
		&inst.LastError,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = models.InstanceStatus(status)
	if err := json.Unmarshal(config, &inst.Config); err != nil {
		return nil, fmt.Errorf("decode instance config: %w", err)
	}
	return &inst, nil
}

func statusStrings(statuses []models.InstanceStatus) []string {
	if len(statuses) == 0 {
		statuses = models.AllStatuses
	}
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (d *DB) CreateInstance(ctx context.Context, inst *models.Instance) error {
	config, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("encode instance config: %w", err)
	}
	query := `
		INSERT INTO instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	err = d.Exec(ctx, query,
		inst.ID, inst.AccountID, inst.Name, inst.ProviderID, config, string(inst.Status), inst.StatusChangedAt,
		inst.DeployedAt, inst.ExpiresAt, inst.FailureCount, inst.PendingCharge, inst.LastError, inst.CreatedAt, inst.UpdatedAt,
	)
	if postgres.IsUniqueViolation(err) {
		return fmt.Errorf("instance %s: %w", inst.Name, db.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (d *DB) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := scanInstance(d.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("instance %s: %w", id, db.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query instance %s: %w", id, err)
	}
	return inst, nil
}

func (d *DB) listInstances(ctx context.Context, where string, args ...any) ([]models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE ` + where + ` ORDER BY created_at DESC, id DESC`
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	out := []models.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (d *DB) ListInstancesByAccount(ctx context.Context, accountID string) ([]models.Instance, error) {
	return d.listInstances(ctx, "account_id = $1", accountID)
}

func (d *DB) ListInstancesByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]models.Instance, error) {
	return d.listInstances(ctx, "status = ANY($1)", statusStrings(statuses))
}

func (d *DB) ListExpiredInstances(ctx context.Context, now time.Time, statuses ...models.InstanceStatus) ([]models.Instance, error) {
	return d.listInstances(ctx, "expires_at <= $1 AND status = ANY($2)", now, statusStrings(statuses))
}

func (d *DB) ListStaleInstances(ctx context.Context, status models.InstanceStatus, before time.Time) ([]models.Instance, error) {
	return d.listInstances(ctx, "status = $1 AND status_changed_at < $2", string(status), before)
}

// UpdateInstance locks the row, checks cond in Go and writes the patched row back.
func (d *DB) UpdateInstance(ctx context.Context, id string, cond models.InstanceCondition, patch models.InstancePatch) (*models.Instance, error) {
	var updated *models.Instance
	err := d.InTx(ctx, func(txCtx context.Context) error {
		inst, err := scanInstance(d.QueryRow(txCtx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if postgres.IsNoRows(err) {
				return fmt.Errorf("instance %s: %w", id, db.ErrNotFound)
			}
			return fmt.Errorf("lock instance %s: %w", id, err)
		}
		if !cond.Matches(inst) {
			return fmt.Errorf("instance %s is %s: %w", id, inst.Status, db.ErrStateMismatch)
		}
		patch.Apply(inst)

		config, err := json.Marshal(inst.Config)
		if err != nil {
			return fmt.Errorf("encode instance config: %w", err)
		}
		query := `
			UPDATE instances
			SET provider_id = $2, config = $3, status = $4, status_changed_at = $5, expires_at = $6,
				failure_count = $7, pending_charge = $8, last_error = $9, updated_at = $10
			WHERE id = $1
		`
		if err := d.Exec(txCtx, query,
			inst.ID, inst.ProviderID, config, string(inst.Status), inst.StatusChangedAt, inst.ExpiresAt,
			inst.FailureCount, inst.PendingCharge, inst.LastError, inst.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update instance %s: %w", id, err)
		}
		updated = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *DB) DeleteInstance(ctx context.Context, id string) (bool, error) {
	tag, err := d.GetExecutor(ctx).Exec(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete instance %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (d *DB) CountInstancesByStatus(ctx context.Context) (map[models.InstanceStatus]int, error) {
	rows, err := d.Query(ctx, `SELECT status, COUNT(*) FROM instances GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count instances by status: %w", err)
	}
	defer rows.Close()
	out := map[models.InstanceStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.InstanceStatus(status)] = n
	}
	return out, rows.Err()
}

func (d *DB) CountInstancesByAccount(ctx context.Context) (map[string]int, error) {
	rows, err := d.Query(ctx, `SELECT account_id, COUNT(*) FROM instances GROUP BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("count instances by account: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			accountID string
			n         int
		)
		if err := rows.Scan(&accountID, &n); err != nil {
			return nil, err
		}
		out[accountID] = n
	}
	return out, rows.Err()
}
