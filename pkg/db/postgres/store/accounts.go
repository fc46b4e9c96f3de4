package store

import (
	"context"
	"fmt"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, email, password_hash, first_name, last_name, coins, last_claim_at,
	referral_code, referred_by, referral_count, auto_monitor, is_admin, created_at, updated_at`

func (d *DB) initAccounts(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			coins BIGINT NOT NULL DEFAULT 0 CHECK (coins >= 0),
			last_claim_at TIMESTAMPTZ,
			referral_code TEXT NOT NULL UNIQUE,
			referred_by TEXT NOT NULL DEFAULT '',
			referral_count INTEGER NOT NULL DEFAULT 0,
			auto_monitor BOOLEAN NOT NULL DEFAULT FALSE,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	return d.Exec(ctx, query)
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.FirstName,
		&a.LastName,
		&a.Coins,
		&a.LastClaimAt,
		&a.ReferralCode,
		&a.ReferredBy,
		&a.ReferralCount,
		&a.AutoMonitorEnabled,
		&a.IsAdmin,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d *DB) CreateAccount(ctx context.Context, a *models.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	err := d.Exec(ctx, query,
		a.ID, a.Email, a.PasswordHash, a.FirstName, a.LastName, a.Coins, a.LastClaimAt,
		a.ReferralCode, a.ReferredBy, a.ReferralCount, a.AutoMonitorEnabled, a.IsAdmin, a.CreatedAt, a.UpdatedAt,
	)
	if postgres.IsUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.Email, db.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (d *DB) getAccountWhere(ctx context.Context, where string, arg any) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + where
	a, err := scanAccount(d.QueryRow(ctx, query, arg))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("account %v: %w", arg, db.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query account %v: %w", arg, err)
	}
	return a, nil
}

func (d *DB) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return d.getAccountWhere(ctx, "id = $1", id)
}

func (d *DB) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return d.getAccountWhere(ctx, "email = $1", email)
}

func (d *DB) GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	return d.getAccountWhere(ctx, "referral_code = $1", code)
}

func (d *DB) updateAccountReturning(ctx context.Context, set string, args ...any) (*models.Account, error) {
	query := `UPDATE accounts SET ` + set + `, updated_at = NOW() WHERE id = $1 RETURNING ` + accountColumns
	a, err := scanAccount(d.QueryRow(ctx, query, args...))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("account %v: %w", args[0], db.ErrNotFound)
		}
		return nil, fmt.Errorf("update account %v: %w", args[0], err)
	}
	return a, nil
}

func (d *DB) UpdateProfile(ctx context.Context, id, firstName, lastName string) (*models.Account, error) {
	return d.updateAccountReturning(ctx, "first_name = $2, last_name = $3", id, firstName, lastName)
}

func (d *DB) SetAutoMonitor(ctx context.Context, id string, enabled bool) (*models.Account, error) {
	return d.updateAccountReturning(ctx, "auto_monitor = $2", id, enabled)
}

func (d *DB) SetAdmin(ctx context.Context, id string, admin bool) error {
	_, err := d.updateAccountReturning(ctx, "is_admin = $2", id, admin)
	return err
}

func (d *DB) ListAccounts(ctx context.Context, offset, limit int) ([]models.Account, int, error) {
	var total int
	if err := d.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count accounts: %w", err)
	}

	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at DESC, id DESC OFFSET $1 LIMIT $2`
	rows, err := d.Query(ctx, query, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := []models.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}
