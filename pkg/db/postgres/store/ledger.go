package store

import (
	"context"
	"fmt"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/db/postgres"
)

func (d *DB) initTransactions(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS transactions (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			related_email TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS transactions_account_seq_idx ON transactions (account_id, seq DESC);
		CREATE INDEX IF NOT EXISTS transactions_account_kind_created_idx ON transactions (account_id, kind, created_at);
	`
	return d.Exec(ctx, query)
}

// ledgerTx runs every statement on the transaction carried by ctx.
type ledgerTx struct {
	d        *DB
	accounts map[string]*models.Account
}

// LockAccounts takes row locks in ascending id order so opposite transfers cannot deadlock.
func (d *DB) LockAccounts(ctx context.Context, ids []string, fn func(ctx context.Context, tx db.LedgerTx) error) error {
	ids = sortedUnique(ids)
	return d.InTx(ctx, func(txCtx context.Context) error {
		query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`
		rows, err := d.Query(txCtx, query, ids)
		if err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}
		locked := make(map[string]*models.Account, len(ids))
		for rows.Next() {
			a, scanErr := scanAccount(rows)
			if scanErr != nil {
				rows.Close()
				return fmt.Errorf("scan locked account: %w", scanErr)
			}
			locked[a.ID] = a
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock accounts: %w", err)
		}
		for _, id := range ids {
			if _, ok := locked[id]; !ok {
				return fmt.Errorf("account %s: %w", id, db.ErrNotFound)
			}
		}
		return fn(txCtx, &ledgerTx{d: d, accounts: locked})
	})
}

func (tx *ledgerTx) Account(id string) *models.Account {
	return tx.accounts[id]
}

func (tx *ledgerTx) SaveAccount(ctx context.Context, a *models.Account) error {
	if _, ok := tx.accounts[a.ID]; !ok {
		return fmt.Errorf("account %s is not locked", a.ID)
	}
	query := `
		UPDATE accounts
		SET coins = $2, last_claim_at = $3, referral_count = $4, updated_at = NOW()
		WHERE id = $1
	`
	if err := tx.d.Exec(ctx, query, a.ID, a.Coins, a.LastClaimAt, a.ReferralCount); err != nil {
		return fmt.Errorf("save account %s: %w", a.ID, err)
	}
	tx.accounts[a.ID] = a
	return nil
}

func (tx *ledgerTx) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	query := `
		INSERT INTO transactions (id, account_id, kind, amount, description, related_email, reference, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`
	err := tx.d.QueryRow(ctx, query,
		t.ID, t.AccountID, string(t.Kind), t.Amount, t.Description, t.RelatedEmail, t.Reference, t.BalanceAfter, t.CreatedAt,
	).Scan(&t.Seq)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (tx *ledgerTx) CountTransactions(ctx context.Context, accountID string, kind models.TransactionKind, reference string, from, to time.Time) (int, error) {
	return tx.d.CountTransactions(ctx, accountID, kind, reference, from, to)
}

func (tx *ledgerTx) GetTaskCompletion(ctx context.Context, accountID, taskID string) (*models.TaskCompletion, error) {
	return tx.d.getTaskCompletion(ctx, accountID, taskID)
}

func (tx *ledgerTx) SaveTaskCompletion(ctx context.Context, c *models.TaskCompletion) error {
	return tx.d.saveTaskCompletion(ctx, c)
}

func (d *DB) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	query := `
		SELECT seq, id, account_id, kind, amount, description, related_email, reference, balance_after, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := []models.Transaction{}
	for rows.Next() {
		var (
			t    models.Transaction
			kind string
		)
		if err := rows.Scan(&t.Seq, &t.ID, &t.AccountID, &kind, &t.Amount, &t.Description, &t.RelatedEmail, &t.Reference, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = models.TransactionKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) CountTransactions(ctx context.Context, accountID string, kind models.TransactionKind, reference string, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE account_id = $1 AND kind = $2 AND ($3 = '' OR reference = $3)
		  AND created_at >= $4 AND created_at < $5
	`
	var n int
	if err := d.QueryRow(ctx, query, accountID, string(kind), reference, from, to).Scan(&n); err != nil {
		if postgres.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}
