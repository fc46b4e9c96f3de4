package db

import (
	"context"
	"errors"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("conflict")
	// ErrStateMismatch is returned when a conditional update finds the row in another state.
	ErrStateMismatch = errors.New("state mismatch")
)

// AccountStore holds accounts. Balance fields are written only through LedgerTx.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error)
	UpdateProfile(ctx context.Context, id, firstName, lastName string) (*models.Account, error)
	SetAutoMonitor(ctx context.Context, id string, enabled bool) (*models.Account, error)
	SetAdmin(ctx context.Context, id string, admin bool) error
	// ListAccounts returns one page, newest first, plus the total count.
	ListAccounts(ctx context.Context, offset, limit int) ([]models.Account, int, error)
}

// LedgerTx is a unit of work over a set of locked accounts. Writes become visible
// to other readers only when the enclosing LockAccounts call returns nil.
type LedgerTx interface {
	// Account returns the locked account, or nil if id was not part of the lock set.
	Account(id string) *models.Account
	// SaveAccount persists coins, last claim and referral count of a locked account.
	SaveAccount(ctx context.Context, a *models.Account) error
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	CountTransactions(ctx context.Context, accountID string, kind models.TransactionKind, reference string, from, to time.Time) (int, error)
	GetTaskCompletion(ctx context.Context, accountID, taskID string) (*models.TaskCompletion, error)
	SaveTaskCompletion(ctx context.Context, c *models.TaskCompletion) error
}

// LedgerStore serializes balance mutations per account.
type LedgerStore interface {
	// LockAccounts locks ids in ascending order and runs fn. Unknown ids yield ErrNotFound.
	LockAccounts(ctx context.Context, ids []string, fn func(ctx context.Context, tx LedgerTx) error) error
	// ListTransactions returns the newest limit entries for an account, most recent first.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.Transaction, error)
	CountTransactions(ctx context.Context, accountID string, kind models.TransactionKind, reference string, from, to time.Time) (int, error)
}

// InstanceStore holds deployed bots. State changes go through UpdateInstance.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListInstancesByAccount(ctx context.Context, accountID string) ([]models.Instance, error)
	ListInstancesByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]models.Instance, error)
	// ListExpiredInstances returns instances in statuses whose ExpiresAt is at or before now.
	ListExpiredInstances(ctx context.Context, now time.Time, statuses ...models.InstanceStatus) ([]models.Instance, error)
	// ListStaleInstances returns instances that entered status before the given time.
	ListStaleInstances(ctx context.Context, status models.InstanceStatus, before time.Time) ([]models.Instance, error)
	// UpdateInstance applies patch only if cond holds, returning the updated row.
	// It fails with ErrNotFound when the row is gone and ErrStateMismatch when cond does not hold.
	UpdateInstance(ctx context.Context, id string, cond models.InstanceCondition, patch models.InstancePatch) (*models.Instance, error)
	// DeleteInstance removes the row; deleting an absent row is not an error.
	DeleteInstance(ctx context.Context, id string) (bool, error)
	CountInstancesByStatus(ctx context.Context) (map[models.InstanceStatus]int, error)
	CountInstancesByAccount(ctx context.Context) (map[string]int, error)
}

// TaskStore exposes read access to task completions; writes go through LedgerTx.
type TaskStore interface {
	ListTaskCompletions(ctx context.Context, accountID string) ([]models.TaskCompletion, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	AccountStore
	LedgerStore
	InstanceStore
	TaskStore
	Health(ctx context.Context) error
	Close() error
}
