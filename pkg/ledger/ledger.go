// Package ledger owns coin balances. Every balance change is paired with exactly
// one Transaction written in the same unit of work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInsufficientFunds  = apperr.New(apperr.KindInsufficientFunds, "insufficient coins")
	ErrSelfTransfer       = apperr.New(apperr.KindInvalidArgument, "cannot transfer coins to yourself")
	ErrRecipientNotFound  = apperr.New(apperr.KindInvalidArgument, "recipient not found")
	ErrAccountNotFound    = apperr.New(apperr.KindNotFound, "account not found")
	ErrNonPositiveAmount  = apperr.New(apperr.KindInvalidArgument, "amount must be positive")
	ErrUnknownTransaction = apperr.New(apperr.KindInvalidArgument, "unknown transaction kind")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Store is the persistence the ledger needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	db.LedgerStore
}

// Posting describes the non-amount fields of a transaction.
type Posting struct {
	Kind         models.TransactionKind
	Description  string
	RelatedEmail string
	Reference    string
}

// Ledger is safe for concurrent use; serialization happens in the store.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger.With(zap.String("component", "ledger")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time { return l.now() }

// Tx is a ledger unit of work over a set of locked accounts.
type Tx struct {
	db.LedgerTx
	l *Ledger
}

// Update locks ids and runs fn. Either everything fn wrote is committed or nothing is.
func (l *Ledger) Update(ctx context.Context, ids []string, fn func(ctx context.Context, tx *Tx) error) error {
	err := l.store.LockAccounts(ctx, ids, func(ctx context.Context, ltx db.LedgerTx) error {
		return fn(ctx, &Tx{LedgerTx: ltx, l: l})
	})
	if errors.Is(err, db.ErrNotFound) && apperr.KindOf(err) == apperr.KindInternal {
		return apperr.Wrap(apperr.KindNotFound, ErrAccountNotFound.Message, err)
	}
	return err
}

// Credit adds amount to a locked account.
func (tx *Tx) Credit(ctx context.Context, accountID string, amount int64, p Posting) (*models.Transaction, error) {
	return tx.post(ctx, accountID, amount, p)
}

// Debit removes amount from a locked account, failing with ErrInsufficientFunds
// before anything is written.
func (tx *Tx) Debit(ctx context.Context, accountID string, amount int64, p Posting) (*models.Transaction, error) {
	return tx.post(ctx, accountID, -amount, p)
}

func (tx *Tx) post(ctx context.Context, accountID string, signed int64, p Posting) (*models.Transaction, error) {
	if signed == 0 {
		return nil, ErrNonPositiveAmount
	}
	if !p.Kind.Valid() {
		return nil, ErrUnknownTransaction
	}
	acct := tx.Account(accountID)
	if acct == nil {
		return nil, fmt.Errorf("account %s is not part of this update: %w", accountID, ErrAccountNotFound)
	}
	if acct.Coins+signed < 0 {
		return nil, ErrInsufficientFunds
	}

	acct.Coins += signed
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}
	t := &models.Transaction{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Kind:         p.Kind,
		Amount:       signed,
		Description:  p.Description,
		RelatedEmail: p.RelatedEmail,
		Reference:    p.Reference,
		BalanceAfter: acct.Coins,
		CreatedAt:    tx.l.now().UTC(),
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func positive(amount int64) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}
	return nil
}

// Credit increments the balance of accountID and records the transaction.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, p Posting) (*models.Transaction, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	var out *models.Transaction
	err := l.Update(ctx, []string{accountID}, func(ctx context.Context, tx *Tx) error {
		t, err := tx.Credit(ctx, accountID, amount, p)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Debit decrements the balance of accountID, or fails atomically with ErrInsufficientFunds.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, p Posting) (*models.Transaction, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	var out *models.Transaction
	err := l.Update(ctx, []string{accountID}, func(ctx context.Context, tx *Tx) error {
		t, err := tx.Debit(ctx, accountID, amount, p)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransferResult holds both sides of a transfer.
type TransferResult struct {
	Sent     *models.Transaction `json:"sent"`
	Received *models.Transaction `json:"received"`
}

// Transfer moves amount from fromID to the account registered under toEmail.
// Both transactions are written in one unit of work.
func (l *Ledger) Transfer(ctx context.Context, fromID, toEmail string, amount int64) (*TransferResult, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	from, err := l.store.GetAccount(ctx, fromID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load sender: %w", err)
	}
	to, err := l.store.GetAccountByEmail(ctx, utils.NormalizeEmail(toEmail))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, fmt.Errorf("load recipient: %w", err)
	}
	if to.ID == from.ID {
		return nil, ErrSelfTransfer
	}

	res := &TransferResult{}
	err = l.Update(ctx, []string{from.ID, to.ID}, func(ctx context.Context, tx *Tx) error {
		sent, err := tx.Debit(ctx, from.ID, amount, Posting{
			Kind:         models.TxTransferSent,
			Description:  fmt.Sprintf("Sent %d coins to %s", amount, to.Email),
			RelatedEmail: to.Email,
		})
		if err != nil {
			return err
		}
		received, err := tx.Credit(ctx, to.ID, amount, Posting{
			Kind:         models.TxTransferReceived,
			Description:  fmt.Sprintf("Received %d coins from %s", amount, from.Email),
			RelatedEmail: from.Email,
		})
		if err != nil {
			return err
		}
		res.Sent, res.Received = sent, received
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("transfer committed",
		zap.String("from", from.ID),
		zap.String("to", to.ID),
		zap.Int64("amount", amount))
	return res, nil
}

// History returns the newest transactions of an account, most recent first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return l.store.ListTransactions(ctx, accountID, limit)
}

// Balance returns the committed balance of accountID.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return a.Coins, nil
}
