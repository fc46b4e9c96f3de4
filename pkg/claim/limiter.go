// Package claim enforces the daily coin claim policy on top of the ledger.
// Counts always come from persisted claim transactions, so the cap survives restarts.
package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/utils"
	"go.uber.org/zap"
)

// Reference tags claim transactions that count toward the daily cap.
const Reference = "daily_claim"

var ErrDailyCapReached = apperr.New(apperr.KindInvalidState, "daily claim limit reached, come back tomorrow")

// Policy holds the claim parameters.
type Policy struct {
	Amount   int64
	DailyCap int
	Location *time.Location
}

// DefaultPolicy is one coin per claim, ten per UTC day.
func DefaultPolicy() Policy {
	return Policy{Amount: 1, DailyCap: 10, Location: time.UTC}
}

// Store is the read side the limiter needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	CountTransactions(ctx context.Context, accountID string, kind models.TransactionKind, reference string, from, to time.Time) (int, error)
}

type Limiter struct {
	ledger *ledger.Ledger
	store  Store
	policy Policy
	logger *zap.Logger
}

func New(l *ledger.Ledger, store Store, policy Policy, logger *zap.Logger) *Limiter {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	return &Limiter{
		ledger: l,
		store:  store,
		policy: policy,
		logger: logger.With(zap.String("component", "claim")),
	}
}

// Result is returned by a successful claim.
type Result struct {
	CoinsRemaining int   `json:"coinsRemaining"`
	TotalCoins     int64 `json:"totalCoins"`
}

// Status summarizes today's claims for an account.
type Status struct {
	CanClaim     bool `json:"canClaim"`
	ClaimedToday int  `json:"claimedToday"`
	Remaining    int  `json:"remaining"`
	DailyCap     int  `json:"dailyCap"`
}

func (l *Limiter) dayBounds(now time.Time) (time.Time, time.Time) {
	start := utils.StartOfDay(now, l.policy.Location)
	return start, start.AddDate(0, 0, 1)
}

// CanClaim reports whether accountID may claim right now.
func (l *Limiter) CanClaim(ctx context.Context, accountID string) (bool, error) {
	st, err := l.Status(ctx, accountID)
	if err != nil {
		return false, err
	}
	return st.CanClaim, nil
}

// Status reports today's progress.
func (l *Limiter) Status(ctx context.Context, accountID string) (*Status, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "account not found", err)
	}
	now := l.ledger.Now()
	st := &Status{DailyCap: l.policy.DailyCap}

	if acct.LastClaimAt == nil || !utils.SameDay(*acct.LastClaimAt, now, l.policy.Location) {
		st.CanClaim = true
		st.Remaining = l.policy.DailyCap
		return st, nil
	}

	from, to := l.dayBounds(now)
	n, err := l.store.CountTransactions(ctx, accountID, models.TxClaim, Reference, from, to)
	if err != nil {
		return nil, fmt.Errorf("count claims: %w", err)
	}
	st.ClaimedToday = n
	st.Remaining = max(l.policy.DailyCap-n, 0)
	st.CanClaim = n < l.policy.DailyCap
	return st, nil
}

// ClaimOne credits one claim amount if the daily cap allows it. The count and the
// credit run under the account lock so concurrent claims cannot exceed the cap.
func (l *Limiter) ClaimOne(ctx context.Context, accountID string) (*Result, error) {
	res := &Result{}
	err := l.ledger.Update(ctx, []string{accountID}, func(ctx context.Context, tx *ledger.Tx) error {
		now := l.ledger.Now()
		from, to := l.dayBounds(now)
		n, err := tx.CountTransactions(ctx, accountID, models.TxClaim, Reference, from, to)
		if err != nil {
			return fmt.Errorf("count claims: %w", err)
		}
		if n >= l.policy.DailyCap {
			return ErrDailyCapReached
		}

		acct := tx.Account(accountID)
		if acct.LastClaimAt == nil || !utils.SameDay(*acct.LastClaimAt, now, l.policy.Location) {
			at := now.UTC()
			acct.LastClaimAt = &at
		}
		txn, err := tx.Credit(ctx, accountID, l.policy.Amount, ledger.Posting{
			Kind:        models.TxClaim,
			Description: fmt.Sprintf("Claimed %d coin", l.policy.Amount),
			Reference:   Reference,
		})
		if err != nil {
			return err
		}
		res.TotalCoins = txn.BalanceAfter
		res.CoinsRemaining = l.policy.DailyCap - (n + 1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("coin claimed",
		zap.String("account_id", accountID),
		zap.Int("remaining_today", res.CoinsRemaining))
	return res, nil
}
