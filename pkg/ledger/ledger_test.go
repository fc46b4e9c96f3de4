package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db/memory"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setup(t *testing.T, ids ...string) (*ledger.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	for _, id := range ids {
		require.NoError(t, store.CreateAccount(context.Background(), &models.Account{
			ID:           id,
			Email:        id + "@example.com",
			ReferralCode: "ref-" + id,
			CreatedAt:    time.Now(),
		}))
	}
	return ledger.New(store, zaptest.NewLogger(t)), store
}

func grant(kind models.TransactionKind) ledger.Posting {
	return ledger.Posting{Kind: kind, Description: "test"}
}

// requireConsistent checks balance == sum(amounts) and the balanceAfter chain.
func requireConsistent(t *testing.T, l *ledger.Ledger, id string) {
	t.Helper()
	ctx := context.Background()
	balance, err := l.Balance(ctx, id)
	require.NoError(t, err)
	history, err := l.History(ctx, id, ledger.MaxHistoryLimit)
	require.NoError(t, err)

	var running int64
	for i := len(history) - 1; i >= 0; i-- {
		running += history[i].Amount
		require.Equal(t, running, history[i].BalanceAfter, "balanceAfter of %s", history[i].ID)
	}
	require.Equal(t, balance, running)
}

func TestCreditDebit(t *testing.T) {
	ctx := context.Background()
	l, _ := setup(t, "a")

	txn, err := l.Credit(ctx, "a", 10, grant(models.TxClaim))
	require.NoError(t, err)
	require.EqualValues(t, 10, txn.BalanceAfter)

	txn, err = l.Debit(ctx, "a", 4, grant(models.TxDeduction))
	require.NoError(t, err)
	require.EqualValues(t, -4, txn.Amount)
	require.EqualValues(t, 6, txn.BalanceAfter)

	t.Run("insufficient funds writes nothing", func(t *testing.T) {
		_, err := l.Debit(ctx, "a", 7, grant(models.TxDeduction))
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		history, err := l.History(ctx, "a", 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		_, err := l.Credit(ctx, "a", 0, grant(models.TxClaim))
		require.True(t, apperr.Is(err, apperr.KindInvalidArgument))
		_, err = l.Debit(ctx, "a", -3, grant(models.TxDeduction))
		require.True(t, apperr.Is(err, apperr.KindInvalidArgument))
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := l.Credit(ctx, "nope", 1, grant(models.TxClaim))
		require.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	requireConsistent(t, l, "a")
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	l, _ := setup(t, "a", "b")
	_, err := l.Credit(ctx, "a", 10, grant(models.TxClaim))
	require.NoError(t, err)

	res, err := l.Transfer(ctx, "a", "B@Example.com ", 4)
	require.NoError(t, err)
	require.Equal(t, models.TxTransferSent, res.Sent.Kind)
	require.Equal(t, "b@example.com", res.Sent.RelatedEmail)
	require.Equal(t, models.TxTransferReceived, res.Received.Kind)
	require.Equal(t, "a@example.com", res.Received.RelatedEmail)

	cases := []struct {
		name  string
		to    string
		amt   int64
		check error
	}{
		{"self transfer", "a@example.com", 1, ledger.ErrSelfTransfer},
		{"unknown recipient", "ghost@example.com", 1, ledger.ErrRecipientNotFound},
		{"insufficient", "b@example.com", 7, ledger.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Transfer(ctx, "a", tc.to, tc.amt)
			require.ErrorIs(t, err, tc.check)
		})
	}

	balA, _ := l.Balance(ctx, "a")
	balB, _ := l.Balance(ctx, "b")
	require.EqualValues(t, 6, balA)
	require.EqualValues(t, 4, balB)
	requireConsistent(t, l, "a")
	requireConsistent(t, l, "b")
}

func TestConcurrentTransfersCannotOverdraw(t *testing.T) {
	ctx := context.Background()
	l, _ := setup(t, "a", "b", "c")
	_, err := l.Credit(ctx, "a", 10, grant(models.TxClaim))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, to := range []string{"b@example.com", "c@example.com", "b@example.com", "c@example.com"} {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			if _, err := l.Transfer(ctx, "a", to, 10); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	bal, _ := l.Balance(ctx, "a")
	require.Zero(t, bal)
	requireConsistent(t, l, "a")
}

func TestOppositeTransfersDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	l, _ := setup(t, "a", "b")
	_, _ = l.Credit(ctx, "a", 100, grant(models.TxClaim))
	_, _ = l.Credit(ctx, "b", 100, grant(models.TxClaim))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = l.Transfer(ctx, "a", "b@example.com", 1) }()
		go func() { defer wg.Done(); _, _ = l.Transfer(ctx, "b", "a@example.com", 1) }()
	}
	wg.Wait()

	balA, _ := l.Balance(ctx, "a")
	balB, _ := l.Balance(ctx, "b")
	require.EqualValues(t, 200, balA+balB)
	requireConsistent(t, l, "a")
	requireConsistent(t, l, "b")
}

func TestHistoryLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := setup(t, "a")
	for i := 0; i < 5; i++ {
		_, err := l.Credit(ctx, "a", 1, grant(models.TxClaim))
		require.NoError(t, err)
	}
	history, err := l.History(ctx, "a", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.EqualValues(t, 5, history[0].BalanceAfter)
}
