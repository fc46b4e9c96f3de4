package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
)

// ledgerTx stages writes against cloned accounts; nothing is visible until commit.
type ledgerTx struct {
	s        *Store
	accounts map[string]*models.Account
	dirty    map[string]bool
	txns     []models.Transaction
	tasks    map[string]models.TaskCompletion
}

func (s *Store) LockAccounts(ctx context.Context, ids []string, fn func(ctx context.Context, tx db.LedgerTx) error) error {
	ids = sortedUnique(ids)
	for _, id := range ids {
		m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
		m.Lock()
		defer m.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &ledgerTx{
		s:        s,
		accounts: make(map[string]*models.Account, len(ids)),
		dirty:    map[string]bool{},
		tasks:    map[string]models.TaskCompletion{},
	}
	s.mu.RLock()
	for _, id := range ids {
		a, ok := s.accounts[id]
		if !ok {
			s.mu.RUnlock()
			return fmt.Errorf("account %s: %w", id, db.ErrNotFound)
		}
		tx.accounts[id] = a.Clone()
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (tx *ledgerTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.dirty {
		cur, ok := s.accounts[id]
		if !ok {
			continue
		}
		staged := tx.accounts[id]
		cur.Coins = staged.Coins
		cur.LastClaimAt = staged.LastClaimAt
		cur.ReferralCount = staged.ReferralCount
		cur.UpdatedAt = staged.UpdatedAt
	}
	for _, t := range tx.txns {
		s.seq++
		t.Seq = s.seq
		s.txns[t.AccountID] = append(s.txns[t.AccountID], t)
	}
	for k, c := range tx.tasks {
		s.tasks[k] = c
	}
}

func (tx *ledgerTx) Account(id string) *models.Account {
	return tx.accounts[id]
}

func (tx *ledgerTx) SaveAccount(_ context.Context, a *models.Account) error {
	if _, ok := tx.accounts[a.ID]; !ok {
		return fmt.Errorf("account %s is not locked", a.ID)
	}
	cp := a.Clone()
	cp.UpdatedAt = time.Now()
	tx.accounts[a.ID] = cp
	tx.dirty[a.ID] = true
	return nil
}

func (tx *ledgerTx) InsertTransaction(_ context.Context, t *models.Transaction) error {
	if _, ok := tx.accounts[t.AccountID]; !ok {
		return fmt.Errorf("account %s is not locked", t.AccountID)
	}
	tx.txns = append(tx.txns, *t)
	return nil
}

func (tx *ledgerTx) CountTransactions(ctx context.Context, accountID string, kind models.TransactionKind, reference string, from, to time.Time) (int, error) {
	n, err := tx.s.CountTransactions(ctx, accountID, kind, reference, from, to)
	if err != nil {
		return 0, err
	}
	var staged []models.Transaction
	for _, t := range tx.txns {
		if t.AccountID == accountID {
			staged = append(staged, t)
		}
	}
	return n + countIn(staged, kind, reference, from, to), nil
}

func (tx *ledgerTx) GetTaskCompletion(_ context.Context, accountID, taskID string) (*models.TaskCompletion, error) {
	key := taskKey(accountID, taskID)
	if c, ok := tx.tasks[key]; ok {
		return &c, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	c, ok := tx.s.tasks[key]
	if !ok {
		return nil, fmt.Errorf("task %s for %s: %w", taskID, accountID, db.ErrNotFound)
	}
	return &c, nil
}

func (tx *ledgerTx) SaveTaskCompletion(_ context.Context, c *models.TaskCompletion) error {
	if _, ok := tx.accounts[c.AccountID]; !ok {
		return fmt.Errorf("account %s is not locked", c.AccountID)
	}
	tx.tasks[taskKey(c.AccountID, c.TaskID)] = *c
	return nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.txns[accountID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]models.Transaction, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *Store) CountTransactions(_ context.Context, accountID string, kind models.TransactionKind, reference string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countIn(s.txns[accountID], kind, reference, from, to), nil
}

func (s *Store) ListTaskCompletions(_ context.Context, accountID string) ([]models.TaskCompletion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.TaskCompletion{}
	for _, c := range s.tasks {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}
