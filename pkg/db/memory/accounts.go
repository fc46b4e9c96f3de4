package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
)

func (s *Store) CreateAccount(_ context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, db.ErrConflict)
	}
	if _, ok := s.byEmail[a.Email]; ok {
		return fmt.Errorf("email %s: %w", a.Email, db.ErrConflict)
	}
	if _, ok := s.byCode[a.ReferralCode]; ok {
		return fmt.Errorf("referral code %s: %w", a.ReferralCode, db.ErrConflict)
	}
	s.accounts[a.ID] = a.Clone()
	s.byEmail[a.Email] = a.ID
	s.byCode[a.ReferralCode] = a.ID
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, db.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	s.mu.RLock()
	id, ok := s.byEmail[email]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account with email %s: %w", email, db.ErrNotFound)
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	s.mu.RLock()
	id, ok := s.byCode[code]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("referral code %s: %w", code, db.ErrNotFound)
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) mutateAccount(id string, fn func(a *models.Account)) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, db.ErrNotFound)
	}
	fn(a)
	a.UpdatedAt = time.Now()
	return a.Clone(), nil
}

func (s *Store) UpdateProfile(_ context.Context, id, firstName, lastName string) (*models.Account, error) {
	return s.mutateAccount(id, func(a *models.Account) {
		a.FirstName = firstName
		a.LastName = lastName
	})
}

func (s *Store) SetAutoMonitor(_ context.Context, id string, enabled bool) (*models.Account, error) {
	return s.mutateAccount(id, func(a *models.Account) { a.AutoMonitorEnabled = enabled })
}

func (s *Store) SetAdmin(_ context.Context, id string, admin bool) error {
	_, err := s.mutateAccount(id, func(a *models.Account) { a.IsAdmin = admin })
	return err
}

func (s *Store) ListAccounts(_ context.Context, offset, limit int) ([]models.Account, int, error) {
	s.mu.RLock()
	all := make([]models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		all = append(all, *a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []models.Account{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
