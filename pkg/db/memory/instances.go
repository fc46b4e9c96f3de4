package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
)

func cloneInstance(in *models.Instance) *models.Instance {
	cp := *in
	return &cp
}

func (s *Store) CreateInstance(_ context.Context, inst *models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("instance %s: %w", inst.ID, db.ErrConflict)
	}
	if _, ok := s.names[inst.Name]; ok {
		return fmt.Errorf("instance name %s: %w", inst.Name, db.ErrConflict)
	}
	s.instances[inst.ID] = cloneInstance(inst)
	s.names[inst.Name] = inst.ID
	return nil
}

func (s *Store) GetInstance(_ context.Context, id string) (*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, db.ErrNotFound)
	}
	return cloneInstance(inst), nil
}

func (s *Store) filterInstances(keep func(*models.Instance) bool) []models.Instance {
	s.mu.RLock()
	out := []models.Instance{}
	for _, inst := range s.instances {
		if keep(inst) {
			out = append(out, *inst)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func hasStatus(inst *models.Instance, statuses []models.InstanceStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if inst.Status == st {
			return true
		}
	}
	return false
}

func (s *Store) ListInstancesByAccount(_ context.Context, accountID string) ([]models.Instance, error) {
	return s.filterInstances(func(i *models.Instance) bool { return i.AccountID == accountID }), nil
}

func (s *Store) ListInstancesByStatus(_ context.Context, statuses ...models.InstanceStatus) ([]models.Instance, error) {
	return s.filterInstances(func(i *models.Instance) bool { return hasStatus(i, statuses) }), nil
}

func (s *Store) ListExpiredInstances(_ context.Context, now time.Time, statuses ...models.InstanceStatus) ([]models.Instance, error) {
	return s.filterInstances(func(i *models.Instance) bool {
		return hasStatus(i, statuses) && !i.ExpiresAt.After(now)
	}), nil
}

func (s *Store) ListStaleInstances(_ context.Context, status models.InstanceStatus, before time.Time) ([]models.Instance, error) {
	return s.filterInstances(func(i *models.Instance) bool {
		return i.Status == status && i.StatusChangedAt.Before(before)
	}), nil
}

func (s *Store) UpdateInstance(_ context.Context, id string, cond models.InstanceCondition, patch models.InstancePatch) (*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, db.ErrNotFound)
	}
	if !cond.Matches(inst) {
		return nil, fmt.Errorf("instance %s is %s: %w", id, inst.Status, db.ErrStateMismatch)
	}
	patch.Apply(inst)
	return cloneInstance(inst), nil
}

func (s *Store) DeleteInstance(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false, nil
	}
	delete(s.names, inst.Name)
	delete(s.instances, id)
	return true, nil
}

func (s *Store) CountInstancesByStatus(context.Context) (map[models.InstanceStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[models.InstanceStatus]int{}
	for _, inst := range s.instances {
		out[inst.Status]++
	}
	return out, nil
}

func (s *Store) CountInstancesByAccount(context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{}
	for _, inst := range s.instances {
		out[inst.AccountID]++
	}
	return out, nil
}
