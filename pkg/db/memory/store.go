// Package memory is an in-process Store used in development mode and by unit tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/puzpuzpuz/xsync/v4"
)

// Store keeps every table in maps guarded by one RWMutex. Ledger units of work
// additionally hold per-account mutexes so balance changes are serialized per account.
type Store struct {
	mu sync.RWMutex

	accounts map[string]*models.Account
	byEmail  map[string]string
	byCode   map[string]string

	txns map[string][]models.Transaction
	seq  int64

	instances map[string]*models.Instance
	names     map[string]string

	tasks map[string]models.TaskCompletion

	locks *xsync.Map[string, *sync.Mutex]
}

var _ db.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:  map[string]*models.Account{},
		byEmail:   map[string]string{},
		byCode:    map[string]string{},
		txns:      map[string][]models.Transaction{},
		instances: map[string]*models.Instance{},
		names:     map[string]string{},
		tasks:     map[string]models.TaskCompletion{},
		locks:     xsync.NewMap[string, *sync.Mutex](),
	}
}

func (s *Store) Health(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func taskKey(accountID, taskID string) string { return accountID + "/" + taskID }

func sortedUnique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func countIn(list []models.Transaction, kind models.TransactionKind, reference string, from, to time.Time) int {
	n := 0
	for i := range list {
		t := &list[i]
		if t.Kind != kind {
			continue
		}
		if reference != "" && t.Reference != reference {
			continue
		}
		if t.CreatedAt.Before(from) || !t.CreatedAt.Before(to) {
			continue
		}
		n++
	}
	return n
}
