package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB is the PostgreSQL implementation of db.Store.
type DB struct {
	postgres.Client
	Name string
}

var _ db.Store = (*DB)(nil)

// New connects with the pool settings for component and ensures the schema exists.
func New(ctx context.Context, logger *zap.Logger, name, component string) (*DB, error) {
	poolConfig := postgres.GetPoolConfigForComponent(component)
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	store := &DB{Client: client, Name: name}
	if err := store.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

// Close terminates the underlying PostgreSQL connection
func (d *DB) Close() error {
	d.Pool.Close()
	return nil
}

// InitializeDB ensures the required tables exist
func (d *DB) InitializeDB(ctx context.Context) error {
	d.Logger.Info("Initializing database", zap.String("database", d.Name))

	steps := []struct {
		table string
		init  func(context.Context) error
	}{
		{"accounts", d.initAccounts},
		{"transactions", d.initTransactions},
		{"instances", d.initInstances},
		{"task_completions", d.initTaskCompletions},
	}
	for _, step := range steps {
		d.Logger.Debug("Initialize table", zap.String("table", step.table))
		if err := step.init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", step.table, err)
		}
	}
	return nil
}

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
