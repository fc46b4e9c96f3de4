// Package tasks implements one-shot and daily reward tasks. Every completion
// credits the ledger in the same unit of work that records it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

var (
	ErrUnknownTask      = apperr.New(apperr.KindNotFound, "task not found")
	ErrAlreadyCompleted = apperr.New(apperr.KindConflict, "task already completed")
	ErrDailyLimit       = apperr.New(apperr.KindInvalidState, "daily limit reached")
)

// Store is the read side of task completions and accounts.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListTaskCompletions(ctx context.Context, accountID string) ([]models.TaskCompletion, error)
}

// Config holds engine parameters.
type Config struct {
	Catalog  Catalog
	DailyCap int
	Location *time.Location
}

// View is a task as seen by one account.
type View struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Link          string `json:"link,omitempty"`
	Reward        int64  `json:"reward"`
	Completed     bool   `json:"completed"`
	CanComplete   bool   `json:"canComplete"`
	DailyLimit    int    `json:"dailyLimit,omitempty"`
	DailyProgress *int   `json:"dailyProgress,omitempty"`
}

// Result is returned by Complete.
type Result struct {
	Reward     int64  `json:"reward"`
	NewBalance int64  `json:"newBalance"`
	Message    string `json:"message"`
	// DailyProgress is set for daily tasks.
	DailyProgress int `json:"dailyProgress,omitempty"`
}

type Engine struct {
	ledger *ledger.Ledger
	store  Store
	cfg    Config
	logger *zap.Logger
}

func New(l *ledger.Ledger, store Store, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 10
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog(5)
	}
	return &Engine{
		ledger: l,
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "tasks")),
	}
}

// Reference tags the ledger transaction of a task completion.
func Reference(taskID string) string {
	return "task:" + taskID
}

func (e *Engine) today() string {
	return e.ledger.Now().In(e.cfg.Location).Format(dateLayout)
}

// countToday returns the daily counter, treating a stale date as zero.
func countToday(c *models.TaskCompletion, today string) int {
	if c == nil || c.Metadata.LastDate != today {
		return 0
	}
	return c.Metadata.CountToday
}

// List returns the catalog in order with the account's progress.
func (e *Engine) List(ctx context.Context, accountID string) ([]View, error) {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, err
	}
	done, err := e.store.ListTaskCompletions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list task completions: %w", err)
	}
	byID := make(map[string]*models.TaskCompletion, len(done))
	for i := range done {
		byID[done[i].TaskID] = &done[i]
	}

	today := e.today()
	out := make([]View, 0, len(e.cfg.Catalog))
	for _, t := range e.cfg.Catalog {
		v := View{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Link:        t.Link,
			Reward:      t.Reward,
		}
		c := byID[t.ID]
		switch t.Kind {
		case Daily:
			n := countToday(c, today)
			v.DailyLimit = e.cfg.DailyCap
			v.DailyProgress = &n
			v.CanComplete = n < e.cfg.DailyCap
		default:
			v.Completed = c != nil
			v.CanComplete = c == nil && acct.ReferralCount >= t.MinReferrals
		}
		out = append(out, v)
	}
	return out, nil
}

// Complete records a completion of taskID and credits its reward.
func (e *Engine) Complete(ctx context.Context, accountID, taskID string) (*Result, error) {
	task, ok := e.cfg.Catalog.Find(taskID)
	if !ok {
		return nil, ErrUnknownTask
	}

	res := &Result{Reward: task.Reward}
	err := e.ledger.Update(ctx, []string{accountID}, func(ctx context.Context, tx *ledger.Tx) error {
		existing, err := tx.GetTaskCompletion(ctx, accountID, taskID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			existing = nil
		case err != nil:
			return fmt.Errorf("load task completion: %w", err)
		}

		now := e.ledger.Now().UTC()
		today := e.today()
		var rec *models.TaskCompletion

		switch task.Kind {
		case Daily:
			n := countToday(existing, today)
			if n >= e.cfg.DailyCap {
				return ErrDailyLimit
			}
			if existing != nil {
				rec = existing
			} else {
				rec = &models.TaskCompletion{AccountID: accountID, TaskID: taskID}
			}
			rec.CompletedAt = now
			rec.Metadata = models.TaskMetadata{CountToday: n + 1, LastDate: today}
			res.DailyProgress = n + 1
		default:
			if existing != nil {
				return ErrAlreadyCompleted
			}
			if refs := tx.Account(accountID).ReferralCount; refs < task.MinReferrals {
				return apperr.Newf(apperr.KindInvalidState, "you need %d referrals to complete this task", task.MinReferrals)
			}
			rec = &models.TaskCompletion{AccountID: accountID, TaskID: taskID, CompletedAt: now}
		}

		if err := tx.SaveTaskCompletion(ctx, rec); err != nil {
			return fmt.Errorf("save task completion: %w", err)
		}
		txn, err := tx.Credit(ctx, accountID, task.Reward, ledger.Posting{
			Kind:        models.TxClaim,
			Description: fmt.Sprintf("Completed task: %s", task.Title),
			Reference:   Reference(taskID),
		})
		if err != nil {
			return err
		}
		res.NewBalance = txn.BalanceAfter
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Message = fmt.Sprintf("Task completed! You earned %d coins.", task.Reward)
	e.logger.Debug("task completed",
		zap.String("account", accountID),
		zap.String("task", taskID),
		zap.Int64("reward", task.Reward))
	return res, nil
}
