package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/lifecycle"
	"github.com/eclipsemd/botdeck/pkg/redis"
	"github.com/eclipsemd/botdeck/pkg/utils"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	PassMonitor    = "monitor"
	PassExpiration = "expiration"
	PassSweep      = "sweep"

	lockPrefix = "botdeck:pass:"
)

// Store is the read side the loops scan.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListInstancesByStatus(ctx context.Context, statuses ...models.InstanceStatus) ([]models.Instance, error)
	ListExpiredInstances(ctx context.Context, now time.Time, statuses ...models.InstanceStatus) ([]models.Instance, error)
	ListStaleInstances(ctx context.Context, status models.InstanceStatus, before time.Time) ([]models.Instance, error)
}

// Lifecycle performs the per-instance maintenance steps.
type Lifecycle interface {
	MonitorRestart(ctx context.Context, inst *models.Instance, threshold int, cost int64) (lifecycle.Outcome, error)
	Renew(ctx context.Context, inst *models.Instance) (lifecycle.Outcome, error)
	ReclaimStuck(ctx context.Context, inst *models.Instance) (lifecycle.Outcome, error)
	SweepFailed(ctx context.Context, id string, before time.Time) (lifecycle.Outcome, error)
}

// Locker makes sure a pass runs on one replica at a time.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (func(context.Context), error)
}

// Config holds the loop intervals and thresholds.
type Config struct {
	MonitorInterval    time.Duration
	ExpirationInterval time.Duration
	SweepInterval      time.Duration
	PassTimeout        time.Duration

	FailureThreshold  int
	RestartCost       int64
	FailedTTL         time.Duration
	MaxDeployDuration time.Duration
	Workers           int

	// OptInOnly limits the monitor pass to owners with auto-monitoring turned on.
	OptInOnly bool
}

func ConfigFromEnv() Config {
	return Config{
		MonitorInterval:    utils.EnvDuration("MONITOR_INTERVAL", 10*time.Minute),
		ExpirationInterval: utils.EnvDuration("EXPIRATION_INTERVAL", time.Hour),
		SweepInterval:      utils.EnvDuration("SWEEP_INTERVAL", time.Hour),
		PassTimeout:        utils.EnvDuration("PASS_TIMEOUT", 9*time.Minute),
		FailureThreshold:   utils.EnvInt("MONITOR_FAILURE_THRESHOLD", 3),
		RestartCost:        utils.EnvInt64("MONITOR_RESTART_COST", 0),
		OptInOnly:          utils.EnvBool("MONITOR_OPT_IN_ONLY", false),
		FailedTTL:          utils.EnvDuration("FAILED_TTL", 24*time.Hour),
		MaxDeployDuration:  utils.EnvDuration("MAX_DEPLOY_DURATION", 30*time.Minute),
		Workers:            utils.EnvInt("LOOP_WORKERS", 4),
	}
}

// App runs the auto-monitor, expiration and sweep loops on a cron schedule.
type App struct {
	Store     Store
	Lifecycle Lifecycle
	// Locker is optional; without it every replica runs every pass.
	Locker Locker
	Config Config

	// Cron triggers the passes at the configured intervals.
	Cron *cron.Cron
	// Pool runs the per-instance steps of a pass.
	Pool   pond.Pool
	Logger *zap.Logger
	Now    func() time.Time

	token string
}

func New(store Store, lc Lifecycle, cfg Config, logger *zap.Logger) *App {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 9 * time.Minute
	}
	host, _ := os.Hostname()
	return &App{
		Store:     store,
		Lifecycle: lc,
		Config:    cfg,
		Pool:      pond.NewPool(cfg.Workers),
		Logger:    logger.With(zap.String("component", "controller")),
		Now:       time.Now,
		token:     fmt.Sprintf("%s/%s", host, uuid.NewString()),
	}
}

// SetupScheduler registers one cron entry per pass.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	passes := []struct {
		name  string
		every time.Duration
		fn    func(context.Context) (*Summary, error)
	}{
		{PassMonitor, a.Config.MonitorInterval, a.MonitorPass},
		{PassExpiration, a.Config.ExpirationInterval, a.ExpirationPass},
		{PassSweep, a.Config.SweepInterval, a.SweepPass},
	}
	for _, p := range passes {
		if p.every <= 0 {
			continue
		}
		p := p
		if _, err := a.Cron.AddFunc(fmt.Sprintf("@every %s", p.every), func() {
			a.run(ctx, p.name, p.fn)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", p.name, err)
		}
	}
	return nil
}

// RunOnce runs every pass immediately, one after the other.
func (a *App) RunOnce(ctx context.Context) {
	a.run(ctx, PassSweep, a.SweepPass)
	a.run(ctx, PassExpiration, a.ExpirationPass)
	a.run(ctx, PassMonitor, a.MonitorPass)
}

func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[controller] Cron started",
		zap.Duration("monitor", a.Config.MonitorInterval),
		zap.Duration("expiration", a.Config.ExpirationInterval),
		zap.Duration("sweep", a.Config.SweepInterval))
}

// StopCron waits for running passes and releases the pool.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	a.Pool.StopAndWait()
}

// run executes one pass with a bounded context, guarded by the pass lock.
func (a *App) run(ctx context.Context, name string, fn func(context.Context) (*Summary, error)) {
	logger := a.Logger.With(zap.String("pass", name))
	rctx, cancel := context.WithTimeout(ctx, a.Config.PassTimeout)
	defer cancel()

	if a.Locker != nil {
		release, err := a.Locker.TryLock(rctx, lockPrefix+name, a.token, a.Config.PassTimeout)
		if errors.Is(err, redis.ErrLockHeld) {
			logger.Debug("pass running elsewhere, skipping")
			return
		}
		if err != nil {
			// lock backend down: run unguarded, the steps are idempotent
			logger.Warn("pass lock unavailable, running anyway", zap.Error(err))
		} else {
			defer release(context.Background())
		}
	}

	start := a.Now()
	sum, err := fn(rctx)
	if err != nil {
		logger.Error("pass failed", zap.Error(err))
		return
	}
	logger.Info("pass finished", append(sum.Fields(), zap.Duration("took", a.Now().Sub(start)))...)
}

// Summary counts the outcomes of a pass. Steps of a pass report into it concurrently.
type Summary struct {
	mu       sync.Mutex
	Scanned  int
	Outcomes map[lifecycle.Outcome]int
	Errors   int
}

func (s *Summary) add(out lifecycle.Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Outcomes == nil {
		s.Outcomes = map[lifecycle.Outcome]int{}
	}
	if err != nil {
		s.Errors++
		return
	}
	s.Outcomes[out]++
}

// Count returns how many instances ended with out.
func (s *Summary) Count(out lifecycle.Outcome) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Outcomes[out]
}

func (s *Summary) Fields() []zap.Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := []zap.Field{zap.Int("scanned", s.Scanned), zap.Int("errors", s.Errors)}
	for out, n := range s.Outcomes {
		fields = append(fields, zap.Int(string(out), n))
	}
	return fields
}
