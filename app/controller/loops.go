package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/lifecycle"
	"go.uber.org/zap"
)

type step func(ctx context.Context, inst *models.Instance) (lifecycle.Outcome, error)

// each runs fn for every instance on the pool. A failing instance is logged and
// counted; it never stops the others.
func (a *App) each(ctx context.Context, pass string, instances []models.Instance, sum *Summary, fn step) {
	group := a.Pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := range instances {
		inst := &instances[i]
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			out, err := a.safely(groupCtx, inst, fn)
			if err != nil {
				a.Logger.Warn("instance step failed",
					zap.String("pass", pass),
					zap.String("instance_id", inst.ID),
					zap.String("provider_name", inst.Name),
					zap.String("account_id", inst.AccountID),
					zap.Error(err))
			}
			sum.add(out, err)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		a.Logger.Warn("pass group encountered error", zap.String("pass", pass), zap.Error(err))
	}
}

func (a *App) safely(ctx context.Context, inst *models.Instance, fn step) (out lifecycle.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn(ctx, inst)
}

// MonitorPass restarts stopped and failed bots. With OptInOnly set, only bots
// whose owners turned on auto-monitoring are touched.
func (a *App) MonitorPass(ctx context.Context) (*Summary, error) {
	candidates, err := a.Store.ListInstancesByStatus(ctx, models.StatusStopped, models.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list monitored instances: %w", err)
	}

	sum := &Summary{}
	if !a.Config.OptInOnly {
		sum.Scanned = len(candidates)
		a.each(ctx, PassMonitor, candidates, sum, a.restartStep())
		return sum, nil
	}

	enabled := map[string]bool{}
	eligible := make([]models.Instance, 0, len(candidates))
	for _, inst := range candidates {
		on, seen := enabled[inst.AccountID]
		if !seen {
			owner, err := a.Store.GetAccount(ctx, inst.AccountID)
			switch {
			case errors.Is(err, db.ErrNotFound):
				on = false
			case err != nil:
				a.Logger.Warn("load owner failed", zap.String("account_id", inst.AccountID), zap.Error(err))
				sum.add("", err)
				continue
			default:
				on = owner.AutoMonitorEnabled
			}
			enabled[inst.AccountID] = on
		}
		if on {
			eligible = append(eligible, inst)
		}
	}
	sum.Scanned = len(eligible)

	a.each(ctx, PassMonitor, eligible, sum, a.restartStep())
	return sum, nil
}

func (a *App) restartStep() step {
	threshold, cost := a.Config.FailureThreshold, a.Config.RestartCost
	return func(ctx context.Context, inst *models.Instance) (lifecycle.Outcome, error) {
		return a.Lifecycle.MonitorRestart(ctx, inst, threshold, cost)
	}
}

// ExpirationPass renews or deletes every running or deploying bot whose lease ran out.
func (a *App) ExpirationPass(ctx context.Context) (*Summary, error) {
	expired, err := a.Store.ListExpiredInstances(ctx, a.Now(), models.StatusRunning, models.StatusDeploying)
	if err != nil {
		return nil, fmt.Errorf("list expired instances: %w", err)
	}
	sum := &Summary{Scanned: len(expired)}
	a.each(ctx, PassExpiration, expired, sum, a.Lifecycle.Renew)
	return sum, nil
}

// SweepPass reclaims deployments stuck past the allowed duration and deletes
// bots that have been failed longer than the failed TTL.
func (a *App) SweepPass(ctx context.Context) (*Summary, error) {
	now := a.Now()
	sum := &Summary{}

	if a.Config.MaxDeployDuration > 0 {
		stuck, err := a.Store.ListStaleInstances(ctx, models.StatusDeploying, now.Add(-a.Config.MaxDeployDuration))
		if err != nil {
			return nil, fmt.Errorf("list stuck deployments: %w", err)
		}
		sum.Scanned += len(stuck)
		a.each(ctx, PassSweep, stuck, sum, a.Lifecycle.ReclaimStuck)
	}

	if a.Config.FailedTTL > 0 {
		cutoff := now.Add(-a.Config.FailedTTL)
		failed, err := a.Store.ListStaleInstances(ctx, models.StatusFailed, cutoff)
		if err != nil {
			return nil, fmt.Errorf("list failed instances: %w", err)
		}
		sum.Scanned += len(failed)
		a.each(ctx, PassSweep, failed, sum, func(ctx context.Context, inst *models.Instance) (lifecycle.Outcome, error) {
			return a.Lifecycle.SweepFailed(ctx, inst.ID, cutoff)
		})
	}
	return sum, nil
}
