package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/provider"
	"go.uber.org/zap"
)

// Outcome reports what a maintenance step did to an instance.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRestarted Outcome = "restarted"
	OutcomeFailed    Outcome = "failed"
	OutcomeRenewed   Outcome = "renewed"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeReclaimed Outcome = "reclaimed"
)

var monitored = []models.InstanceStatus{models.StatusStopped, models.StatusFailed}

// MonitorRestart tries to bring a stopped or failed bot back. When the provider
// reports the bot missing, the failure count grows and the bot is deleted once it
// reaches threshold. A positive cost is charged up front and refunded if the
// restart does not succeed.
func (m *Manager) MonitorRestart(ctx context.Context, inst *models.Instance, threshold int, cost int64) (Outcome, error) {
	if !contains(monitored, inst.Status) {
		return OutcomeSkipped, nil
	}
	log := m.log(inst)

	if cost > 0 {
		if _, err := m.ledger.Debit(ctx, inst.AccountID, cost, ledger.Posting{
			Kind:        models.TxDeduction,
			Description: fmt.Sprintf("Auto restart: %s", inst.Name),
			Reference:   reference(inst.ID),
		}); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				log.Debug("auto restart skipped, insufficient coins")
				return OutcomeSkipped, nil
			}
			return OutcomeSkipped, err
		}
	}
	charged := cost > 0
	refund := func(reason string) {
		if charged {
			m.refund(ctx, inst, cost, reason)
		}
	}

	unlock := m.lock(inst.ID)
	pctx, cancel := m.providerCtx(ctx)
	perr := error(nil)
	if inst.Status == models.StatusStopped {
		perr = m.provider.SetScale(pctx, inst.Name, 1)
	}
	if perr == nil {
		perr = m.provider.Restart(pctx, inst.Name)
	}
	cancel()
	unlock()

	cond := models.InstanceCondition{
		Statuses:     []models.InstanceStatus{inst.Status},
		FailureCount: models.Ptr(inst.FailureCount),
	}
	switch {
	case perr == nil:
		patch := models.Transition(models.StatusRunning, m.now())
		patch.FailureCount = models.Ptr(0)
		patch.LastError = models.Ptr("")
		updated, err := m.store.UpdateInstance(ctx, inst.ID, cond, patch)
		if err != nil {
			refund("auto restart superseded")
			return m.raced(log, err)
		}
		log.Info("auto restart succeeded")
		m.emit(ctx, EventStatus, updated, "")
		return OutcomeRestarted, nil

	case provider.IsNotFound(perr):
		refund("auto restart failed")
		failures := inst.FailureCount + 1
		if failures >= threshold {
			log.Warn("bot missing on provider, deleting", zap.Int("failures", failures))
			if err := m.remove(ctx, inst, "missing on provider"); err != nil {
				return OutcomeFailed, err
			}
			return OutcomeDeleted, nil
		}
		patch := models.Transition(models.StatusFailed, m.now())
		patch.FailureCount = models.Ptr(failures)
		patch.LastError = models.Ptr(perr.Error())
		updated, err := m.store.UpdateInstance(ctx, inst.ID, cond, patch)
		if err != nil {
			return m.raced(log, err)
		}
		log.Warn("auto restart failed, bot missing on provider", zap.Int("failures", failures))
		m.emit(ctx, EventStatus, updated, perr.Error())
		return OutcomeFailed, nil

	default:
		refund("auto restart failed")
		log.Warn("auto restart failed", zap.Error(perr))
		return OutcomeSkipped, providerError(perr)
	}
}

// raced treats a lost conditional update as someone else having handled the instance.
func (m *Manager) raced(log *zap.Logger, err error) (Outcome, error) {
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrStateMismatch) {
		log.Debug("instance changed concurrently", zap.Error(err))
		return OutcomeSkipped, nil
	}
	return OutcomeSkipped, err
}

var renewable = []models.InstanceStatus{models.StatusRunning, models.StatusDeploying}

// Renew charges the renewal cost and extends the lease of an expired bot. A bot
// whose owner cannot pay, or no longer exists, is deleted.
func (m *Manager) Renew(ctx context.Context, inst *models.Instance) (Outcome, error) {
	if !contains(renewable, inst.Status) {
		return OutcomeSkipped, nil
	}
	now := m.now()
	if inst.ExpiresAt.After(now) {
		return OutcomeSkipped, nil
	}
	log := m.log(inst)
	cost := m.policy.RenewalCost

	acct, err := m.store.GetAccount(ctx, inst.AccountID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return m.expire(ctx, inst, "owner no longer exists")
	case err != nil:
		return OutcomeSkipped, fmt.Errorf("load owner: %w", err)
	case acct.Coins < cost:
		return m.expire(ctx, inst, "insufficient coins for renewal")
	}

	if cost > 0 {
		if _, err := m.ledger.Debit(ctx, inst.AccountID, cost, ledger.Posting{
			Kind:        models.TxDeduction,
			Description: fmt.Sprintf("Bot renewal: %s", inst.Name),
			Reference:   reference(inst.ID),
		}); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return m.expire(ctx, inst, "insufficient coins for renewal")
			}
			return OutcomeSkipped, err
		}
	}

	expires := inst.ExpiresAt.Add(m.policy.LeasePeriod)
	if !expires.After(now) {
		expires = now.Add(m.policy.LeasePeriod)
	}
	old := inst.ExpiresAt
	updated, err := m.store.UpdateInstance(ctx, inst.ID,
		models.InstanceCondition{Statuses: renewable, ExpiresAt: &old},
		models.InstancePatch{ExpiresAt: &expires, UpdatedAt: now})
	if err != nil {
		if cost > 0 {
			m.refund(ctx, inst, cost, "renewal superseded")
		}
		return m.raced(log, err)
	}
	log.Info("bot renewed", zap.Int64("charged", cost), zap.Time("expires_at", expires))
	m.emit(ctx, EventRenewed, updated, "")
	return OutcomeRenewed, nil
}

func (m *Manager) expire(ctx context.Context, inst *models.Instance, reason string) (Outcome, error) {
	m.log(inst).Info("bot expired", zap.String("reason", reason))
	if err := m.remove(ctx, inst, reason); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeDeleted, nil
}

// ReclaimStuck fails a deployment that has been running longer than allowed and
// refunds its pending charge. A job that finishes later finds it settled.
func (m *Manager) ReclaimStuck(ctx context.Context, inst *models.Instance) (Outcome, error) {
	if inst.Status != models.StatusDeploying {
		return OutcomeSkipped, nil
	}
	reason := "deployment timed out"
	patch := models.Transition(models.StatusFailed, m.now())
	patch.PendingCharge = models.Ptr(int64(0))
	patch.LastError = models.Ptr(reason)
	updated, err := m.store.UpdateInstance(ctx, inst.ID, settleCondition(inst), patch)
	if err != nil {
		return m.raced(m.log(inst), err)
	}
	m.log(inst).Warn("reclaimed stuck deployment")
	if inst.PendingCharge > 0 {
		m.refund(ctx, inst, inst.PendingCharge, reason)
	}
	m.emit(ctx, EventStatus, updated, reason)
	return OutcomeReclaimed, nil
}

// SweepFailed deletes a bot that has stayed failed since before the cutoff,
// regardless of its failure count. The state is re-read first so a bot that
// recovered in the meantime survives.
func (m *Manager) SweepFailed(ctx context.Context, id string, before time.Time) (Outcome, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, err
	}
	if inst.Status != models.StatusFailed || !inst.StatusChangedAt.Before(before) {
		return OutcomeSkipped, nil
	}
	if err := m.remove(ctx, inst, "failed for too long"); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeDeleted, nil
}
