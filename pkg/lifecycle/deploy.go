package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/provider"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// job is the provider work of a deployment. It returns the provider id when it has one.
type job func(ctx context.Context) (string, error)

// Create validates cfg, charges the deployment cost and starts provisioning in
// the background. The returned instance is in the deploying state.
func (m *Manager) Create(ctx context.Context, accountID string, cfg models.BotConfig) (*models.Instance, error) {
	cfg, err := NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	cost := m.policy.DeploymentCost
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct.Coins < cost {
		return nil, ledger.ErrInsufficientFunds
	}

	name, err := m.newName()
	if err != nil {
		return nil, fmt.Errorf("generate name: %w", err)
	}
	now := m.now()
	inst := &models.Instance{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Name:            name,
		Config:          cfg,
		Status:          models.StatusDeploying,
		StatusChangedAt: now,
		DeployedAt:      now,
		ExpiresAt:       now.Add(m.policy.LeasePeriod),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	log := m.log(inst)

	if cost > 0 {
		if _, err := m.ledger.Debit(ctx, accountID, cost, ledger.Posting{
			Kind:        models.TxDeduction,
			Description: fmt.Sprintf("Bot deployment: %s", name),
			Reference:   reference(inst.ID),
		}); err != nil {
			if _, derr := m.store.DeleteInstance(ctx, inst.ID); derr != nil {
				log.Error("remove unpaid instance failed", zap.Error(derr))
			}
			return nil, err
		}
		updated, err := m.store.UpdateInstance(ctx, inst.ID,
			models.InstanceCondition{Statuses: []models.InstanceStatus{models.StatusDeploying}, PendingCharge: models.Ptr(int64(0))},
			models.InstancePatch{PendingCharge: models.Ptr(cost), UpdatedAt: m.now()})
		if err != nil {
			// the row changed under us before the job could start; give the coins back
			m.refund(ctx, inst, cost, "deployment aborted")
			return nil, casError(err, models.StatusDeploying, "deploy")
		}
		inst = updated
	}

	log.Info("deployment started", zap.Int64("charged", cost))
	m.emit(ctx, EventStatus, inst, "")
	m.start(inst, func(ctx context.Context) (string, error) {
		return m.provider.CreateInstance(ctx, name, cfg)
	})
	return inst, nil
}

// Edit charges the edit cost, stores cfg and pushes it to the provider in the background.
func (m *Manager) Edit(ctx context.Context, accountID, id string, cfg models.BotConfig) (*models.Instance, error) {
	cfg, err := NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	inst, err := m.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	name := inst.Name
	wasStopped := inst.Status == models.StatusStopped
	return m.redeploy(ctx, inst, "edit", m.policy.EditCost, &cfg, func(ctx context.Context) (string, error) {
		if err := m.provider.UpdateConfig(ctx, name, cfg); err != nil {
			return "", err
		}
		if wasStopped {
			return "", m.provider.SetScale(ctx, name, 1)
		}
		return "", nil
	})
}

// DeployLatest rebuilds the instance from the latest bot source at no cost.
func (m *Manager) DeployLatest(ctx context.Context, accountID, id string) (*models.Instance, error) {
	inst, err := m.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	name := inst.Name
	wasStopped := inst.Status == models.StatusStopped
	return m.redeploy(ctx, inst, "redeploy", 0, nil, func(ctx context.Context) (string, error) {
		if err := m.provider.Redeploy(ctx, name); err != nil {
			return "", err
		}
		if wasStopped {
			return "", m.provider.SetScale(ctx, name, 1)
		}
		return "", nil
	})
}

var redeployable = []models.InstanceStatus{models.StatusRunning, models.StatusFailed, models.StatusStopped}

// redeploy moves a settled instance back to deploying, charging cost first.
func (m *Manager) redeploy(ctx context.Context, inst *models.Instance, op string, cost int64, cfg *models.BotConfig, fn job) (*models.Instance, error) {
	if !contains(redeployable, inst.Status) {
		return nil, invalidState(op, inst.Status)
	}
	if cost > 0 {
		if _, err := m.ledger.Debit(ctx, inst.AccountID, cost, ledger.Posting{
			Kind:        models.TxDeduction,
			Description: fmt.Sprintf("Bot %s: %s", op, inst.Name),
			Reference:   reference(inst.ID),
		}); err != nil {
			return nil, err
		}
	}

	now := m.now()
	patch := models.Transition(models.StatusDeploying, now)
	patch.PendingCharge = models.Ptr(cost)
	patch.Config = cfg
	patch.LastError = models.Ptr("")
	updated, err := m.store.UpdateInstance(ctx, inst.ID,
		models.InstanceCondition{Statuses: []models.InstanceStatus{inst.Status}, PendingCharge: models.Ptr(int64(0))},
		patch)
	if err != nil {
		if cost > 0 {
			m.refund(ctx, inst, cost, op+" aborted")
		}
		return nil, casError(err, inst.Status, op)
	}

	m.log(updated).Info("redeploy started", zap.String("op", op), zap.Int64("charged", cost))
	m.emit(ctx, EventStatus, updated, "")
	m.start(updated, fn)
	return updated, nil
}

// start runs fn on the worker pool and settles the deployment with its result.
func (m *Manager) start(inst *models.Instance, fn job) {
	snapshot := *inst
	m.jobs.Add(1)
	m.pool.Submit(func() {
		defer m.jobs.Done()
		m.runJob(&snapshot, fn)
	})
}

func (m *Manager) runJob(inst *models.Instance, fn job) {
	providerID, err := m.call(inst.ID, fn)
	if err != nil {
		m.log(inst).Warn("deployment failed", zap.Error(err))
		m.settleFailure(inst, err)
		return
	}
	m.settleSuccess(inst, providerID)
}

// call runs fn under the instance lock with the provider timeout. A panic in
// fn is reported as an error.
func (m *Manager) call(id string, fn job) (providerID string, err error) {
	unlock := m.lock(id)
	defer unlock()
	ctx, cancel := m.providerCtx(m.base)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// settleSuccess moves the deployment to running. If the instance was deleted
// meanwhile, the freshly provisioned resource is removed again.
func (m *Manager) settleSuccess(inst *models.Instance, providerID string) {
	ctx := context.Background()
	log := m.log(inst)

	patch := models.Transition(models.StatusRunning, m.now())
	patch.PendingCharge = models.Ptr(int64(0))
	patch.FailureCount = models.Ptr(0)
	patch.LastError = models.Ptr("")
	if providerID != "" {
		patch.ProviderID = &providerID
	}
	updated, err := m.store.UpdateInstance(ctx, inst.ID, settleCondition(inst), patch)
	switch {
	case err == nil:
		log.Info("deployment succeeded")
		m.emit(ctx, EventStatus, updated, "")
	case errors.Is(err, db.ErrNotFound):
		log.Info("instance deleted during deployment, removing provider resource")
		pctx, cancel := m.providerCtx(ctx)
		defer cancel()
		if derr := m.provider.Delete(pctx, inst.Name); derr != nil && !provider.IsNotFound(derr) {
			log.Warn("orphan provider resource delete failed", zap.Error(derr))
		}
	case errors.Is(err, db.ErrStateMismatch):
		log.Info("deployment already settled elsewhere")
	default:
		log.Error("mark running failed", zap.Error(err))
	}
}

// settleFailure moves the deployment to failed and refunds the pending charge.
// Only the writer whose conditional update lands refunds.
func (m *Manager) settleFailure(inst *models.Instance, cause error) {
	ctx := context.Background()
	log := m.log(inst)

	patch := models.Transition(models.StatusFailed, m.now())
	patch.PendingCharge = models.Ptr(int64(0))
	patch.LastError = models.Ptr(cause.Error())
	updated, err := m.store.UpdateInstance(ctx, inst.ID, settleCondition(inst), patch)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrStateMismatch) {
			log.Info("deployment already settled elsewhere", zap.Error(err))
			return
		}
		log.Error("mark failed failed", zap.Error(err))
		return
	}
	if inst.PendingCharge > 0 {
		m.refund(ctx, inst, inst.PendingCharge, "deployment failed")
	}
	m.emit(ctx, EventStatus, updated, cause.Error())
}

func settleCondition(inst *models.Instance) models.InstanceCondition {
	return models.InstanceCondition{
		Statuses:      []models.InstanceStatus{models.StatusDeploying},
		PendingCharge: models.Ptr(inst.PendingCharge),
	}
}

// refund credits amount back to the owner. A failed refund is logged with
// enough context to settle it by hand.
func (m *Manager) refund(ctx context.Context, inst *models.Instance, amount int64, reason string) {
	if amount <= 0 {
		return
	}
	_, err := m.ledger.Credit(ctx, inst.AccountID, amount, ledger.Posting{
		Kind:        models.TxRefund,
		Description: fmt.Sprintf("Refund for %s: %s", inst.Name, reason),
		Reference:   reference(inst.ID),
	})
	if err != nil {
		m.log(inst).Error("refund failed", zap.Int64("amount", amount), zap.String("reason", reason), zap.Error(err))
		return
	}
	m.log(inst).Info("refunded", zap.Int64("amount", amount), zap.String("reason", reason))
}

func contains(list []models.InstanceStatus, s models.InstanceStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
