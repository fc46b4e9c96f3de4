package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/provider"
	"go.uber.org/zap"
)

var restartable = []models.InstanceStatus{models.StatusRunning, models.StatusFailed}

// Restart restarts the bot process. It is free. A bot the provider no longer
// knows is marked failed.
func (m *Manager) Restart(ctx context.Context, accountID, id string) (*models.Instance, error) {
	inst, err := m.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if !contains(restartable, inst.Status) {
		return nil, invalidState("restart", inst.Status)
	}

	unlock := m.lock(inst.ID)
	defer unlock()
	pctx, cancel := m.providerCtx(ctx)
	perr := m.provider.Restart(pctx, inst.Name)
	cancel()

	log := m.log(inst)
	switch {
	case perr == nil:
		if inst.Status == models.StatusRunning {
			log.Info("restarted")
			return inst, nil
		}
		patch := models.Transition(models.StatusRunning, m.now())
		patch.FailureCount = models.Ptr(0)
		patch.LastError = models.Ptr("")
		updated, err := m.store.UpdateInstance(ctx, inst.ID,
			models.InstanceCondition{Statuses: []models.InstanceStatus{models.StatusFailed}}, patch)
		if err != nil {
			return nil, casError(err, inst.Status, "restart")
		}
		log.Info("restarted failed bot")
		m.emit(ctx, EventStatus, updated, "")
		return updated, nil
	case provider.IsNotFound(perr):
		log.Warn("restart: bot missing on provider", zap.Error(perr))
		patch := models.Transition(models.StatusFailed, m.now())
		patch.LastError = models.Ptr(perr.Error())
		updated, err := m.store.UpdateInstance(ctx, inst.ID,
			models.InstanceCondition{Statuses: restartable}, patch)
		if err == nil {
			m.emit(ctx, EventStatus, updated, perr.Error())
		} else if !errors.Is(err, db.ErrNotFound) && !errors.Is(err, db.ErrStateMismatch) {
			log.Error("mark failed failed", zap.Error(err))
		}
		return nil, ErrGoneOnProvider
	default:
		log.Warn("restart failed", zap.Error(perr))
		return nil, providerError(perr)
	}
}

// Pause scales a running bot to zero.
func (m *Manager) Pause(ctx context.Context, accountID, id string) (*models.Instance, error) {
	return m.scale(ctx, accountID, id, "pause", models.StatusRunning, models.StatusStopped, 0)
}

// Resume scales a stopped bot back to one unit.
func (m *Manager) Resume(ctx context.Context, accountID, id string) (*models.Instance, error) {
	return m.scale(ctx, accountID, id, "resume", models.StatusStopped, models.StatusRunning, 1)
}

func (m *Manager) scale(ctx context.Context, accountID, id, op string, from, to models.InstanceStatus, units int) (*models.Instance, error) {
	inst, err := m.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != from {
		return nil, invalidState(op, inst.Status)
	}

	unlock := m.lock(inst.ID)
	defer unlock()
	pctx, cancel := m.providerCtx(ctx)
	perr := m.provider.SetScale(pctx, inst.Name, units)
	cancel()
	if perr != nil {
		m.log(inst).Warn("scale failed", zap.String("op", op), zap.Error(perr))
		return nil, providerError(perr)
	}

	updated, err := m.store.UpdateInstance(ctx, inst.ID,
		models.InstanceCondition{Statuses: []models.InstanceStatus{from}},
		models.Transition(to, m.now()))
	if err != nil {
		return nil, casError(err, inst.Status, op)
	}
	m.log(updated).Info("scaled", zap.String("op", op), zap.Int("units", units))
	m.emit(ctx, EventStatus, updated, "")
	return updated, nil
}

// Delete removes the bot from the provider and from the store. Deleting a bot
// that no longer exists succeeds.
func (m *Manager) Delete(ctx context.Context, accountID, id string) error {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get instance: %w", err)
	}
	if inst.AccountID != accountID {
		return ErrInstanceNotFound
	}
	return m.remove(ctx, inst, "deleted by owner")
}

// remove is the terminal path shared by user deletes and the background loops.
// Provider errors other than not-found are logged; the local delete always runs.
func (m *Manager) remove(ctx context.Context, inst *models.Instance, reason string) error {
	log := m.log(inst).With(zap.String("reason", reason))

	// No instance lock here: a delete must not wait for an in-flight deployment.
	// A job that finishes after the row is gone removes its own provider resource.
	m.deleteOnProvider(ctx, log, inst.Name)

	if err := m.reclaimPending(ctx, inst.ID, reason); err != nil {
		log.Error("reclaim pending charge failed", zap.Error(err))
	}

	deleted, err := m.store.DeleteInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if deleted {
		log.Info("bot deleted")
		m.emit(ctx, EventDeleted, inst, reason)
	}

	// A deployment that settled between the first provider delete and the row
	// delete left a fresh resource behind that nothing else tracks.
	if inst.Status == models.StatusDeploying {
		m.deleteOnProvider(ctx, log, inst.Name)
	}
	return nil
}

func (m *Manager) deleteOnProvider(ctx context.Context, log *zap.Logger, name string) {
	pctx, cancel := m.providerCtx(ctx)
	defer cancel()
	err := m.provider.Delete(pctx, name)
	switch {
	case err == nil:
	case provider.IsNotFound(err):
		log.Debug("bot already gone on provider")
	default:
		log.Warn("provider delete failed, removing record anyway", zap.Error(err))
	}
}

// reclaimPending clears and refunds the charge of an in-flight deployment.
// The conditional update makes the in-flight job's later settle a no-op.
func (m *Manager) reclaimPending(ctx context.Context, id, reason string) error {
	for {
		cur, err := m.store.GetInstance(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.PendingCharge == 0 {
			return nil
		}
		_, err = m.store.UpdateInstance(ctx, id,
			models.InstanceCondition{PendingCharge: models.Ptr(cur.PendingCharge)},
			models.InstancePatch{PendingCharge: models.Ptr(int64(0)), UpdatedAt: m.now()})
		switch {
		case err == nil:
			m.refund(ctx, cur, cur.PendingCharge, reason)
			return nil
		case errors.Is(err, db.ErrNotFound):
			return nil
		case errors.Is(err, db.ErrStateMismatch):
			continue
		default:
			return err
		}
	}
}

// Logs returns the latest provider log lines of the bot.
func (m *Manager) Logs(ctx context.Context, accountID, id string) (string, error) {
	inst, err := m.Get(ctx, accountID, id)
	if err != nil {
		return "", err
	}
	pctx, cancel := m.providerCtx(ctx)
	defer cancel()
	logs, err := m.provider.FetchLogs(pctx, inst.Name, m.policy.LogLines)
	if err != nil {
		if provider.IsNotFound(err) {
			return LogsUnavailable, nil
		}
		m.log(inst).Warn("fetch logs failed", zap.Error(err))
		return "", providerError(err)
	}
	return logs, nil
}
