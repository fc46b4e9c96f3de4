package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/memory"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/lifecycle"
	"github.com/eclipsemd/botdeck/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recorder struct {
	mu     sync.Mutex
	events []lifecycle.Event
}

func (r *recorder) Publish(_ context.Context, _ string, message interface{}) {
	var ev lifecycle.Event
	if err := json.Unmarshal(message.([]byte), &ev); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type env struct {
	m      *lifecycle.Manager
	store  *memory.Store
	ledger *ledger.Ledger
	fake   *provider.Fake
	clock  *clock
	events *recorder
}

var validConfig = models.BotConfig{BotNumber: "2348000000000", SessionData: "session"}

func setup(t *testing.T, coins int64, tweak ...func(*lifecycle.Policy)) *env {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateAccount(ctx, &models.Account{
		ID: "a", Email: "a@example.com", ReferralCode: "A", CreatedAt: time.Now(),
	}))
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(store, zaptest.NewLogger(t), ledger.WithClock(clk.Now))
	if coins > 0 {
		_, err := l.Credit(ctx, "a", coins, ledger.Posting{Kind: models.TxClaim, Description: "seed"})
		require.NoError(t, err)
	}

	policy := lifecycle.DefaultPolicy()
	policy.ProviderTimeout = 2 * time.Second
	for _, fn := range tweak {
		fn(&policy)
	}
	pool := pond.NewPool(4)
	t.Cleanup(pool.StopAndWait)

	fake := provider.NewFake()
	rec := &recorder{}
	m := lifecycle.New(store, l, fake, pool, policy, zaptest.NewLogger(t), lifecycle.WithPublisher(rec))
	t.Cleanup(func() { m.Close(context.Background()) })
	return &env{m: m, store: store, ledger: l, fake: fake, clock: clk, events: rec}
}

func (e *env) balance(t *testing.T) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), "a")
	require.NoError(t, err)
	return b
}

func (e *env) instance(t *testing.T, id string) *models.Instance {
	t.Helper()
	inst, err := e.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (e *env) deployed(t *testing.T) *models.Instance {
	t.Helper()
	inst, err := e.m.Create(context.Background(), "a", validConfig)
	require.NoError(t, err)
	e.m.Wait()
	inst = e.instance(t, inst.ID)
	require.Equal(t, models.StatusRunning, inst.Status)
	return inst
}

func (e *env) countKind(t *testing.T, kind models.TransactionKind) int {
	t.Helper()
	history, err := e.ledger.History(context.Background(), "a", ledger.MaxHistoryLimit)
	require.NoError(t, err)
	n := 0
	for _, txn := range history {
		if txn.Kind == kind {
			n++
		}
	}
	return n
}

func TestCreateDeploysAndCharges(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()

	inst, err := e.m.Create(ctx, "a", models.BotConfig{BotNumber: " 2348000000000 ", SessionData: "s"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeploying, inst.Status)
	assert.Equal(t, ".", inst.Config.Prefix)
	assert.Equal(t, "2348000000000", inst.Config.BotNumber)
	assert.True(t, inst.ExpiresAt.Equal(e.clock.Now().Add(120*time.Hour)))
	assert.Regexp(t, `^eclipse-md-[0-9a-z]+-[0-9a-z]{5}$`, inst.Name)
	assert.EqualValues(t, 0, e.balance(t))

	e.m.Wait()
	got := e.instance(t, inst.ID)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Zero(t, got.PendingCharge)
	app, ok := e.fake.App(inst.Name)
	require.True(t, ok)
	assert.Equal(t, app.ID, got.ProviderID)

	_, err = e.m.Create(ctx, "a", validConfig)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	list, err := e.m.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateValidation(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()

	_, err := e.m.Create(ctx, "a", models.BotConfig{SessionData: "s"})
	require.ErrorIs(t, err, lifecycle.ErrMissingNumber)
	_, err = e.m.Create(ctx, "a", models.BotConfig{BotNumber: "1", SessionData: "  "})
	require.ErrorIs(t, err, lifecycle.ErrMissingSession)
	assert.EqualValues(t, 10, e.balance(t))
}

func TestProviderFailureRefunds(t *testing.T) {
	e := setup(t, 25)
	e.fake.FailOn(provider.OpCreate, errors.New("build failed"))

	inst, err := e.m.Create(context.Background(), "a", validConfig)
	require.NoError(t, err)
	e.m.Wait()

	got := e.instance(t, inst.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "build failed")
	assert.Zero(t, got.PendingCharge)
	assert.EqualValues(t, 25, e.balance(t))
	assert.Equal(t, 1, e.countKind(t, models.TxRefund))
}

func TestProviderTimeoutRefunds(t *testing.T) {
	e := setup(t, 10, func(p *lifecycle.Policy) { p.ProviderTimeout = 50 * time.Millisecond })
	e.fake.BeforeCreate = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	inst, err := e.m.Create(context.Background(), "a", validConfig)
	require.NoError(t, err)
	e.m.Wait()

	got := e.instance(t, inst.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.EqualValues(t, 10, e.balance(t))
}

func TestDeleteDuringDeployRefundsOnce(t *testing.T) {
	e := setup(t, 10)
	release := make(chan struct{})
	e.fake.BeforeCreate = func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ctx := context.Background()

	inst, err := e.m.Create(ctx, "a", validConfig)
	require.NoError(t, err)
	require.NoError(t, e.m.Delete(ctx, "a", inst.ID))
	assert.EqualValues(t, 10, e.balance(t))

	close(release)
	e.m.Wait()

	assert.EqualValues(t, 10, e.balance(t))
	assert.Equal(t, 1, e.countKind(t, models.TxRefund))
	_, err = e.store.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
	_, ok := e.fake.App(inst.Name)
	assert.False(t, ok, "provider resource created after delete must be removed")
}

// settlingStore lets an in-flight deployment finish right before the row is deleted.
type settlingStore struct {
	*memory.Store
	beforeDelete func()
}

func (s *settlingStore) DeleteInstance(ctx context.Context, id string) (bool, error) {
	if s.beforeDelete != nil {
		s.beforeDelete()
		s.beforeDelete = nil
	}
	return s.Store.DeleteInstance(ctx, id)
}

func TestDeleteRemovesResourceOfDeploymentSettlingMidDelete(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.CreateAccount(ctx, &models.Account{
		ID: "a", Email: "a@example.com", ReferralCode: "A", CreatedAt: time.Now(),
	}))
	l := ledger.New(mem, zaptest.NewLogger(t))
	_, err := l.Credit(ctx, "a", 10, ledger.Posting{Kind: models.TxClaim, Description: "seed"})
	require.NoError(t, err)

	pool := pond.NewPool(2)
	t.Cleanup(pool.StopAndWait)
	fake := provider.NewFake()
	release := make(chan struct{})
	fake.BeforeCreate = func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	store := &settlingStore{Store: mem}
	policy := lifecycle.DefaultPolicy()
	policy.ProviderTimeout = 2 * time.Second
	m := lifecycle.New(store, l, fake, pool, policy, zaptest.NewLogger(t))
	t.Cleanup(func() { m.Close(context.Background()) })

	inst, err := m.Create(ctx, "a", validConfig)
	require.NoError(t, err)
	store.beforeDelete = func() {
		close(release)
		m.Wait()
	}
	require.NoError(t, m.Delete(ctx, "a", inst.ID))

	_, err = mem.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
	_, ok := fake.App(inst.Name)
	assert.False(t, ok, "resource provisioned during the delete must not outlive the record")

	balance, err := l.Balance(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 10, balance)
}

func TestDeleteIsIdempotent(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)

	require.NoError(t, e.m.Delete(ctx, "a", inst.ID))
	require.NoError(t, e.m.Delete(ctx, "a", inst.ID))
	_, err := e.store.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, 1, e.fake.Calls(provider.OpDelete))
	assert.Contains(t, e.events.types(), lifecycle.EventDeleted)
}

func TestDeleteIgnoresProviderErrors(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)
	e.fake.FailOn(provider.OpDelete, errors.New("platform down"))

	require.NoError(t, e.m.Delete(ctx, "a", inst.ID))
	_, err := e.store.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestOtherAccountsInstancesLookAbsent(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)

	_, err := e.m.Get(ctx, "b", inst.ID)
	require.ErrorIs(t, err, lifecycle.ErrInstanceNotFound)
	require.ErrorIs(t, e.m.Delete(ctx, "b", inst.ID), lifecycle.ErrInstanceNotFound)
	_, err = e.m.Pause(ctx, "b", inst.ID)
	require.ErrorIs(t, err, lifecycle.ErrInstanceNotFound)
}

func TestPauseResume(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)

	_, err := e.m.Resume(ctx, "a", inst.ID)
	require.True(t, apperr.Is(err, apperr.KindInvalidState), "got %v", err)

	paused, err := e.m.Pause(ctx, "a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, paused.Status)
	app, _ := e.fake.App(inst.Name)
	assert.Equal(t, 0, app.Scale)

	_, err = e.m.Pause(ctx, "a", inst.ID)
	require.True(t, apperr.Is(err, apperr.KindInvalidState), "got %v", err)

	resumed, err := e.m.Resume(ctx, "a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resumed.Status)
	app, _ = e.fake.App(inst.Name)
	assert.Equal(t, 1, app.Scale)
}

func TestPauseProviderFailureKeepsState(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)
	e.fake.FailOn(provider.OpScale, provider.ErrUnavailable)

	_, err := e.m.Pause(ctx, "a", inst.ID)
	require.True(t, apperr.Is(err, apperr.KindProviderUnavailable), "got %v", err)
	assert.Equal(t, models.StatusRunning, e.instance(t, inst.ID).Status)
}

func TestRestart(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)

	got, err := e.m.Restart(ctx, "a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	app, _ := e.fake.App(inst.Name)
	assert.Equal(t, 1, app.Restarts)

	e.fake.Remove(inst.Name)
	_, err = e.m.Restart(ctx, "a", inst.ID)
	require.ErrorIs(t, err, lifecycle.ErrGoneOnProvider)
	assert.Equal(t, models.StatusFailed, e.instance(t, inst.ID).Status)
	assert.Zero(t, e.countKind(t, models.TxRefund))

	_, err = e.m.Pause(ctx, "a", inst.ID)
	require.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestEditChargesAndRedeploys(t *testing.T) {
	e := setup(t, 20)
	ctx := context.Background()
	inst := e.deployed(t)

	cfg := validConfig
	cfg.Prefix = "!"
	cfg.AutoTyping = true
	got, err := e.m.Edit(ctx, "a", inst.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeploying, got.Status)
	assert.EqualValues(t, 5, got.PendingCharge)
	assert.EqualValues(t, 5, e.balance(t))

	e.m.Wait()
	settled := e.instance(t, inst.ID)
	assert.Equal(t, models.StatusRunning, settled.Status)
	assert.Equal(t, "!", settled.Config.Prefix)
	app, _ := e.fake.App(inst.Name)
	assert.True(t, app.Config.AutoTyping)
}

func TestEditFailureRefunds(t *testing.T) {
	e := setup(t, 15)
	ctx := context.Background()
	inst := e.deployed(t)
	e.fake.FailOn(provider.OpUpdate, provider.ErrUnavailable)

	_, err := e.m.Edit(ctx, "a", inst.ID, validConfig)
	require.NoError(t, err)
	e.m.Wait()

	assert.Equal(t, models.StatusFailed, e.instance(t, inst.ID).Status)
	assert.EqualValues(t, 5, e.balance(t))
}

func TestEditInsufficientFunds(t *testing.T) {
	e := setup(t, 10)
	inst := e.deployed(t)

	_, err := e.m.Edit(context.Background(), "a", inst.ID, validConfig)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, models.StatusRunning, e.instance(t, inst.ID).Status)
}

func TestDeployLatestIsFreeAndResumesStopped(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)
	_, err := e.m.Pause(ctx, "a", inst.ID)
	require.NoError(t, err)

	_, err = e.m.DeployLatest(ctx, "a", inst.ID)
	require.NoError(t, err)
	e.m.Wait()

	assert.Equal(t, models.StatusRunning, e.instance(t, inst.ID).Status)
	app, _ := e.fake.App(inst.Name)
	assert.Equal(t, 2, app.Builds)
	assert.Equal(t, 1, app.Scale)
	assert.EqualValues(t, 0, e.balance(t))
}

func TestLogs(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)

	logs, err := e.m.Logs(ctx, "a", inst.ID)
	require.NoError(t, err)
	assert.Contains(t, logs, inst.Name)

	e.fake.Remove(inst.Name)
	logs, err = e.m.Logs(ctx, "a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.LogsUnavailable, logs)
}

func TestRenewExtendsLease(t *testing.T) {
	e := setup(t, 25)
	ctx := context.Background()
	inst := e.deployed(t)
	old := e.clock.Now().Add(-time.Hour)
	_, err := e.store.UpdateInstance(ctx, inst.ID, models.InstanceCondition{},
		models.InstancePatch{ExpiresAt: &old})
	require.NoError(t, err)

	out, err := e.m.Renew(ctx, e.instance(t, inst.ID))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeRenewed, out)
	got := e.instance(t, inst.ID)
	assert.True(t, got.ExpiresAt.Equal(old.Add(120*time.Hour)), "expires at %s", got.ExpiresAt)
	assert.EqualValues(t, 5, e.balance(t))
	assert.Contains(t, e.events.types(), lifecycle.EventRenewed)

	// not expired anymore
	out, err = e.m.Renew(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeSkipped, out)
	assert.EqualValues(t, 5, e.balance(t))
}

func TestRenewDeletesWhenOwnerCannotPay(t *testing.T) {
	e := setup(t, 15)
	ctx := context.Background()
	inst := e.deployed(t)
	old := e.clock.Now().Add(-time.Minute)
	_, err := e.store.UpdateInstance(ctx, inst.ID, models.InstanceCondition{},
		models.InstancePatch{ExpiresAt: &old})
	require.NoError(t, err)

	out, err := e.m.Renew(ctx, e.instance(t, inst.ID))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeDeleted, out)
	_, err = e.store.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
	assert.EqualValues(t, 5, e.balance(t))
	_, ok := e.fake.App(inst.Name)
	assert.False(t, ok)
}

func TestRenewLosingRaceRefunds(t *testing.T) {
	e := setup(t, 25)
	ctx := context.Background()
	inst := e.deployed(t)
	old := e.clock.Now().Add(-time.Minute)
	_, err := e.store.UpdateInstance(ctx, inst.ID, models.InstanceCondition{},
		models.InstancePatch{ExpiresAt: &old})
	require.NoError(t, err)
	stale := e.instance(t, inst.ID)
	require.NoError(t, e.m.Delete(ctx, "a", inst.ID))

	out, err := e.m.Renew(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeSkipped, out)
	assert.EqualValues(t, 15, e.balance(t))
	_, err = e.store.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestMonitorRestart(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)
	_, err := e.m.Pause(ctx, "a", inst.ID)
	require.NoError(t, err)

	out, err := e.m.MonitorRestart(ctx, e.instance(t, inst.ID), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeRestarted, out)
	got := e.instance(t, inst.ID)
	assert.Equal(t, models.StatusRunning, got.Status)
	app, _ := e.fake.App(inst.Name)
	assert.Equal(t, 1, app.Scale)

	out, err = e.m.MonitorRestart(ctx, got, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeSkipped, out, "running bots are left alone")
}

func TestMonitorDeletesAfterThreshold(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)
	e.fake.Remove(inst.Name)
	_, err := e.m.Restart(ctx, "a", inst.ID)
	require.ErrorIs(t, err, lifecycle.ErrGoneOnProvider)

	for i := 1; i < 3; i++ {
		out, err := e.m.MonitorRestart(ctx, e.instance(t, inst.ID), 3, 0)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.OutcomeFailed, out)
		assert.Equal(t, i, e.instance(t, inst.ID).FailureCount)
	}
	out, err := e.m.MonitorRestart(ctx, e.instance(t, inst.ID), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeDeleted, out)
	_, err = e.store.GetInstance(ctx, inst.ID)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestMonitorRestartCostRefundedOnFailure(t *testing.T) {
	e := setup(t, 12)
	ctx := context.Background()
	inst := e.deployed(t)
	e.fake.Remove(inst.Name)
	_, _ = e.m.Restart(ctx, "a", inst.ID)

	out, err := e.m.MonitorRestart(ctx, e.instance(t, inst.ID), 3, 2)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeFailed, out)
	assert.EqualValues(t, 2, e.balance(t))
}

func TestReclaimStuckDeployment(t *testing.T) {
	e := setup(t, 10)
	release := make(chan struct{})
	e.fake.BeforeCreate = func(ctx context.Context, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ctx := context.Background()
	inst, err := e.m.Create(ctx, "a", validConfig)
	require.NoError(t, err)

	out, err := e.m.ReclaimStuck(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeReclaimed, out)
	assert.EqualValues(t, 10, e.balance(t))

	close(release)
	e.m.Wait()
	assert.Equal(t, models.StatusFailed, e.instance(t, inst.ID).Status)
	assert.EqualValues(t, 10, e.balance(t))
	assert.Equal(t, 1, e.countKind(t, models.TxRefund))
}

func TestSweepFailed(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	inst := e.deployed(t)
	e.fake.Remove(inst.Name)
	_, _ = e.m.Restart(ctx, "a", inst.ID)

	out, err := e.m.SweepFailed(ctx, inst.ID, e.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeSkipped, out, "failed too recently")

	out, err = e.m.SweepFailed(ctx, inst.ID, e.clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeDeleted, out)

	out, err = e.m.SweepFailed(ctx, inst.ID, e.clock.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.OutcomeSkipped, out)
}
