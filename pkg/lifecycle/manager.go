// Package lifecycle drives bot instances through their states, pairing every
// coin debit with the provider call it pays for and refunding it when that call fails.
package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/provider"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var (
	ErrInstanceNotFound = apperr.New(apperr.KindNotFound, "bot not found")
	ErrMissingNumber    = apperr.New(apperr.KindInvalidArgument, "bot number is required")
	ErrMissingSession   = apperr.New(apperr.KindInvalidArgument, "session data is required")
	ErrGoneOnProvider   = apperr.New(apperr.KindNotFound, "bot not found on the hosting provider, it may have been deleted or failed to deploy")
)

// LogsUnavailable is returned as log text when the provider has no such instance.
const LogsUnavailable = "App not found on the hosting provider. It may have been deleted or failed to deploy."

// Policy holds the prices and durations of the lifecycle.
type Policy struct {
	DeploymentCost  int64
	EditCost        int64
	RenewalCost     int64
	LeasePeriod     time.Duration
	ProviderTimeout time.Duration
	NamePrefix      string
	LogLines        int
}

// DefaultPolicy matches the public price list.
func DefaultPolicy() Policy {
	return Policy{
		DeploymentCost:  10,
		EditCost:        5,
		RenewalCost:     10,
		LeasePeriod:     5 * 24 * time.Hour,
		ProviderTimeout: 3 * time.Minute,
		NamePrefix:      "eclipse-md",
		LogLines:        100,
	}
}

// Store is the persistence the manager needs.
type Store interface {
	db.InstanceStore
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// Publisher receives instance events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{})
}

type Manager struct {
	store     Store
	ledger    *ledger.Ledger
	provider  provider.Provider
	pool      pond.Pool
	policy    Policy
	publisher Publisher
	logger    *zap.Logger

	// locks serializes provider calls per instance
	locks *xsync.Map[string, *sync.Mutex]
	jobs  sync.WaitGroup
	// base outlives requests; async provider jobs derive their timeouts from it
	base   context.Context
	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sends instance events to p.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func New(store Store, l *ledger.Ledger, prov provider.Provider, pool pond.Pool, policy Policy, logger *zap.Logger, opts ...Option) *Manager {
	def := DefaultPolicy()
	if policy.LeasePeriod <= 0 {
		policy.LeasePeriod = def.LeasePeriod
	}
	if policy.ProviderTimeout <= 0 {
		policy.ProviderTimeout = def.ProviderTimeout
	}
	if policy.NamePrefix == "" {
		policy.NamePrefix = def.NamePrefix
	}
	if policy.LogLines <= 0 {
		policy.LogLines = def.LogLines
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		ledger:   l,
		provider: prov,
		pool:     pool,
		policy:   policy,
		logger:   logger.With(zap.String("component", "lifecycle")),
		locks:    xsync.NewMap[string, *sync.Mutex](),
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy { return m.policy }

// Wait blocks until every in-flight provider job has settled.
func (m *Manager) Wait() { m.jobs.Wait() }

// Close waits for in-flight jobs until ctx is done, then cancels the rest.
// Cancelled jobs settle as provider failures and are refunded.
func (m *Manager) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("cancelling in-flight deployments")
		m.cancel()
		<-done
	}
	m.cancel()
}

func (m *Manager) lock(id string) func() {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) now() time.Time { return m.ledger.Now().UTC() }

func (m *Manager) log(inst *models.Instance) *zap.Logger {
	return m.logger.With(
		zap.String("instance_id", inst.ID),
		zap.String("provider_name", inst.Name),
		zap.String("account_id", inst.AccountID))
}

// providerCtx bounds a single provider call.
func (m *Manager) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.policy.ProviderTimeout)
}

// Get returns an instance owned by accountID. Instances of other accounts look absent.
func (m *Manager) Get(ctx context.Context, accountID, id string) (*models.Instance, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if inst.AccountID != accountID {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

// List returns the account's instances, newest first.
func (m *Manager) List(ctx context.Context, accountID string) ([]models.Instance, error) {
	return m.store.ListInstancesByAccount(ctx, accountID)
}

// casError turns a failed conditional update into a caller-facing error.
func casError(err error, current models.InstanceStatus, op string) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return ErrInstanceNotFound
	case errors.Is(err, db.ErrStateMismatch):
		return apperr.Newf(apperr.KindInvalidState, "cannot %s a bot that is %s", op, current)
	default:
		return err
	}
}

func invalidState(op string, status models.InstanceStatus) error {
	return apperr.Newf(apperr.KindInvalidState, "cannot %s a bot that is %s", op, status)
}

func providerError(err error) error {
	if provider.IsNotFound(err) {
		return ErrGoneOnProvider
	}
	return apperr.Wrap(apperr.KindProviderUnavailable, "hosting provider unavailable, try again later", err)
}

// NormalizeConfig validates cfg and fills defaults.
func NormalizeConfig(cfg models.BotConfig) (models.BotConfig, error) {
	cfg.BotNumber = strings.TrimSpace(cfg.BotNumber)
	cfg.SessionData = strings.TrimSpace(cfg.SessionData)
	cfg.Prefix = strings.TrimSpace(cfg.Prefix)
	cfg.OpenAIKey = strings.TrimSpace(cfg.OpenAIKey)
	cfg.GeminiKey = strings.TrimSpace(cfg.GeminiKey)
	if cfg.BotNumber == "" {
		return cfg, ErrMissingNumber
	}
	if cfg.SessionData == "" {
		return cfg, ErrMissingSession
	}
	if cfg.Prefix == "" {
		cfg.Prefix = models.DefaultPrefix
	}
	return cfg, nil
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newName returns <prefix>-<base36 millis>-<5 random chars>.
func (m *Manager) newName() (string, error) {
	var sb strings.Builder
	sb.WriteString(m.policy.NamePrefix)
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatInt(m.now().UnixMilli(), 36))
	sb.WriteByte('-')
	n := big.NewInt(int64(len(nameAlphabet)))
	for i := 0; i < 5; i++ {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		sb.WriteByte(nameAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// reference tags ledger entries that pay for an instance.
func reference(instanceID string) string {
	return "instance:" + instanceID
}
