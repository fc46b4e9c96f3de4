package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"go.uber.org/zap"
)

// Order selects how the pool walks its credentials.
type Order string

const (
	OrderFixed  Order = "ordered"
	OrderRandom Order = "random"
)

// Credential is one backend bound to a single set of platform credentials.
type Credential struct {
	Name    string
	Backend Provider
}

// PoolOpts configures a Pool.
type PoolOpts struct {
	Order           Order
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Pool implements Provider over interchangeable credentials. Each call walks the
// credentials in the configured order and returns on the first success. A
// credential whose breaker is open is skipped until its cooldown passes.
type Pool struct {
	logger *zap.Logger
	creds  []Credential
	order  Order

	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
	now              func() time.Time
	shuffle          func([]Credential)
}

var _ Provider = (*Pool)(nil)

func NewPool(logger *zap.Logger, creds []Credential, o PoolOpts) *Pool {
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.Order == "" {
		o.Order = OrderFixed
	}
	return &Pool{
		logger:           logger.With(zap.String("component", "provider_pool")),
		creds:            creds,
		order:            o.Order,
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
		now:              time.Now,
		shuffle: func(c []Credential) {
			rand.Shuffle(len(c), func(i, j int) { c[i], c[j] = c[j], c[i] })
		},
	}
}

// isOpen returns true while the credential's breaker is open.
func (p *Pool) isOpen(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.opened[name]
	if !ok {
		return false
	}
	if p.now().After(until) {
		delete(p.opened, name)
		p.failures[name] = 0
		return false
	}
	return true
}

func (p *Pool) noteFailure(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[name]++
	if p.failures[name] >= p.breakerThreshold {
		p.opened[name] = p.now().Add(p.breakerCooldown)
	}
}

func (p *Pool) noteSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[name] = 0
}

func (p *Pool) sequence() []Credential {
	seq := make([]Credential, len(p.creds))
	copy(seq, p.creds)
	if p.order == OrderRandom {
		p.shuffle(seq)
	}
	return seq
}

// each runs fn against credentials until one succeeds. If every credential that
// was tried reported ErrNotFound the result is ErrNotFound; otherwise the
// individual errors are joined under ErrUnavailable.
func (p *Pool) each(ctx context.Context, op, name string, fn func(Provider) error) error {
	if len(p.creds) == 0 {
		return fmt.Errorf("%s %s: no credentials configured: %w", op, name, ErrUnavailable)
	}

	var (
		errs     []error
		tried    int
		notFound int
	)
	for _, c := range p.sequence() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if p.isOpen(c.Name) {
			continue
		}
		tried++

		err := fn(c.Backend)
		if err == nil {
			p.noteSuccess(c.Name)
			return nil
		}
		if IsNotFound(err) {
			notFound++
			continue
		}
		p.noteFailure(c.Name)
		p.logger.Warn("provider call failed, trying next credential",
			zap.String("op", op),
			zap.String("instance", name),
			zap.String("credential", c.Name),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
	}

	if tried > 0 && notFound == tried {
		return fmt.Errorf("%s %s: %w", op, name, ErrNotFound)
	}
	if tried == 0 {
		errs = append(errs, errors.New("all credentials are cooling down"))
	}
	return fmt.Errorf("%s %s: %w", op, name, errors.Join(append([]error{ErrUnavailable}, errs...)...))
}

func (p *Pool) CreateInstance(ctx context.Context, name string, cfg models.BotConfig) (string, error) {
	var id string
	err := p.each(ctx, "create", name, func(b Provider) error {
		out, err := b.CreateInstance(ctx, name, cfg)
		id = out
		return err
	})
	return id, err
}

func (p *Pool) UpdateConfig(ctx context.Context, name string, cfg models.BotConfig) error {
	return p.each(ctx, "update", name, func(b Provider) error { return b.UpdateConfig(ctx, name, cfg) })
}

func (p *Pool) Restart(ctx context.Context, name string) error {
	return p.each(ctx, "restart", name, func(b Provider) error { return b.Restart(ctx, name) })
}

func (p *Pool) SetScale(ctx context.Context, name string, units int) error {
	return p.each(ctx, "scale", name, func(b Provider) error { return b.SetScale(ctx, name, units) })
}

func (p *Pool) Redeploy(ctx context.Context, name string) error {
	return p.each(ctx, "redeploy", name, func(b Provider) error { return b.Redeploy(ctx, name) })
}

func (p *Pool) Delete(ctx context.Context, name string) error {
	return p.each(ctx, "delete", name, func(b Provider) error { return b.Delete(ctx, name) })
}

func (p *Pool) FetchLogs(ctx context.Context, name string, lines int) (string, error) {
	var logs string
	err := p.each(ctx, "logs", name, func(b Provider) error {
		out, err := b.FetchLogs(ctx, name, lines)
		logs = out
		return err
	})
	return logs, err
}

// Close closes every backend.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.creds {
		if err := c.Backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}
