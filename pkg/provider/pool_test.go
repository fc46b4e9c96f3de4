package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func twoKeys(t *testing.T) (*Pool, *Fake, *Fake) {
	t.Helper()
	a, b := NewFake(), NewFake()
	p := NewPool(zaptest.NewLogger(t), []Credential{
		{Name: "a", Backend: a},
		{Name: "b", Backend: b},
	}, PoolOpts{BreakerFailures: 2, BreakerCooldown: time.Minute})
	return p, a, b
}

func TestPoolFallsBackToNextCredential(t *testing.T) {
	ctx := context.Background()
	p, a, b := twoKeys(t)
	a.FailOn(OpCreate, errors.New("quota exceeded"))

	id, err := p.CreateInstance(ctx, "bot-1", models.BotConfig{BotNumber: "1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, onA := a.App("bot-1")
	_, onB := b.App("bot-1")
	assert.False(t, onA)
	assert.True(t, onB)

	// the app only exists under b; a answers not found and the pool moves on
	require.NoError(t, p.Restart(ctx, "bot-1"))
	assert.Equal(t, 1, a.Calls(OpRestart))
	app, _ := b.App("bot-1")
	assert.Equal(t, 1, app.Restarts)
}

func TestPoolAllNotFound(t *testing.T) {
	p, _, _ := twoKeys(t)
	err := p.Delete(context.Background(), "ghost")
	assert.True(t, IsNotFound(err))
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestPoolAllFailedIsUnavailable(t *testing.T) {
	p, a, b := twoKeys(t)
	a.FailOn(OpRestart, errors.New("boom a"))
	b.FailOn(OpRestart, errors.New("boom b"))

	err := p.Restart(context.Background(), "bot-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "boom a")
	assert.Contains(t, err.Error(), "boom b")
}

func TestPoolMixedNotFoundAndFailureIsUnavailable(t *testing.T) {
	p, a, _ := twoKeys(t)
	a.FailOn(OpDelete, errors.New("timeout"))

	err := p.Delete(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsNotFound(err))
}

func TestPoolBreakerSkipsCredentialUntilCooldown(t *testing.T) {
	ctx := context.Background()
	p, a, b := twoKeys(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	_, err := b.CreateInstance(ctx, "bot-1", models.BotConfig{})
	require.NoError(t, err)
	a.FailOn(OpRestart, errors.New("503"))

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Restart(ctx, "bot-1"))
	}
	assert.Equal(t, 2, a.Calls(OpRestart))

	// breaker for a is open now
	require.NoError(t, p.Restart(ctx, "bot-1"))
	assert.Equal(t, 2, a.Calls(OpRestart))

	now = now.Add(2 * time.Minute)
	require.NoError(t, p.Restart(ctx, "bot-1"))
	assert.Equal(t, 3, a.Calls(OpRestart))
}

func TestPoolRandomOrderUsesShuffle(t *testing.T) {
	ctx := context.Background()
	a, b := NewFake(), NewFake()
	p := NewPool(zaptest.NewLogger(t), []Credential{
		{Name: "a", Backend: a},
		{Name: "b", Backend: b},
	}, PoolOpts{Order: OrderRandom})
	p.shuffle = func(c []Credential) { c[0], c[1] = c[1], c[0] }

	_, err := p.CreateInstance(ctx, "bot-1", models.BotConfig{})
	require.NoError(t, err)
	assert.Equal(t, 0, a.Calls(OpCreate))
	assert.Equal(t, 1, b.Calls(OpCreate))
}

func TestPoolWithoutCredentials(t *testing.T) {
	p := NewPool(zaptest.NewLogger(t), nil, PoolOpts{})
	err := p.Restart(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}
