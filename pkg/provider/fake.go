package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/google/uuid"
)

// Operation names accepted by Fake.FailOn.
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpRestart  = "restart"
	OpScale    = "scale"
	OpRedeploy = "redeploy"
	OpDelete   = "delete"
	OpLogs     = "logs"
)

// FakeApp is the state Fake keeps per instance.
type FakeApp struct {
	ID       string
	Config   models.BotConfig
	Scale    int
	Restarts int
	Builds   int
}

// Fake is an in-memory Provider for local runs and tests.
type Fake struct {
	mu    sync.Mutex
	apps  map[string]*FakeApp
	fail  map[string]error
	calls map[string]int

	// BeforeCreate, when set, runs before an app is recorded. Returning an
	// error fails the create.
	BeforeCreate func(ctx context.Context, name string) error
}

var _ Provider = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		apps:  map[string]*FakeApp{},
		fail:  map[string]error{},
		calls: map[string]int{},
	}
}

// FailOn makes every call of op return err. A nil err clears it.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// App returns a copy of the recorded app.
func (f *Fake) App(name string) (FakeApp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[name]
	if !ok {
		return FakeApp{}, false
	}
	return *a, true
}

// Remove drops an app as if it vanished on the platform.
func (f *Fake) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.apps, name)
}

// begin counts the call and returns the app or an error.
func (f *Fake) begin(op, name string, mustExist bool) (*FakeApp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err := f.fail[op]; err != nil {
		return nil, err
	}
	a, ok := f.apps[name]
	if mustExist && !ok {
		return nil, fmt.Errorf("%s %s: %w", op, name, ErrNotFound)
	}
	return a, nil
}

func (f *Fake) CreateInstance(ctx context.Context, name string, cfg models.BotConfig) (string, error) {
	if _, err := f.begin(OpCreate, name, false); err != nil {
		return "", err
	}
	if f.BeforeCreate != nil {
		if err := f.BeforeCreate(ctx, name); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.apps[name]; ok {
		return "", fmt.Errorf("app %s already exists", name)
	}
	a := &FakeApp{ID: uuid.NewString(), Config: cfg, Scale: 1, Builds: 1}
	f.apps[name] = a
	return a.ID, nil
}

func (f *Fake) UpdateConfig(_ context.Context, name string, cfg models.BotConfig) error {
	a, err := f.begin(OpUpdate, name, true)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a.Config = cfg
	a.Restarts++
	return nil
}

func (f *Fake) Restart(_ context.Context, name string) error {
	a, err := f.begin(OpRestart, name, true)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a.Restarts++
	return nil
}

func (f *Fake) SetScale(_ context.Context, name string, units int) error {
	a, err := f.begin(OpScale, name, true)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a.Scale = units
	return nil
}

func (f *Fake) Redeploy(_ context.Context, name string) error {
	a, err := f.begin(OpRedeploy, name, true)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a.Builds++
	return nil
}

func (f *Fake) Delete(_ context.Context, name string) error {
	if _, err := f.begin(OpDelete, name, true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.apps, name)
	return nil
}

func (f *Fake) FetchLogs(_ context.Context, name string, lines int) (string, error) {
	a, err := f.begin(OpLogs, name, true)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("%s: %d restarts, %d builds (last %d lines)\n", name, a.Restarts, a.Builds, lines), nil
}

func (f *Fake) Close() error { return nil }
