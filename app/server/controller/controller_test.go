package controller

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/eclipsemd/botdeck/app/server/types"
	"github.com/eclipsemd/botdeck/pkg/claim"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/memory"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/lifecycle"
	"github.com/eclipsemd/botdeck/pkg/provider"
	"github.com/eclipsemd/botdeck/pkg/referral"
	"github.com/eclipsemd/botdeck/pkg/tasks"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

type testServer struct {
	c      *Controller
	router *mux.Router
	app    *types.App
	store  *memory.Store
	fake   *provider.Fake
}

func newTestServer(t *testing.T, tweak ...func(*Controller)) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(store, logger, ledger.WithClock(func() time.Time { return now }))

	refPolicy := referral.DefaultPolicy()
	refPolicy.AdminEmails = []string{"admin@example.com"}

	pool := pond.NewPool(4)
	fake := provider.NewFake()
	manager := lifecycle.New(store, l, fake, pool, lifecycle.DefaultPolicy(), logger)
	t.Cleanup(func() {
		manager.Close(context.Background())
		pool.StopAndWait()
	})

	app := &types.App{
		Store:     store,
		Ledger:    l,
		Claims:    claim.New(l, store, claim.DefaultPolicy(), logger),
		Referral:  referral.New(l, store, refPolicy, logger),
		Tasks:     tasks.New(l, store, tasks.Config{}, logger),
		Lifecycle: manager,
		Provider:  fake,
		Pool:      pool,
		Logger:    logger,
	}
	c := NewController(app)
	c.JWTSecret = []byte("test-secret")
	c.AuthLimiter, c.ClaimLimiter = nil, nil
	for _, fn := range tweak {
		fn(c)
	}
	router, err := c.NewRouter()
	require.NoError(t, err)
	return &testServer{c: c, router: router, app: app, store: store, fake: fake}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	WithCORS(s.router).ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// register signs up email and returns the account id and token.
func (s *testServer) register(t *testing.T, email string) (string, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decodeBody[authResponse](t, rec)
	require.NotEmpty(t, out.Token)
	return out.User.ID, out.Token
}

func (s *testServer) fund(t *testing.T, id string, coins int64) {
	t.Helper()
	_, err := s.app.Ledger.Credit(context.Background(), id, coins, ledger.Posting{Kind: models.TxClaim, Description: "seed"})
	require.NoError(t, err)
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t)
	id, token := s.register(t, "Ada@Example.com")

	rec := s.do(t, http.MethodGet, "/api/auth/user", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[models.Account](t, rec)
	assert.Equal(t, id, me.ID)
	assert.Equal(t, "ada@example.com", me.Email)
	assert.NotContains(t, rec.Body.String(), "secret1")

	rec = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ada@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody[authResponse](t, rec).User.ID)

	rec = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ada@example.com", "password": "nope12"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody[errorBody](t, rec).Kind)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/auth/user", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/auth/user", "garbage", nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/api/auth/logout", token, nil).Code)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "taken@example.com")

	tests := []struct {
		name string
		body map[string]string
		kind string
	}{
		{"missing password", map[string]string{"email": "a@example.com"}, "invalid_argument"},
		{"short password", map[string]string{"email": "a@example.com", "password": "12345"}, "invalid_argument"},
		{"duplicate email", map[string]string{"email": "TAKEN@example.com", "password": "secret1"}, "conflict"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/auth/register", "", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decodeBody[errorBody](t, rec).Kind)
		})
	}
}

func TestReferralSignupAndValidate(t *testing.T) {
	s := newTestServer(t)
	refID, _ := s.register(t, "ref@example.com")
	referrer, err := s.store.GetAccount(context.Background(), refID)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/referral/validate/"+referrer.ReferralCode, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[map[string]bool](t, rec)["valid"])
	rec = s.do(t, http.MethodGet, "/api/referral/validate/NOPE00", "", nil)
	assert.False(t, decodeBody[map[string]bool](t, rec)["valid"])

	rec = s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "new@example.com", "password": "secret1", "referralCode": referrer.ReferralCode,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.EqualValues(t, 3, decodeBody[authResponse](t, rec).User.Coins)

	referrer, err = s.store.GetAccount(context.Background(), refID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, referrer.Coins)
	assert.Equal(t, 1, referrer.ReferralCount)
}

func TestProfileAndAutoMonitor(t *testing.T) {
	s := newTestServer(t)
	_, token := s.register(t, "p@example.com")

	rec := s.do(t, http.MethodPatch, "/api/auth/user/profile", token, map[string]string{"firstName": " Ada ", "lastName": "L"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ada", decodeBody[models.Account](t, rec).FirstName)

	rec = s.do(t, http.MethodPatch, "/api/auth/user/auto-monitor", token, map[string]int{"autoMonitor": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[models.Account](t, rec).AutoMonitorEnabled)

	rec = s.do(t, http.MethodPatch, "/api/auth/user/auto-monitor", token, map[string]int{"autoMonitor": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPatch, "/api/auth/user/auto-monitor", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimDailyCap(t *testing.T) {
	s := newTestServer(t)
	_, token := s.register(t, "c@example.com")

	rec := s.do(t, http.MethodGet, "/api/coins/can-claim", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[claim.Status](t, rec).CanClaim)

	for i := 1; i <= 10; i++ {
		rec = s.do(t, http.MethodPost, "/api/coins/claim", token, nil)
		require.Equal(t, http.StatusOK, rec.Code, "claim %d", i)
		assert.EqualValues(t, i, decodeBody[claim.Result](t, rec).TotalCoins)
	}
	rec = s.do(t, http.MethodPost, "/api/coins/claim", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_state", decodeBody[errorBody](t, rec).Kind)

	rec = s.do(t, http.MethodGet, "/api/coins/can-claim", token, nil)
	assert.False(t, decodeBody[claim.Status](t, rec).CanClaim)

	rec = s.do(t, http.MethodGet, "/api/transactions?limit=3", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]models.Transaction](t, rec)
	require.Len(t, txs, 3)
	assert.EqualValues(t, 10, txs[0].BalanceAfter)
}

func TestTransfer(t *testing.T) {
	s := newTestServer(t)
	from, token := s.register(t, "from@example.com")
	s.register(t, "to@example.com")
	s.fund(t, from, 10)

	rec := s.do(t, http.MethodPost, "/api/coins/transfer", token, map[string]any{"recipientEmail": "to@example.com", "amount": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 6, out["remainingCoins"])

	tests := []struct {
		name string
		body map[string]any
		kind string
	}{
		{"insufficient", map[string]any{"recipientEmail": "to@example.com", "amount": 7}, "insufficient_funds"},
		{"self", map[string]any{"recipientEmail": "from@example.com", "amount": 1}, "invalid_argument"},
		{"unknown recipient", map[string]any{"recipientEmail": "ghost@example.com", "amount": 1}, "invalid_argument"},
		{"zero amount", map[string]any{"recipientEmail": "to@example.com", "amount": 0}, "invalid_argument"},
		{"missing email", map[string]any{"amount": 1}, "invalid_argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/coins/transfer", token, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decodeBody[errorBody](t, rec).Kind)
		})
	}
}

// interleavingStore runs after once, right after a two-account unit of work commits.
type interleavingStore struct {
	*memory.Store
	after func()
}

func (s *interleavingStore) LockAccounts(ctx context.Context, ids []string, fn func(ctx context.Context, tx db.LedgerTx) error) error {
	err := s.Store.LockAccounts(ctx, ids, fn)
	if err == nil && len(ids) == 2 && s.after != nil {
		after := s.after
		s.after = nil
		after()
	}
	return err
}

func TestTransferReportsBalanceOfItsOwnTransaction(t *testing.T) {
	var store *interleavingStore
	s := newTestServer(t, func(c *Controller) {
		store = &interleavingStore{Store: c.App.Store.(*memory.Store)}
		c.App.Ledger = ledger.New(store, zaptest.NewLogger(t))
	})
	from, token := s.register(t, "from@example.com")
	s.register(t, "to@example.com")
	s.fund(t, from, 10)

	store.after = func() { s.fund(t, from, 100) }
	rec := s.do(t, http.MethodPost, "/api/coins/transfer", token, map[string]any{"recipientEmail": "to@example.com", "amount": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 6, decodeBody[map[string]any](t, rec)["remainingCoins"])

	balance, err := s.app.Ledger.Balance(context.Background(), from)
	require.NoError(t, err)
	assert.EqualValues(t, 106, balance)
}

func TestBotLifecycle(t *testing.T) {
	s := newTestServer(t)
	id, token := s.register(t, "bots@example.com")
	cfg := models.BotConfig{BotNumber: "2348000000000", SessionData: "session"}

	rec := s.do(t, http.MethodPost, "/api/bots", token, cfg)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "insufficient_funds", decodeBody[errorBody](t, rec).Kind)

	s.fund(t, id, 10)
	rec = s.do(t, http.MethodPost, "/api/bots", token, models.BotConfig{BotNumber: "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decodeBody[errorBody](t, rec).Kind)

	rec = s.do(t, http.MethodPost, "/api/bots", token, cfg)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bot := decodeBody[models.Instance](t, rec)
	assert.Equal(t, models.StatusDeploying, bot.Status)
	s.app.Lifecycle.Wait()

	path := "/api/bots/" + bot.ID
	rec = s.do(t, http.MethodGet, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusRunning, decodeBody[models.Instance](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/bots", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Instance](t, rec), 1)

	rec = s.do(t, http.MethodPost, path+"/pause", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusStopped, decodeBody[models.Instance](t, rec).Status)

	rec = s.do(t, http.MethodPost, path+"/pause", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/resume", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusRunning, decodeBody[models.Instance](t, rec).Status)

	rec = s.do(t, http.MethodPost, path+"/restart", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, path+"/logs", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody[map[string]string](t, rec), "logs")

	_, other := s.register(t, "other@example.com")
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, other, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, path, other, nil).Code)

	rec = s.do(t, http.MethodDelete, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, token, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, path, token, nil).Code, "delete is idempotent")
}

func TestBotProviderUnavailable(t *testing.T) {
	s := newTestServer(t)
	id, token := s.register(t, "p502@example.com")
	s.fund(t, id, 10)

	rec := s.do(t, http.MethodPost, "/api/bots", token, models.BotConfig{BotNumber: "1", SessionData: "s"})
	require.Equal(t, http.StatusCreated, rec.Code)
	bot := decodeBody[models.Instance](t, rec)
	s.app.Lifecycle.Wait()

	s.fake.FailOn(provider.OpRestart, provider.ErrUnavailable)
	rec = s.do(t, http.MethodPost, "/api/bots/"+bot.ID+"/restart", token, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	assert.Equal(t, "provider_unavailable", decodeBody[errorBody](t, rec).Kind)
}

func TestTasks(t *testing.T) {
	s := newTestServer(t)
	_, token := s.register(t, "tasks@example.com")

	rec := s.do(t, http.MethodGet, "/api/tasks", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decodeBody[[]tasks.View](t, rec)
	require.NotEmpty(t, views)

	rec = s.do(t, http.MethodPost, "/api/tasks/"+tasks.WhatsAppFollow+"/complete", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeBody[tasks.Result](t, rec).Reward)

	rec = s.do(t, http.MethodPost, "/api/tasks/"+tasks.WhatsAppFollow+"/complete", token, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "conflict", decodeBody[errorBody](t, rec).Kind)

	rec = s.do(t, http.MethodPost, "/api/tasks/"+tasks.ReferralMilestone+"/complete", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/tasks/unknown/complete", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t)
	_, userToken := s.register(t, "user@example.com")
	adminID, adminToken := s.register(t, "admin@example.com")
	for i := 0; i < 21; i++ {
		s.register(t, "u"+strconv.Itoa(i)+"@example.com")
	}
	s.fund(t, adminID, 10)
	rec := s.do(t, http.MethodPost, "/api/bots", adminToken, models.BotConfig{BotNumber: "1", SessionData: "s"})
	require.Equal(t, http.StatusCreated, rec.Code)
	s.app.Lifecycle.Wait()

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/admin/stats", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/admin/stats", userToken, nil).Code)

	rec = s.do(t, http.MethodGet, "/api/admin/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Bots       map[string]int          `json:"bots"`
		Users      int                     `json:"users"`
		BotsByUser map[string][]botSummary `json:"botsByUser"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Bots["running"])
	assert.Equal(t, 1, stats.Bots["total"])
	assert.Equal(t, 23, stats.Users)
	assert.Len(t, stats.BotsByUser[adminID], 1)

	rec = s.do(t, http.MethodGet, "/api/admin/users?page=2", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Users      []adminUser `json:"users"`
		Pagination pagination  `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Users, 3)
	assert.Equal(t, pagination{Page: 2, Limit: 20, Total: 23, Pages: 2}, page.Pagination)

	botCounts := map[string]int{}
	for p := 1; p <= 2; p++ {
		rec = s.do(t, http.MethodGet, "/api/admin/users?page="+strconv.Itoa(p), adminToken, nil)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		for _, u := range page.Users {
			botCounts[u.Email] = u.BotCount
		}
	}
	assert.Len(t, botCounts, 23)
	assert.Equal(t, 1, botCounts["admin@example.com"])
	assert.Equal(t, 0, botCounts["user@example.com"])

	rec = s.do(t, http.MethodGet, "/api/admin/events", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["enabled"])
}

func TestAuthRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *Controller) {
		c.AuthLimiter = NewKeyedLimiter(rate.Every(time.Hour), 2)
	})
	body := map[string]string{"email": "x@example.com", "password": "whatever"}
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/auth/login", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/auth/login", "", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, "/api/auth/login", "", body).Code)
}

func TestCORSPreflightHealthAndWebSocket(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/bots", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	WithCORS(s.router).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rec)["store"])

	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/api/ws", "", nil).Code)
}

func TestTokenExpiry(t *testing.T) {
	s := newTestServer(t, func(c *Controller) { c.TokenTTL = -time.Minute })
	rec := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "e@example.com", "password": "secret1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decodeBody[authResponse](t, rec).Token
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/auth/user", token, nil).Code)
}

func TestCalculateNextBackoff(t *testing.T) {
	tests := []struct {
		name      string
		current   time.Duration
		jitter    float64
		expectMin time.Duration
		expectMax time.Duration
	}{
		{"doubles", time.Second, 0.1, 1800 * time.Millisecond, 2200 * time.Millisecond},
		{"capped", 20 * time.Second, 0.1, 27 * time.Second, 30 * time.Second},
		{"exact without jitter", 5 * time.Second, 0, 10 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				got := CalculateNextBackoff(tt.current, 30*time.Second, 2.0, tt.jitter)
				assert.GreaterOrEqual(t, got, tt.expectMin)
				assert.LessOrEqual(t, got, tt.expectMax)
			}
		})
	}
}

func TestBotSubscriptions(t *testing.T) {
	subs := NewBotSubscriptions()
	assert.True(t, subs.IsSubscribed("any"))

	subs.Unsubscribe("*")
	assert.False(t, subs.IsSubscribed("b1"))

	subs.Subscribe("b1")
	assert.True(t, subs.IsSubscribed("b1"))
	assert.False(t, subs.IsSubscribed("b2"))
}
