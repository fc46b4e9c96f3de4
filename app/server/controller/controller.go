package controller

import (
	"net/http"
	"time"

	"github.com/eclipsemd/botdeck/app/server/types"
	"github.com/eclipsemd/botdeck/pkg/utils"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Controller struct {
	App       *types.App
	JWTSecret []byte
	TokenTTL  time.Duration

	// AuthLimiter throttles register/login per client IP.
	AuthLimiter *KeyedLimiter
	// ClaimLimiter throttles coin claims per account.
	ClaimLimiter *KeyedLimiter

	logger *zap.Logger
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	secret := utils.Env("JWT_SECRET", "")
	if secret == "" {
		app.Logger.Warn("JWT_SECRET not set, using an insecure development secret")
		secret = "change-me-please"
	}
	return &Controller{
		App:       app,
		JWTSecret: []byte(secret),
		TokenTTL:  utils.EnvDuration("TOKEN_TTL", 30*24*time.Hour),
		AuthLimiter: NewKeyedLimiter(
			rate.Every(utils.EnvDuration("AUTH_RATE_EVERY", 6*time.Second)),
			utils.EnvInt("AUTH_RATE_BURST", 10)),
		ClaimLimiter: NewKeyedLimiter(
			rate.Every(utils.EnvDuration("CLAIM_RATE_EVERY", time.Second)),
			utils.EnvInt("CLAIM_RATE_BURST", 5)),
		logger: app.Logger.With(zap.String("component", "http")),
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodPatch+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with every API route under /api.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)

	// Accounts
	api.Handle("/auth/register", c.AuthLimiter.ByIP(http.HandlerFunc(c.HandleRegister))).Methods(http.MethodPost)
	api.Handle("/auth/login", c.AuthLimiter.ByIP(http.HandlerFunc(c.HandleLogin))).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", c.HandleLogout).Methods(http.MethodPost)
	api.Handle("/auth/user", c.RequireAuth(http.HandlerFunc(c.HandleUser))).Methods(http.MethodGet)
	api.Handle("/auth/user/profile", c.RequireAuth(http.HandlerFunc(c.HandleUpdateProfile))).Methods(http.MethodPatch)
	api.Handle("/auth/user/auto-monitor", c.RequireAuth(http.HandlerFunc(c.HandleAutoMonitor))).Methods(http.MethodPatch)
	api.HandleFunc("/referral/validate/{code}", c.HandleValidateReferral).Methods(http.MethodGet)

	// Coins
	api.Handle("/coins/can-claim", c.RequireAuth(http.HandlerFunc(c.HandleCanClaim))).Methods(http.MethodGet)
	api.Handle("/coins/claim", c.RequireAuth(c.ClaimLimiter.ByAccount(http.HandlerFunc(c.HandleClaim)))).Methods(http.MethodPost)
	api.Handle("/coins/transfer", c.RequireAuth(http.HandlerFunc(c.HandleTransfer))).Methods(http.MethodPost)
	api.Handle("/transactions", c.RequireAuth(http.HandlerFunc(c.HandleTransactions))).Methods(http.MethodGet)

	// Bots
	api.Handle("/bots", c.RequireAuth(http.HandlerFunc(c.HandleBotsList))).Methods(http.MethodGet)
	api.Handle("/bots", c.RequireAuth(http.HandlerFunc(c.HandleBotCreate))).Methods(http.MethodPost)
	api.Handle("/bots/{id}", c.RequireAuth(http.HandlerFunc(c.HandleBotGet))).Methods(http.MethodGet)
	api.Handle("/bots/{id}", c.RequireAuth(http.HandlerFunc(c.HandleBotEdit))).Methods(http.MethodPatch)
	api.Handle("/bots/{id}", c.RequireAuth(http.HandlerFunc(c.HandleBotDelete))).Methods(http.MethodDelete)
	api.Handle("/bots/{id}/restart", c.RequireAuth(http.HandlerFunc(c.HandleBotRestart))).Methods(http.MethodPost)
	api.Handle("/bots/{id}/pause", c.RequireAuth(http.HandlerFunc(c.HandleBotPause))).Methods(http.MethodPost)
	api.Handle("/bots/{id}/resume", c.RequireAuth(http.HandlerFunc(c.HandleBotResume))).Methods(http.MethodPost)
	api.Handle("/bots/{id}/deploy-latest", c.RequireAuth(http.HandlerFunc(c.HandleBotDeployLatest))).Methods(http.MethodPost)
	api.Handle("/bots/{id}/logs", c.RequireAuth(http.HandlerFunc(c.HandleBotLogs))).Methods(http.MethodGet)

	// Tasks
	api.Handle("/tasks", c.RequireAuth(http.HandlerFunc(c.HandleTasksList))).Methods(http.MethodGet)
	api.Handle("/tasks/{id}/complete", c.RequireAuth(http.HandlerFunc(c.HandleTaskComplete))).Methods(http.MethodPost)

	// Admin
	api.Handle("/admin/stats", c.RequireAdmin(http.HandlerFunc(c.HandleAdminStats))).Methods(http.MethodGet)
	api.Handle("/admin/users", c.RequireAdmin(http.HandlerFunc(c.HandleAdminUsers))).Methods(http.MethodGet)
	api.Handle("/admin/events", c.RequireAdmin(http.HandlerFunc(c.HandleAdminEvents))).Methods(http.MethodGet)

	// WebSocket endpoint for live bot status; authenticates through the token query param
	api.HandleFunc("/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}
