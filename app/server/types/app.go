package types

import (
	"context"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/eclipsemd/botdeck/app/controller"
	"github.com/eclipsemd/botdeck/pkg/claim"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/lifecycle"
	"github.com/eclipsemd/botdeck/pkg/provider"
	"github.com/eclipsemd/botdeck/pkg/redis"
	"github.com/eclipsemd/botdeck/pkg/referral"
	"github.com/eclipsemd/botdeck/pkg/tasks"
	"go.uber.org/zap"
)

type App struct {
	// Persistence
	Store db.Store

	// Services
	Ledger    *ledger.Ledger
	Claims    *claim.Limiter
	Referral  *referral.Engine
	Tasks     *tasks.Engine
	Lifecycle *lifecycle.Manager

	// Provider and the pool running its async jobs
	Provider provider.Provider
	Pool     pond.Pool

	// Background loops
	Controller *controller.App

	// Redis Client (optional: events, websocket, pass locks)
	RedisClient *redis.Client

	// Zap Logger
	Logger *zap.Logger

	// HTTP Server
	Server *http.Server
}

// Start serves HTTP until ctx is done, then shuts everything down in reverse order.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("http server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	a.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.Controller != nil {
		a.Logger.Info("stopping background loops")
		a.Controller.StopCron()
	}

	if a.Lifecycle != nil {
		a.Logger.Info("waiting for provider jobs")
		a.Lifecycle.Close(shutdownCtx)
	}
	if a.Pool != nil {
		a.Pool.StopAndWait()
	}

	if a.Provider != nil {
		if err := a.Provider.Close(); err != nil {
			a.Logger.Error("Failed to close provider", zap.Error(err))
		}
	}

	if a.Store != nil {
		a.Logger.Info("closing database connection")
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		}
	}

	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}

	a.Logger.Info("bye")
}
