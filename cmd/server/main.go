package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eclipsemd/botdeck/app/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := server.Initialize(ctx)

	if err := app.Controller.SetupScheduler(ctx, cron.DefaultLogger); err != nil {
		app.Logger.Fatal("Unable to setup scheduler", zap.Error(err))
	}

	// Immediate pass before cron, so stale state from a restart is handled right away
	go app.Controller.RunOnce(ctx)
	app.Controller.StartCron()

	if err := server.NewServer(app); err != nil {
		app.Logger.Fatal("Unable to initialize server", zap.Error(err))
	}

	app.Start(ctx)
}
