package server

import (
	"context"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/eclipsemd/botdeck/app/controller"
	"github.com/eclipsemd/botdeck/app/server/types"
	"github.com/eclipsemd/botdeck/pkg/claim"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/eclipsemd/botdeck/pkg/db/memory"
	pgstore "github.com/eclipsemd/botdeck/pkg/db/postgres/store"
	"github.com/eclipsemd/botdeck/pkg/ledger"
	"github.com/eclipsemd/botdeck/pkg/lifecycle"
	"github.com/eclipsemd/botdeck/pkg/logging"
	"github.com/eclipsemd/botdeck/pkg/provider"
	"github.com/eclipsemd/botdeck/pkg/redis"
	"github.com/eclipsemd/botdeck/pkg/referral"
	"github.com/eclipsemd/botdeck/pkg/tasks"
	"github.com/eclipsemd/botdeck/pkg/utils"
	"go.uber.org/zap"
)

func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	store := openStore(ctx, logger)

	prov, err := provider.FromEnv(logger)
	if err != nil {
		logger.Fatal("Unable to initialize compute provider", zap.Error(err))
	}

	// Initialize Redis client for events, websocket and pass locks (optional)
	var redisClient *redis.Client
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - live events and pass locks will be disabled",
				zap.Error(err))
			redisClient = nil
		} else {
			logger.Info("Redis client initialized")
		}
	} else {
		logger.Info("Redis disabled - live events will not be available")
	}

	l := ledger.New(store, logger)

	claimPolicy := claim.DefaultPolicy()
	claimPolicy.DailyCap = utils.EnvInt("CLAIM_DAILY_CAP", claimPolicy.DailyCap)
	claimPolicy.Location = loadLocation(logger, utils.Env("CLAIM_TIMEZONE", "UTC"))

	refPolicy := referral.DefaultPolicy()
	refPolicy.SignupBonus = utils.EnvInt64("SIGNUP_BONUS", refPolicy.SignupBonus)
	refPolicy.ReferrerBonus = utils.EnvInt64("REFERRER_BONUS", refPolicy.ReferrerBonus)
	refPolicy.AdminEmails = utils.EnvList("ADMIN_EMAILS")

	lcPolicy := lifecycle.DefaultPolicy()
	lcPolicy.DeploymentCost = utils.EnvInt64("DEPLOYMENT_COST", lcPolicy.DeploymentCost)
	lcPolicy.EditCost = utils.EnvInt64("EDIT_COST", lcPolicy.EditCost)
	lcPolicy.RenewalCost = utils.EnvInt64("RENEWAL_COST", lcPolicy.RenewalCost)
	lcPolicy.LeasePeriod = utils.EnvDuration("LEASE_PERIOD", lcPolicy.LeasePeriod)
	lcPolicy.ProviderTimeout = utils.EnvDuration("PROVIDER_TIMEOUT", lcPolicy.ProviderTimeout)
	lcPolicy.NamePrefix = utils.Env("BOT_NAME_PREFIX", lcPolicy.NamePrefix)

	pool := pond.NewPool(utils.EnvInt("PROVIDER_WORKERS", 8))

	var opts []lifecycle.Option
	if redisClient != nil {
		opts = append(opts, lifecycle.WithPublisher(NewEventSink(redisClient)))
	}
	manager := lifecycle.New(store, l, prov, pool, lcPolicy, logger, opts...)

	loops := controller.New(store, manager, controller.ConfigFromEnv(), logger)
	if redisClient != nil {
		loops.Locker = redisClient
	}

	app := &types.App{
		Store: store,

		Ledger:   l,
		Claims:   claim.New(l, store, claimPolicy, logger),
		Referral: referral.New(l, store, refPolicy, logger),
		Tasks: tasks.New(l, store, tasks.Config{
			Catalog:  tasks.DefaultCatalog(utils.EnvInt("REFERRAL_MILESTONE", 5)),
			DailyCap: utils.EnvInt("TASK_DAILY_CAP", 10),
			Location: claimPolicy.Location,
		}, logger),
		Lifecycle: manager,

		Provider: prov,
		Pool:     pool,

		Controller: loops,

		RedisClient: redisClient,

		Logger: logger,
	}

	return app
}

func openStore(ctx context.Context, logger *zap.Logger) db.Store {
	switch strings.ToLower(utils.Env("STORE", "postgres")) {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.New()
	default:
		store, err := pgstore.New(ctx, logger, utils.Env("POSTGRES_DB", "botdeck"), "server")
		if err != nil {
			logger.Fatal("Unable to initialize database", zap.Error(err))
		}
		return store
	}
}

func loadLocation(logger *zap.Logger, name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("unknown timezone, using UTC", zap.String("timezone", name), zap.Error(err))
		return time.UTC
	}
	return loc
}
