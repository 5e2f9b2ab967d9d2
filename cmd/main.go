/**
 * @description
 * This is the main entry point for the contribution-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the payment provider gateway, the bad-actor scoring
 * client, message brokers, the portal cache, repositories, the core
 * application service, the sweep scheduler and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Portal cache backend.
 * - internal/api, internal/app, internal/config, internal/provider,
 *   internal/store: Internal packages for the service.
 * - pkg/badactor, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/donorhub/contribution-service/internal/api"
	"github.com/donorhub/contribution-service/internal/app"
	"github.com/donorhub/contribution-service/internal/config"
	"github.com/donorhub/contribution-service/internal/provider"
	"github.com/donorhub/contribution-service/internal/store"
	"github.com/donorhub/contribution-service/pkg/badactor"
	rmrabbit "github.com/donorhub/contribution-service/pkg/rabbitmq"
)

func main() {
	// Load a local .env if one exists; real deployments set the environment.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"provider secret key must be configured\" env=STRIPE_SECRET_KEY")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook signing secret must be configured\" env=STRIPE_WEBHOOK_SECRET")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting contribution-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Pool sizing for webhook bursts after large sends.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// The producer publishes webhook, cache and reconcile tasks. When the
	// broker is down at boot the fallback fails publishes loudly, which turns
	// webhook ingestion into non-2xx responses until the broker returns.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.ProducerFallback{}
	} else {
		producer = eventProducer
		defer eventProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Portal cache. A missing or unreachable redis degrades the portal to
	// always-cold reads instead of preventing boot.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; portal cache disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; portal cache disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; portal cache disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}
	var kv app.KV
	if redisClient != nil {
		kv = app.NewRedisKV(redisClient)
	} else {
		kv = app.NewNullKV()
	}
	portalCache := app.NewPortalCache(kv, cfg.PortalCachePrefix, cfg.PortalCacheTTL())

	// Remote provider surface and the compensating adapter over it.
	repository := store.NewPostgresRepository(dbpool)
	gateway := provider.NewStripeGateway(cfg.StripeSecretKey)
	adapter := provider.NewAdapter(gateway, repository, cfg.StripeProductID)

	// Bad-actor scoring is optional; an unset URL means every submission
	// proceeds unscored, same as a gate outage.
	var scorer app.Scorer
	if strings.TrimSpace(cfg.BadActorAPIBaseURL) != "" {
		scorer = badactor.NewClient(cfg.BadActorAPIBaseURL, cfg.BadActorAPIKey)
	} else {
		log.Println("level=warn component=bootstrap msg=\"bad-actor api not configured; gate disabled\"")
	}

	contributionService := app.NewService(
		repository,
		adapter,
		gateway,
		scorer,
		producer,
		portalCache,
		app.Settings{
			FlagScore:       cfg.BadActorFlagScore,
			RejectScore:     cfg.BadActorRejectScore,
			DefaultCurrency: cfg.DefaultCurrency,
			ProductID:       cfg.StripeProductID,
		},
	)

	// Task consumers: webhook events, cache population, backfill passes.
	webhookProcessor := app.NewWebhookProcessor(repository, gateway, producer)
	cachePopulator := app.NewCachePopulator(gateway, portalCache)
	reconciler := app.NewReconciler(gateway, repository)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	webhookBindings := map[string]func([]byte) bool{
		rmrabbit.RoutingKeyWebhookEvent: webhookProcessor.HandleTask,
	}
	if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.Exchange, cfg.WebhookEventQueue, webhookBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook consumer start failed\" err=%v", err)
	}

	taskBindings := map[string]func([]byte) bool{
		rmrabbit.RoutingKeyCachePopulate: cachePopulator.HandleTask,
		rmrabbit.RoutingKeyReconcile:     reconciler.HandleTask,
	}
	if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.Exchange, cfg.TaskEventQueue, taskBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"task consumer start failed\" err=%v", err)
	}

	// Sweep scheduler.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	sweeps := app.NewSweeps(repository, adapter, producer, slogger, app.SweepSettings{
		FlaggedAutoAcceptAfter: time.Duration(cfg.FlaggedAutoAcceptHours) * time.Hour,
		AbandonedAfter:         time.Duration(cfg.AbandonedAfterHours) * time.Hour,
		ReconcileLookback:      time.Duration(cfg.ReconcileLookbackHours) * time.Hour,
		ConnectedAccounts:      cfg.ConnectedAccountList(),
	})
	scheduler := app.NewScheduler(sweeps, slogger, app.SweepSchedules{
		Flagged:   cfg.FlaggedSweepSchedule,
		Abandoned: cfg.AbandonedSweepSchedule,
		Reconcile: cfg.ReconcileSweepSchedule,
	})
	scheduler.Start()

	// HTTP surface: webhook ingestion, checkout, portal, internal triggers.
	handlers := api.NewContributionHandlers(contributionService)
	webhookHandler := api.NewWebhookHandler(producer, cfg.StripeWebhookSecret)
	router := api.ContributionRoutes(handlers, webhookHandler, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
