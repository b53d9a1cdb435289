/**
 * @description
 * This is the main entry point for the sync-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the provider API client, the credential vault, message brokers,
 * repositories, the core sync service, the scheduler, and the HTTP server. It
 * wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/robfig/cron/v3 (via internal/jobs): Scheduled fleet syncs.
 * - internal/api, internal/app, internal/config, internal/jobs, internal/store,
 *   internal/vault: Internal packages for the service.
 * - pkg/providerclient: Client for the banking data provider API.
 * - pkg/rabbitmq: Client for RabbitMQ.
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

	"github.com/centsight/sync-service/internal/api"
	"github.com/centsight/sync-service/internal/app"
	"github.com/centsight/sync-service/internal/config"
	"github.com/centsight/sync-service/internal/jobs"
	"github.com/centsight/sync-service/internal/store"
	"github.com/centsight/sync-service/internal/vault"
	"github.com/centsight/sync-service/pkg/providerclient"
	"github.com/centsight/sync-service/pkg/rabbitmq"
)

func main() {
	// Load .env for local development; in deployed environments the variables
	// come from the process environment.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.VaultEncryptionKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"vault encryption key must be configured\" env=VAULT_ENCRYPTION_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting sync-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
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

	// Build the credential vault. A bad key is unrecoverable at runtime, so
	// fail the boot.
	fieldVault, err := vault.New(cfg.VaultEncryptionKey)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"vault init failed\" err=%v", err)
	}

	// Initialize the RabbitMQ producer to publish audit events. The service
	// only publishes, and audit delivery is best-effort.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; audit events disabled\" err=%v", err)
		producer = &rabbitmq.NoopProducer{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the banking data provider API.
	providerClient := providerclient.NewClient(
		cfg.ProviderAPIBaseURL,
		cfg.ProviderClientID,
		cfg.ProviderSecret,
		time.Duration(cfg.ProviderTimeoutSeconds)*time.Second,
	)

	// Redis backs the outbound provider rate limiter; missing Redis degrades
	// to an unthrottled client rather than blocking boot.
	var limiter app.ProviderRateLimiter
	if cfg.ProviderRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; provider throttling disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; provider throttling disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; provider throttling disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					limiter = app.NewRedisProviderRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core sync service with its dependencies.
	syncService := app.NewSyncService(
		repository,
		providerClient,
		fieldVault,
		producer,
		cfg.AuditExchange,
		limiter,
		cfg.ProviderRateLimitPerMinute,
		cfg.SyncConcurrency,
	)

	// Initialize the API handlers and router.
	verifier := api.NewWebhookVerifier(providerClient, time.Duration(cfg.WebhookKeyCacheTTLSeconds)*time.Second)
	webhookHandler := api.NewWebhookHandler(verifier, syncService)
	syncHandlers := api.NewSyncHandlers(syncService)
	router := api.NewRouter(syncHandlers, webhookHandler, cfg.InternalAPIKey)

	// Start the cron scheduler for periodic fleet syncs.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	scheduler := jobs.NewScheduler(jobs.NewJobs(syncService, slogger), slogger, cfg.SyncSchedule)
	scheduler.Start()

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

	// Stop scheduling new runs; Stop's context drains any run in flight.
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
