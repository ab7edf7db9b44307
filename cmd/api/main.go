package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/deploy-ticket-service/internal/api/http"
	"github.com/spec-kit/deploy-ticket-service/internal/api/http/handlers"
	"github.com/spec-kit/deploy-ticket-service/internal/artifact"
	"github.com/spec-kit/deploy-ticket-service/internal/auth"
	"github.com/spec-kit/deploy-ticket-service/internal/config"
	"github.com/spec-kit/deploy-ticket-service/internal/events"
	"github.com/spec-kit/deploy-ticket-service/internal/hosting"
	"github.com/spec-kit/deploy-ticket-service/internal/messaging"
	"github.com/spec-kit/deploy-ticket-service/internal/observability"
	"github.com/spec-kit/deploy-ticket-service/internal/payment"
	"github.com/spec-kit/deploy-ticket-service/internal/persistence"
	"github.com/spec-kit/deploy-ticket-service/internal/repository"
	"github.com/spec-kit/deploy-ticket-service/internal/repository/memstore"
	"github.com/spec-kit/deploy-ticket-service/internal/service"
	"github.com/spec-kit/deploy-ticket-service/internal/vault"
	"github.com/spec-kit/deploy-ticket-service/internal/worker"
)

const shutdownGrace = 30 * time.Second

type repositories struct {
	tickets  repository.TicketRepository
	users    repository.UserRepository
	guilds   repository.GuildConfigRepository
	payments repository.PaymentRepository
	audit    repository.AuditRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.App, cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credentialVault, err := vault.New(cfg.Vault.EncryptionKey)
	if err != nil {
		logger.Fatal("invalid ENCRYPTION_KEY", zap.Error(err))
	}

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, cfg.App.Name, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), persistence.DefaultMigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	repos := buildRepositories(pg, logger)
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)
	auditor := service.NewAuditor(repos.audit, logger)

	hostingClient := hosting.NewHTTPClient(cfg.Hosting)
	messenger := messaging.NewRESTMessenger(cfg.Messaging)
	gateways := payment.NewRegistry(
		payment.NewMercadoPago(cfg.Payment),
		payment.NewPushinPay(cfg.Payment),
	)

	credentialService := service.NewCredentialService(service.CredentialDependencies{
		UserRepo: repos.users,
		Vault:    credentialVault,
		Hosting:  hostingClient,
		Auditor:  auditor,
		Logger:   logger,
	})
	ticketService := service.NewTicketService(service.TicketDependencies{
		TicketRepo:  repos.tickets,
		UserRepo:    repos.users,
		GuildRepo:   repos.guilds,
		Credentials: credentialService,
		Hosting:     hostingClient,
		Messenger:   messenger,
		Validator:   artifact.Validator{ManifestNames: cfg.Hosting.ManifestNames, MaxBytes: cfg.Hosting.MaxUploadBytes},
		Auditor:     auditor,
		Dispatcher:  dispatcher,
		Logger:      logger,
		Lifecycle:   cfg.Lifecycle,
	})
	paymentService := service.NewPaymentService(service.PaymentDependencies{
		TicketRepo:  repos.tickets,
		UserRepo:    repos.users,
		GuildRepo:   repos.guilds,
		PaymentRepo: repos.payments,
		Gateways:    gateways,
		Auditor:     auditor,
		Dispatcher:  dispatcher,
		Logger:      logger,
	})
	deployService := service.NewDeployService(service.DeployDependencies{
		TicketService: ticketService,
		Credentials:   credentialService,
		Hosting:       hostingClient,
		Auditor:       auditor,
		Logger:        logger,
	})
	applicationService := service.NewApplicationService(service.ApplicationDependencies{
		UserRepo:    repos.users,
		Credentials: credentialService,
		Hosting:     hostingClient,
		Auditor:     auditor,
		Logger:      logger,
	})
	deployWorker := worker.NewDeployWorker(deployService, cfg.Lifecycle.DeployWorkers, cfg.Lifecycle.DeployStaleAfter, logger)
	webhookService := service.NewWebhookService(service.WebhookDependencies{
		Gateways:      gateways,
		PaymentRepo:   repos.payments,
		TicketRepo:    repos.tickets,
		TicketService: ticketService,
		Replay:        redis,
		ReplayTTL:     cfg.Redis.ReplayTTL(),
		Deployer:      deployWorker,
		Auditor:       auditor,
		Dispatcher:    dispatcher,
		Logger:        logger,
	})
	channelService := service.NewChannelService(repos.tickets, messenger, logger, nil)
	guildService := service.NewGuildConfigService(repos.guilds, auditor)
	notificationService := service.NewNotificationService(dispatcher, messenger, logger, cfg.Lifecycle.ChannelTeardownDelay)

	notificationsDone := worker.StartNotificationWorker(ctx, notificationService)
	sweeper := worker.NewSweeper(ticketService, channelService, cfg.Lifecycle.SweepInterval, cfg.Lifecycle.SweepBatchSize, logger)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(ctx)
	}()

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(tokens)

	app := fiber.New(httptransport.NewServerConfig(cfg.App.Name, int(cfg.Hosting.MaxUploadBytes)+1<<20))
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	readiness := map[string]handlers.Pinger{"redis": redis, "postgres": nil}
	if pg.PoolHandle() != nil {
		readiness["postgres"] = pg
	}

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, readiness, metrics),
		Tickets:        handlers.NewTicketsHandler(ticketService, paymentService, cfg.Hosting.MaxUploadBytes, time.Duration(cfg.Hosting.TimeoutSeconds)*time.Second),
		Credentials:    handlers.NewCredentialsHandler(credentialService),
		Applications:   handlers.NewApplicationsHandler(applicationService),
		GuildConfig:    handlers.NewGuildConfigHandler(guildService),
		Webhooks:       handlers.NewWebhookHandler(webhookService, metrics, logger),
		AuthMiddleware: authMiddleware,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("service started", zap.String("addr", cfg.App.Addr()), zap.String("version", cfg.App.Version))

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(shutdownGrace); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	<-sweeperDone
	<-notificationsDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := deployWorker.Shutdown(shutdownCtx); err != nil {
		logger.Warn("deployments still running at shutdown", zap.Error(err))
	}
}

func buildRepositories(pg *persistence.Postgres, logger *zap.Logger) repositories {
	pool := pg.PoolHandle()
	if pool == nil {
		logger.Warn("running on the in-memory store; state is lost on restart")
		store := memstore.New()
		return repositories{
			tickets:  store.Tickets(),
			users:    store.Users(),
			guilds:   store.Guilds(),
			payments: store.Payments(),
			audit:    store.Audit(),
		}
	}
	return repositories{
		tickets:  repository.NewTicketRepository(pool),
		users:    repository.NewUserRepository(pool),
		guilds:   repository.NewGuildConfigRepository(pool),
		payments: repository.NewPaymentRepository(pool),
		audit:    repository.NewAuditRepository(pool),
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
