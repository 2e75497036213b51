package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"golang.org/x/sync/errgroup"

	"positionGuard/config"
	"positionGuard/internal/adapters/binanceclient"
	"positionGuard/internal/adapters/logger"
	"positionGuard/internal/adapters/sqlite"
	"positionGuard/internal/app"
	"positionGuard/internal/domain"
	"positionGuard/internal/expiry"
	"positionGuard/internal/keylock"
	"positionGuard/internal/mutation"
	"positionGuard/internal/notify"
	"positionGuard/internal/reconcile"
	"positionGuard/internal/web"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Exchange Gateway (Binance Adapter)
	gateway, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance gateway")
		log.Fatalf("FATAL: Failed to initialize Binance gateway: %v", err)
	}
	provider := binanceclient.NewProvider()
	provider.Register(domain.AccountScope{Credential: cfg.CredentialName, Market: cfg.Market}, gateway)
	appLogger.Info(ctx, "Binance gateway initialized", map[string]interface{}{
		"credential": cfg.CredentialName, "market": cfg.Market, "testnet": cfg.IsTestnet,
	})

	// 5. Notifications
	var senders []notify.Sender
	if cfg.TelegramBotToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	notifier := notify.NewNotifier(appLogger, senders...)

	// 6. Tier Profiles
	profiles, err := config.LoadTierProfiles(cfg.TierProfilePath)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load tier profiles")
		log.Fatalf("FATAL: Failed to load tier profiles: %v", err)
	}

	// 7. Core Components
	locks := keylock.New()
	protocol, err := mutation.NewProtocol(mutation.Config{
		BreakEvenBuffer: cfg.BreakEvenBuffer,
		DefaultMaxAge:   cfg.MaxPositionAge,
	}, appLogger, repo, repo, repo, repo, provider, notifier)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize mutation protocol")
		log.Fatalf("FATAL: Failed to initialize mutation protocol: %v", err)
	}

	engine, err := reconcile.NewEngine(appLogger, repo, repo, provider, protocol, locks)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize reconciliation engine")
		log.Fatalf("FATAL: Failed to initialize reconciliation engine: %v", err)
	}

	enforcer, err := expiry.NewEnforcer(expiry.Config{
		WarningLead:    cfg.WarningLead,
		ForceCloseLead: cfg.ForceCloseLead,
	}, appLogger, repo, repo, protocol, locks, notifier)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize expiry enforcer")
		log.Fatalf("FATAL: Failed to initialize expiry enforcer: %v", err)
	}

	service, err := app.NewLifecycleService(cfg, appLogger, profiles, repo, repo, repo, protocol, engine, enforcer, locks)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize lifecycle service")
		log.Fatalf("FATAL: Failed to initialize lifecycle service: %v", err)
	}

	server, err := web.NewServer(cfg.HTTPAddr, appLogger, service)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize admin HTTP server")
		log.Fatalf("FATAL: Failed to initialize admin HTTP server: %v", err)
	}

	// 8. Run both surfaces; either one exiting stops the other.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return service.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	if err := g.Wait(); err != nil {
		appLogger.Error(ctx, err, "Service exited with error")
		log.Fatalf("FATAL: Service exited with error: %v", err)
	}
	appLogger.Info(ctx, "Shutdown complete")
}
