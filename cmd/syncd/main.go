package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"brokersync/internal/cache"
	"brokersync/internal/config"
	cronrunner "brokersync/internal/cron"
	"brokersync/internal/db"
	"brokersync/internal/gateway"
	"brokersync/internal/handler"
	"brokersync/internal/ingest"
	"brokersync/internal/logger"
	"brokersync/internal/order"
	"brokersync/internal/persist"
	gormrepository "brokersync/internal/repository/gorm"
)

func main() {
	cfgPath := os.Getenv("BS_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("BS_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := gormrepository.New(dbConn.Gorm)
	portfolioCache := cache.NewStore()

	// Register the account and warm the cache from the durable snapshot so
	// reads are served before the first gateway event lands.
	seedCtx, cancelSeed := context.WithTimeout(ctx, 30*time.Second)
	accountID, err := store.UpsertAccount(seedCtx, cfg.Gateway.Account, cfg.App.BaseCurrency)
	if err != nil {
		logger.Warn("account bootstrap failed, serving storage-first until seeded", zap.Error(err))
	} else {
		snap, err := store.LoadSnapshot(seedCtx, accountID)
		if err != nil {
			logger.Warn("snapshot load failed, serving storage-first until seeded", zap.Error(err))
		} else {
			portfolioCache.Seed(snap, accountID, cfg.App.BaseCurrency)
			logger.Info("cache seeded",
				zap.Uint64("account_id", accountID),
				zap.Int("positions", len(snap.Positions)),
				zap.Int("history", len(snap.History)))
		}
	}
	cancelSeed()

	scheduler := &persist.Scheduler{
		Repo:         store,
		Cache:        portfolioCache,
		Logger:       logger,
		WriteTimeout: cfg.Persist.WriteTimeout,
		Retries:      cfg.Persist.ImmediateRetries,
	}

	ingestor := ingest.New(nil, portfolioCache, store, scheduler, logger)
	ingestor.AccountID = accountID
	ingestor.Account = cfg.Gateway.Account
	ingestor.BaseCurrency = cfg.App.BaseCurrency

	link := gateway.NewLink(gateway.LinkOptions{
		URL:               cfg.Gateway.URL,
		Account:           cfg.Gateway.Account,
		ClientID:          cfg.Gateway.ClientID,
		DialTimeout:       cfg.Gateway.DialTimeout,
		KeepaliveInterval: cfg.Gateway.KeepaliveInterval,
		BackoffMin:        cfg.Gateway.ReconnectMinDelay,
		BackoffMax:        cfg.Gateway.ReconnectMaxDelay,
		Handler:           ingestor,
		Contracts:         ingestor.Contracts,
		RawSink:           ingestor.RecordRaw,
		Logger:            logger,
	})
	ingestor.Link = link

	orderGateway := order.NewGateway(link, logger, cfg.Gateway.Account,
		cfg.Orders.QueueCapacity, cfg.Orders.RetentionWindow)
	orderGateway.SubmitTimeout = cfg.Orders.SubmitTimeout
	ingestor.Orders = orderGateway
	go func() {
		if err := orderGateway.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("order worker stopped", zap.Error(err))
		}
	}()

	if cfg.Gateway.AutoStart {
		if err := link.Start(ctx); err != nil {
			logger.Warn("gateway link start failed", zap.Error(err))
		}
	}

	cronRunner := cronrunner.New(logger, ctx)
	flushSpec := "@every " + cfg.Persist.FlushInterval.String()
	if _, err := cronRunner.Add("position_pnl_flush", flushSpec, scheduler.FlushPositions); err != nil {
		logger.Warn("cron register pnl flush failed", zap.Error(err))
	}
	if _, err := cronRunner.Add("portfolio_snapshot", cfg.Persist.SnapshotSpec, scheduler.SnapshotPortfolio); err != nil {
		logger.Warn("cron register portfolio snapshot failed", zap.Error(err))
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	portfolioHandler := &handler.PortfolioHandler{
		Cache:        portfolioCache,
		Repo:         store,
		AccountID:    accountID,
		BaseCurrency: cfg.App.BaseCurrency,
	}
	portfolioHandler.Register(engine)
	syncHandler := &handler.SyncHandler{
		Base:  ctx,
		Link:  link,
		Cache: portfolioCache,
		Sched: scheduler,
	}
	syncHandler.Register(engine)
	orderHandler := &handler.OrderHandler{Orders: orderGateway}
	orderHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	// Flush what the batched tier still holds before the process exits.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	if err := scheduler.FlushPositions(flushCtx); err != nil {
		logger.Warn("final pnl flush failed", zap.Error(err))
	}
	cancelFlush()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,Idempotency-Key")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
