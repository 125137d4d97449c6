package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatcall-backend/internal/database"
	callHandler "chatcall-backend/internal/handler/http/call"
	wsHandler "chatcall-backend/internal/handler/ws"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/repository/cockroach"
	"chatcall-backend/internal/repository/memory"
	redisRepo "chatcall-backend/internal/repository/redis"
	callService "chatcall-backend/internal/service/call"
	sfuService "chatcall-backend/internal/service/sfu"
	"chatcall-backend/pkg/config"
	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/jwt"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/resilience"
)

func main() {
	logger.InitDefault()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.Warn("Falling back to default logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Connect to CockroachDB, or keep history in memory
	var historyRepo callService.HistoryRepository
	var membershipRepo callService.MembershipRepository
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		logger.Warn("Running in limited mode without call history persistence",
			zap.Error(err))
		historyRepo = memory.NewCallHistory()
		membershipRepo = memory.NewMembership()
	} else {
		defer db.Close()
		historyRepo = cockroach.NewCallRepository(db.Pool, appMetrics)
		membershipRepo = cockroach.NewMembershipRepository(db.Pool, appMetrics)
	}

	// 3. Redis for cross-instance fan-out and token revocation, with degraded mode
	redisDB := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics.GetRegistry())
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable, call events stay on this instance", zap.Error(err))
	} else {
		logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host))
	}
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 4. Call registry, history and membership
	registry := callService.NewRegistry(callService.RegistryOptions{
		Shards:      cfg.Call.LockShards,
		RingTimeout: cfg.Call.RingTimeout,
	})
	defer registry.Close()

	breaker := resilience.NewBreaker("call_history", resilience.DefaultOptions(), appMetrics.GetRegistry())
	history := callService.NewHistoryRecorder(historyRepo, breaker)
	defer history.Wait()

	members := callService.NewCachedMembership(membershipRepo, cfg.Call.MembershipCacheTTL)
	stopCleanup := members.StartCleanup(time.Minute)
	defer stopCleanup()

	// 5. Media relay room service
	var rooms wsHandler.RoomDeleter
	var tokens callHandler.TokenIssuer
	if cfg.SFU.APIKey != "" && cfg.SFU.APISecret != "" {
		roomService := sfuService.NewRoomService(sfuService.Config{
			URL:       cfg.SFU.URL,
			APIKey:    cfg.SFU.APIKey,
			APISecret: cfg.SFU.APISecret,
			TokenTTL:  cfg.SFU.TokenTTL,
		})
		rooms = roomService
		tokens = roomService
		logger.Info("Media relay configured", zap.String("url", cfg.SFU.URL))
	} else {
		logger.Warn("LIVEKIT_API_KEY/LIVEKIT_API_SECRET not set, media tokens disabled")
	}

	// 6. Signaling gateway
	hub := wsHandler.NewSignalingHub(wsHandler.HubConfig{
		MaxConnections: cfg.Gateway.MaxConnections,
		EventRate:      cfg.Gateway.EventRate,
		EventBurst:     cfg.Gateway.EventBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, appMetrics)
	defer hub.Close()

	bus := redisRepo.NewCallBus(redisDB, hub, appMetrics)
	gateway := wsHandler.NewCallGateway(registry, members, bus, history, rooms, appMetrics)
	hub.SetHandler(gateway)
	sweeper := callService.NewSweeper(registry, gateway, cfg.Call.SweepInterval)

	// 7. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, func() map[string]string {
		deps := map[string]string{}
		if redisDB.IsDegraded() {
			deps["redis"] = "degraded"
		}
		if db == nil {
			deps["database"] = "unavailable"
		}
		return deps
	}))

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, 15*time.Minute)
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)
	rateLimiter := middleware.NewRateLimiter(redisDB, appMetrics, 100, time.Minute)
	callHdlr := callHandler.NewHandler(registry, history, members, tokens)

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		// long-lived, so no request timeout
		v1.GET("/ws", hub.ServeWS)

		api := v1.Group("")
		api.Use(rateLimiter.Middleware(), middleware.Timeout(constants.DefaultTimeout))
		api.GET("/history", callHdlr.GetHistory)
		api.GET("/active/:chat_id", callHdlr.GetActiveCall)
		api.POST("/:chat_id/token", callHdlr.IssueToken)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. Run until a signal arrives or a component fails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down call service")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Call service stopped with error", zap.Error(err))
		return
	}
	logger.Info("Call service stopped")
}
