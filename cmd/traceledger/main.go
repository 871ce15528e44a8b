package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/agritrace/internal/anchor"
	"github.com/jmerrifield20/agritrace/internal/api/handler"
	"github.com/jmerrifield20/agritrace/internal/archive"
	"github.com/jmerrifield20/agritrace/internal/config"
	"github.com/jmerrifield20/agritrace/internal/health"
	"github.com/jmerrifield20/agritrace/internal/notify"
	"github.com/jmerrifield20/agritrace/internal/rules"
	"github.com/jmerrifield20/agritrace/internal/telemetry"
	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const grpcServiceName = "traceledger"

func main() {
	level := zap.NewAtomicLevel()
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(logger, level); err != nil {
		logger.Fatal("traceledger exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger, level zap.AtomicLevel) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	loader := config.NewLoader(os.Getenv("TRACELEDGER_CONFIG"))
	cfg, err := loader.Load()
	switch {
	case errors.Is(err, config.ErrNoConfigFile):
		logger.Warn("no config file found, using defaults and env vars")
	case err != nil:
		return err
	default:
		logger.Info("config loaded", zap.String("file", loader.ConfigFileUsed()))
	}
	applyLogLevel(level, cfg.Log.Level, logger)

	loader.Watch(logger, func(next *config.Config) {
		applyLogLevel(level, next.Log.Level, logger)
		if restartRequired(cfg, next) {
			logger.Warn("config changed; settings other than log.level take effect after restart")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Tracing ───────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "traceledger",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	var probes []health.Probe

	// ── Postgres (store and/or advisory locks) ────────────────────────────────
	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		probes = append(probes, health.Probe{Name: "postgres", Critical: true, Check: pool.Ping})
	}

	// ── Store ─────────────────────────────────────────────────────────────────
	var store tracechain.Store
	switch cfg.Store.Driver {
	case "postgres":
		store = tracechain.NewPostgresStore(pool, logger)
	case "sqlite":
		db, err := tracechain.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		defer closeDB(db, logger)
		s, err := tracechain.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		store = s
		probes = append(probes, health.Probe{Name: "sqlite", Critical: true, Check: db.PingContext})
		logger.Info("sqlite store ready", zap.String("path", cfg.Store.SQLitePath))
	default:
		store = tracechain.NewMemoryStore()
		logger.Warn("using in-memory store; events are lost on restart")
	}

	// ── Per-batch locking ─────────────────────────────────────────────────────
	opts := []tracechain.Option{}
	switch cfg.Lock.Driver {
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(cfg.Redis.Addr, ","),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		opts = append(opts, tracechain.WithLocker(tracechain.NewRedisLocker(rdb, cfg.Lock.TTL, logger)))
		probes = append(probes, health.Probe{Name: "redis", Critical: true, Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info("batch locks: redis", zap.String("addr", cfg.Redis.Addr))
	case "postgres":
		opts = append(opts, tracechain.WithLocker(tracechain.NewPostgresLocker(pool, logger)))
		logger.Info("batch locks: postgres advisory locks")
	default:
		logger.Info("batch locks: in-process (single replica only)")
	}

	// ── Payload rules ─────────────────────────────────────────────────────────
	if len(cfg.Rules) > 0 {
		engine, err := rules.Compile(cfg.Rules)
		if err != nil {
			return fmt.Errorf("compile payload rules: %w", err)
		}
		opts = append(opts, tracechain.WithPayloadValidator(engine))
		logger.Info("payload rules loaded", zap.Int("expressions", engine.Len()))
	}

	// ── Alert webhooks ────────────────────────────────────────────────────────
	var notifier *notify.Notifier
	if len(cfg.Notify.Webhooks) > 0 {
		targets := make([]notify.Target, len(cfg.Notify.Webhooks))
		for i, w := range cfg.Notify.Webhooks {
			targets[i] = notify.Target{URL: w.URL, Secret: w.Secret, Events: w.Events}
		}
		notifier = notify.New(targets, logger)
		notifier.SetMetricsRecorder(handler.RecordWebhookDelivery)
		defer func() {
			nctx, ncancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer ncancel()
			notifier.Close(nctx)
		}()
		opts = append(opts, tracechain.WithViolationHook(notifier.IntegrityViolation))
		logger.Info("alert webhooks configured", zap.Int("targets", len(targets)))
	}

	// ── Anchoring ─────────────────────────────────────────────────────────────
	var anchors handler.AnchorReader
	ledger, err := anchor.OpenLedger(ctx, anchor.Mode(cfg.Anchor.Mode), anchor.HTTPConfig{
		BaseURL:           cfg.Anchor.URL,
		JWTSecret:         cfg.Anchor.JWTSecret,
		OAuthClientID:     cfg.Anchor.OAuthClientID,
		OAuthClientSecret: cfg.Anchor.OAuthClientSecret,
		OAuthTokenURL:     cfg.Anchor.OAuthTokenURL,
		OAuthScopes:       cfg.Anchor.OAuthScopes,
	}, logger)
	switch {
	case errors.Is(err, anchor.ErrDisabled):
		logger.Info("anchoring disabled", zap.Error(err))
	case err != nil:
		return err
	default:
		coord := anchor.NewCoordinator(ledger, store, anchor.Config{
			Workers:         cfg.Anchor.Workers,
			QueueSize:       cfg.Anchor.QueueSize,
			SubmitTimeout:   cfg.Anchor.SubmitTimeout,
			StaleAfter:      cfg.Anchor.StaleAfter,
			SweepInterval:   cfg.Anchor.SweepInterval,
			RecordsCacheTTL: cfg.Anchor.RecordsCacheTTL,
		}, logger)
		coord.SetOutcomeFunc(func(e *tracechain.TraceEvent, st tracechain.AnchorStatus, txHash string) {
			handler.RecordAnchorOutcome(st)
			if notifier != nil {
				notifier.AnchorOutcome(e, st, txHash)
			}
		})
		defer coord.Close()
		go coord.Start(ctx)

		opts = append(opts, tracechain.WithAnchorScheduler(coord))
		anchors = coord
		probes = append(probes, health.Probe{Name: "anchor_ledger", Check: ledger.Ping})
	}

	chain := tracechain.NewChain(store, logger, opts...)

	// ── Health ────────────────────────────────────────────────────────────────
	checker := health.New(probes, health.Config{}, logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)

	healthSvc := grpchealth.NewServer()
	setServing := func(serving bool) {
		st := grpc_health_v1.HealthCheckResponse_SERVING
		if !serving {
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthSvc.SetServingStatus("", st)
		healthSvc.SetServingStatus(grpcServiceName, st)
	}
	setServing(true)
	checker.SetServingChange(setServing)
	go checker.Start(ctx)

	// ── HTTP router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	router.Use(handler.RateLimiter(ctx, handler.RateLimitConfig{
		RPS:      cfg.Server.RateLimitRPS,
		WriteRPS: cfg.Server.WriteRateLimitRPS,
		Exempt:   []string{"/healthz", "/metrics"},
	}))
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		report := checker.Report()
		code := http.StatusOK
		if !report.Serving {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewTraceHandler(chain, anchors, logger).Register(v1)

	if cfg.Archive.Bucket != "" {
		sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
			Prefix:   cfg.Archive.Prefix,
		})
		if err != nil {
			return err
		}
		handler.NewArchiveHandler(archive.NewArchiver(chain, sink, logger), logger).Register(v1)
		logger.Info("batch archive enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	// ── gRPC health server ────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(router, "traceledger"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("traceledger gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("traceledger HTTP listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.String("lock", cfg.Lock.Driver),
			zap.Bool("anchoring", chain.AnchoringEnabled()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down traceledger...")
	healthSvc.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	cancel()

	logger.Info("traceledger stopped")
	return nil
}

func applyLogLevel(level zap.AtomicLevel, text string, logger *zap.Logger) {
	lvl, err := zapcore.ParseLevel(text)
	if err != nil {
		logger.Warn("ignoring invalid log level", zap.String("level", text))
		return
	}
	if level.Level() != lvl {
		level.SetLevel(lvl)
		logger.Info("log level set", zap.Stringer("level", lvl))
	}
}

// restartRequired reports whether anything other than log.level differs.
func restartRequired(cur, next *config.Config) bool {
	a, b := *cur, *next
	a.Log, b.Log = config.LogConfig{}, config.LogConfig{}
	return !reflect.DeepEqual(a, b)
}

func closeDB(db *sql.DB, logger *zap.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("close sqlite", zap.Error(err))
	}
}

// containsWildcard returns true if any origin in the list is "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
