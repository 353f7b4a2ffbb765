package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"collabsync/backend/config"
	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/rowsync"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Running.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dialect := store.Dialect(cfg.Storage.Driver)

	// === 快照存储 ===
	var snapshots collab.SnapshotStore
	if cfg.Storage.Memory {
		logger.Warn("using in-memory snapshot store, documents are lost on restart")
		snapshots = store.NewMemorySnapshotStore()
	} else {
		db, err := store.Open(ctx, dialect, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("connect snapshot db: %w", err)
		}
		defer db.Close()
		ss := store.NewSnapshotStore(db, dialect)
		if err := ss.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure snapshot schema: %w", err)
		}
		snapshots = ss
	}

	// === 行存储（数据库实体） ===
	var rowStore *store.RowStore
	rowsDSN := cfg.Storage.RowsDSN
	if rowsDSN == "" {
		rowsDSN = cfg.Storage.DSN
	}
	rowsDialect := dialect
	if cfg.Storage.Memory && cfg.Storage.RowsDSN == "" {
		rowsDialect, rowsDSN = store.DialectSQLite, "file:rows?mode=memory&cache=shared"
	}
	if gdb, err := store.OpenGorm(rowsDialect, rowsDSN); err != nil {
		logger.Warn("row store disabled", "driver", rowsDialect, "err", err)
	} else {
		rowStore = store.NewRowStore(gdb)
		if err := rowStore.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate row store: %w", err)
		}
	}

	// === Redis ===
	var rdb redis.UniversalClient
	if len(cfg.Redis.Addrs) > 0 {
		rdb = cache.NewRedisClient(cfg.Redis.Addrs, cfg.Redis.Password)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
	}

	deps := collab.Dependencies{Snapshots: snapshots, Logger: logger}
	if cfg.Redis.Presence {
		deps.Presence = cache.NewRedisPresence(rdb)
	}
	if cfg.Redis.Relay {
		deps.Relay = cache.NewRedisRelay(rdb, logger)
	}

	// === 鉴权 ===
	var authz auth.Authorizer = auth.AllowAll{}
	if cfg.Auth.Path != "" {
		authz = auth.NewHTTPAuthorizer(cfg.Auth.Path, cfg.Auth.Timeout)
		if rdb != nil {
			authz = auth.NewCachedAuthorizer(authz, rdb, cfg.Auth.AllowTTL, cfg.Auth.DenyTTL)
		}
	} else {
		logger.Warn("auth.path is empty, every authenticated user may join any workspace")
	}
	deps.Authorizer = authz

	// === Kafka Producer ===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(4), collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
			Logger:      logger,
		})
		deps.Events = dispatcher
	}

	registry := collab.NewRegistry(collab.Options{
		NodeID:               cfg.Running.NodeID,
		FlushInterval:        cfg.Collab.FlushInterval,
		FlushTimeout:         cfg.Collab.FlushTimeout,
		FinalFlushTimeout:    cfg.Collab.FinalFlushTimeout,
		HydrateTimeout:       cfg.Collab.HydrateTimeout,
		IdleGrace:            cfg.Collab.IdleGrace,
		RetryMaxInterval:     cfg.Collab.RetryMaxInterval,
		SendQueueSize:        cfg.Collab.SendQueueSize,
		PresenceTTL:          cfg.Collab.PresenceTTL,
		MaxConcurrentFlushes: cfg.Collab.MaxConcurrentFlushes,
	}, deps)

	var (
		rows     *rowsync.Service
		editor   ws.RowEditor
		waitRows = func(context.Context) error { return nil }
	)
	if rowStore != nil {
		rowOpts := rowsync.Options{WriteTimeout: cfg.Collab.RowWriteTimeout, Logger: logger}
		if dispatcher != nil {
			rowOpts.Events = dispatcher
		}
		rows = rowsync.NewService(registry, rowStore, rowOpts)
		editor = rows
		waitRows = rows.Wait
	}

	manager := ws.NewManager(registry, editor, ws.Options{
		AllowedOrigins: cfg.Collab.AllowedOrigins,
		PingPeriod:     cfg.Collab.PingPeriod,
		PongWait:       cfg.Collab.PongWait,
		Logger:         logger,
	})
	var presence handlers.PresenceReader
	if cfg.Redis.Presence {
		presence = cache.NewRedisPresence(rdb)
	}
	roomsAPI := handlers.NewRooms(registry, presence, authz)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	g := r.Group("/collab")
	g.GET("/healthz", roomsAPI.Healthz)
	// 关键：挂鉴权中间件（从 Authorization 或 ?token= 提取 token，写入 userId/username）
	authed := g.Group("", middleware.Identity(auth.NewTokens(cfg.Auth.JWTSecret)))
	authed.GET("/ws", manager.WebSocketConnect)
	roomsAPI.Register(authed)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("sync server listening", "addr", srv.Addr, "node", registry.NodeID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	// 关闭顺序：停止接入 → 等待行写入（失败的回滚落到镜像）→ flush 所有房间 → 排空 Kafka 队列
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := waitRows(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("wait row writes: %w", err))
	}
	if err := registry.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close registry: %w", err))
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain kafka: %w", err))
		}
	}
	return errors.Join(errs...)
}
