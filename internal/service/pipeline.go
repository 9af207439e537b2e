package service

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	"tickstock-stream/common/database"
	rediscommon "tickstock-stream/common/redis"
	"tickstock-stream/internal/aggregator"
	"tickstock-stream/internal/broadcast"
	"tickstock-stream/internal/bus"
	"tickstock-stream/internal/cache"
	"tickstock-stream/internal/config"
	"tickstock-stream/internal/consumer"
	"tickstock-stream/internal/flow"
	"tickstock-stream/internal/heartbeat"
	httpapi "tickstock-stream/internal/http"
	"tickstock-stream/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	mqttReceiveBuffer = 1024
	shutdownTimeout   = 5 * time.Second
)

// Dependencies 外部依赖（测试时注入内存实现）
type Dependencies struct {
	Source       bus.Source
	FlowStore    flow.Store
	PatternStore aggregator.PatternQuerier
	Redis        *redis.Client // 可为 nil（不写心跳 key）
}

// PipelineService 事件分发与实时聚合服务
// 唯一的订阅循环持有全部频道，内部按频道分发给各个处理器
type PipelineService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttBus     *bus.MQTTBus

	cache      *cache.TieredCache
	recorder   *flow.Recorder
	monitor    *heartbeat.Monitor
	dispatcher *broadcast.Dispatcher
	aggregator *aggregator.Aggregator
	subscriber *consumer.Subscriber
	router     *httpapi.Router
	server     *Server
}

// NewPipelineService 连接 Redis / 数据库 / 总线并组装服务
// 数据库不可达时仍然启动：审计写入进入重试队列，数据库层级返回 error 状态
func NewPipelineService(cfg *config.Config, logger *zap.Logger) (*PipelineService, error) {
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		if cfg.Bus.Kind == config.BusKindRedis {
			_ = redisClient.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("Redis unreachable, heartbeat keys will fail until it recovers", zap.Error(err))
	}

	db, err := database.OpenPostgresDB(&cfg.Database)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}
	if err := database.Ping(context.Background(), db); err != nil {
		logger.Warn("Database unreachable at startup, running degraded", zap.Error(err))
	}

	var (
		source  bus.Source
		mqttBus *bus.MQTTBus
	)
	switch cfg.Bus.Kind {
	case config.BusKindMQTT:
		mqttBus = bus.NewMQTTBus(&cfg.MQTT, mqttReceiveBuffer, logger)
		source = mqttBus
	default:
		source = bus.NewRedisBus(redisClient)
	}

	svc := New(cfg, Dependencies{
		Source:       source,
		FlowStore:    repository.NewFlowRepository(db, logger),
		PatternStore: repository.NewPatternRepository(db, logger),
		Redis:        redisClient,
	}, logger)
	svc.db = db
	svc.redisClient = redisClient
	svc.mqttBus = mqttBus
	return svc, nil
}

// New 由已建立的依赖组装服务
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) *PipelineService {
	eventCache := cache.NewTieredCache(cfg.Capacities(), cfg.Cache.DefaultCapacity, logger)
	recorder := flow.NewRecorder(deps.FlowStore, cfg.Flow.WriteTimeout, cfg.Flow.RetryQueueSize, logger)

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Interval:        cfg.Heartbeat.Interval,
		GraceMultiplier: cfg.Heartbeat.GraceMultiplier,
		ProducerKey:     cfg.Heartbeat.ProducerKey,
		ConsumerKey:     cfg.Heartbeat.ConsumerKey,
	}, recorder, deps.Redis, logger)

	dispatcher := broadcast.NewDispatcher(broadcast.Config{
		SendBuffer:    cfg.Broadcast.SendBuffer,
		SendTimeout:   cfg.Broadcast.SendTimeout,
		WriteDeadline: cfg.Broadcast.WriteDeadline,
	}, recorder, logger)

	plans := aggregator.PlansFromConfig(cfg,
		aggregator.NewCacheSource(eventCache),
		aggregator.NewStoreSource(deps.PatternStore),
	)
	agg := aggregator.New(plans, cfg.Refresh.OuterTimeout, logger)
	dispatcher.SetSnapshotProvider(agg)

	handler := consumer.NewPatternHandler(consumer.PatternHandlerConfig{
		ChannelTiers: cfg.Bus.ChannelTiers,
		DefaultTier:  cfg.Cache.DefaultTier,
		TTLs:         cfg.TTLs(),
	}, eventCache, recorder, dispatcher, monitor, logger)

	subscriber := consumer.NewSubscriber(deps.Source, logger)
	for _, ch := range cfg.Bus.PatternChannels {
		subscriber.Register(ch, handler.Handle)
	}
	if cfg.Bus.HeartbeatChannel != "" {
		subscriber.Register(cfg.Bus.HeartbeatChannel, monitor.HandleMessage)
	}

	router := httpapi.NewRouter(logger)
	router.RegisterPatternRoutes(httpapi.NewPatternHandler(agg, logger))
	router.RegisterFlowRoutes(httpapi.NewFlowHandler(recorder, logger))
	router.RegisterSystemRoutes(httpapi.NewSystemHandler(dispatcher, monitor, eventCache, recorder, logger))

	return &PipelineService{
		config:     cfg,
		logger:     logger,
		cache:      eventCache,
		recorder:   recorder,
		monitor:    monitor,
		dispatcher: dispatcher,
		aggregator: agg,
		subscriber: subscriber,
		router:     router,
		server:     NewServer(cfg.HTTP.Addr, router, logger),
	}
}

// Handler HTTP 路由
func (s *PipelineService) Handler() http.Handler {
	return s.router
}

// Start 启动全部后台任务并阻塞，直到 ctx 取消或某个任务失败
func (s *PipelineService) Start(ctx context.Context) error {
	return s.run(ctx, s.server.Start)
}

// StartOn 与 Start 相同，但 HTTP 服务使用给定的 listener
func (s *PipelineService) StartOn(ctx context.Context, l net.Listener) error {
	return s.run(ctx, func() error { return s.server.Serve(l) })
}

func (s *PipelineService) run(ctx context.Context, serve func() error) error {
	s.logger.Info("Starting tickstock-stream service",
		zap.String("bus", s.config.Bus.Kind),
		zap.Strings("channels", s.subscriber.Channels()),
		zap.Int("tiers", len(s.aggregator.Tiers())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.subscriber.Start(gctx) })
	g.Go(func() error {
		s.cache.RunSweeper(gctx, s.config.Cache.SweepInterval)
		return nil
	})
	g.Go(func() error {
		s.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.recorder.RunRetry(gctx)
		return nil
	})
	g.Go(func() error {
		s.aggregator.RunPush(gctx, s.config.Refresh.PushInterval, s.dispatcher, 0, aggregator.DefaultLimit)
		return nil
	})
	g.Go(serve)
	g.Go(func() error {
		<-gctx.Done()
		s.dispatcher.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Stop 释放外部连接
func (s *PipelineService) Stop(ctx context.Context) error {
	s.dispatcher.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.server.Stop(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	if pending := s.recorder.Pending(); pending > 0 {
		s.logger.Warn("Flow records still queued for retry at shutdown", zap.Int("pending", pending))
	}

	if s.mqttBus != nil {
		s.mqttBus.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
