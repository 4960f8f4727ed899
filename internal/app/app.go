package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"relay_bot/internal/config"
	"relay_bot/internal/logger"
	"relay_bot/internal/metrics"
	"relay_bot/internal/mongo"
	"relay_bot/internal/mtproto"
	"relay_bot/internal/relay"
	"relay_bot/internal/relay/repository"
	"relay_bot/internal/telegram"

	"go.uber.org/multierr"
)

// App 应用服务容器
// 负责管理所有服务的生命周期（初始化、运行、关闭）
type App struct {
	cfg *config.Config

	MongoDB   *mongo.Client
	Metrics   *metrics.Metrics
	Source    *mtproto.Client
	Publisher *telegram.Publisher
	Router    *relay.Router

	limiter    *relay.RateLimiter
	delivery   *relay.DeliveryClient
	relayer    *relay.Relayer
	dispatcher *relay.Dispatcher
	reconciler *relay.Reconciler

	metricsServer *http.Server

	background       sync.WaitGroup
	cancelBackground context.CancelFunc
}

// New 初始化应用及其所有服务
// 按顺序初始化各个服务，任何服务初始化失败都会返回错误
func New(cfg *config.Config, channels *config.ChannelsConfig) (*App, error) {
	router, err := relay.NewRouter(toTargets(channels), channels.ForbiddenWords)
	if err != nil {
		return nil, fmt.Errorf("build channel router failed: %w", err)
	}

	app := &App{
		cfg:     cfg,
		Metrics: metrics.New(),
		Router:  router,
	}

	var (
		watermarkRepo repository.WatermarkRepository
		recordRepo    repository.RelayRecordRepository
	)
	if cfg.MongoURI != "" {
		app.MongoDB, err = mongo.NewClient(mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDBName})
		if err != nil {
			return nil, fmt.Errorf("init MongoDB failed: %w", err)
		}

		db := app.MongoDB.Database()
		watermarkRepo = repository.NewWatermarkRepository(db)
		recordRepo = repository.NewRelayRecordRepository(db, time.Duration(cfg.RecordRetentionHours)*time.Hour)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = mongo.EnsureIndexes(ctx, watermarkRepo, recordRepo)
		cancel()
		if err != nil {
			app.Close(context.Background())
			return nil, err
		}
		logger.L().Info("MongoDB initialized successfully")
	} else {
		logger.L().Warn("MONGO_URI not set, watermarks are kept in memory only")
	}

	app.Publisher, err = telegram.NewPublisher(telegram.Config{Token: cfg.TelegramToken, Debug: cfg.BotDebug})
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("init Telegram publisher failed: %w", err)
	}

	app.Source, err = mtproto.New(mtproto.Config{
		APIID:       cfg.MTProto.APIID,
		APIHash:     cfg.MTProto.APIHash,
		Phone:       cfg.MTProto.Phone,
		Password:    cfg.MTProto.Password,
		SessionFile: cfg.MTProto.SessionFile,
	})
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("init MTProto client failed: %w", err)
	}

	app.limiter = relay.NewRateLimiter(relay.DeliveryRatePerSecond, relay.DestinationRatePerMinute)
	app.delivery = relay.NewDeliveryClient(app.Publisher,
		relay.WithClassifier(telegram.ClassifyError),
		relay.WithRetryAfter(telegram.RetryAfter),
		relay.WithRateLimiter(app.limiter),
		relay.WithDeliveryMetrics(app.Metrics),
	)

	app.relayer = relay.NewRelayer(relay.RelayerDeps{
		Router:     router,
		Watermarks: relay.NewWatermarkStore(router.Pairs(), watermarkRepo),
		Serializer: relay.NewChannelSerializer(router.Sources()),
		Resolver:   relay.NewGroupResolver(app.Source),
		Fetcher:    relay.NewMediaFetcher(app.Source, cfg.MediaDir, relay.WithFetchMetrics(app.Metrics)),
		Delivery:   app.delivery,
		Records:    recordRepo,
		Metrics:    app.Metrics,
	})

	app.dispatcher = relay.NewDispatcher(app.relayer, router, cfg.QueueSize, app.Metrics)
	app.reconciler = relay.NewReconciler(app.relayer, app.Source, router, relay.ReconcilerConfig{
		Interval: cfg.ReconcileInterval,
		PageSize: cfg.ReconcilePageSize,
	}, app.Metrics)

	return app, nil
}

// toTargets 配置文件中的目标转为路由配置
func toTargets(channels *config.ChannelsConfig) []relay.Target {
	targets := make([]relay.Target, 0, len(channels.Targets))
	for _, t := range channels.Targets {
		targets = append(targets, relay.Target{
			DestinationID:  t.DestinationID,
			DisplayName:    t.DisplayName,
			Sources:        t.Sources,
			ForbiddenWords: t.ForbiddenWords,
		})
	}
	return targets
}

// Run 连接源平台并开始转发，阻塞到 ctx 结束
func (a *App) Run(ctx context.Context) error {
	if err := a.Source.Start(ctx); err != nil {
		return fmt.Errorf("start MTProto client failed: %w", err)
	}

	a.startMetricsServer()

	a.reconciler.SeedAll(ctx)
	if err := a.reconciler.Start(); err != nil {
		return fmt.Errorf("start reconciler failed: %w", err)
	}

	if a.cfg.StartupNoticeEnabled {
		a.notifyStartup(ctx)
	}

	logger.L().Infof("Relay started: sources=%d, destinations=%d", len(a.Router.Sources()), len(a.Router.Destinations()))
	err := a.dispatcher.Run(ctx, a.Source)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// notifyStartup 后台发送启动通知，不阻塞订阅
func (a *App) notifyStartup(ctx context.Context) {
	ctx, a.cancelBackground = context.WithCancel(ctx)
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		a.sendStartupNotice(ctx)
	}()
}

// sendStartupNotice 向每个目标频道发送启动通知，失败只记录日志
func (a *App) sendStartupNotice(ctx context.Context) {
	for _, destinationID := range a.Router.Destinations() {
		if err := a.delivery.SendText(ctx, destinationID, telegram.StartupNotice); err != nil {
			logger.L().Errorf("Failed to send startup notice: destination=%d, err=%v", destinationID, err)
			continue
		}
		logger.L().Infof("Startup notice sent: destination=%d", destinationID)
	}
}

func (a *App) startMetricsServer() {
	if a.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	a.metricsServer = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.L().Infof("Metrics server listening on %s", a.cfg.MetricsAddr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Errorf("Metrics server stopped: %v", err)
		}
	}()
}

// Close 优雅关闭所有服务
// 应该在应用退出时调用，确保资源正确释放
func (a *App) Close(ctx context.Context) error {
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.cancelBackground != nil {
		a.cancelBackground()
	}
	a.background.Wait()
	if a.Source != nil {
		a.Source.Close()
	}

	var err error
	if a.metricsServer != nil {
		if shutdownErr := a.metricsServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown metrics server failed: %w", shutdownErr))
		}
	}
	if a.MongoDB != nil {
		if closeErr := a.MongoDB.Close(ctx); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close MongoDB failed: %w", closeErr))
		}
	}
	return err
}
