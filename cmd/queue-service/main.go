package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finq-go/internal/api/handler"
	"finq-go/internal/api/router"
	"finq-go/internal/config"
	appCoreLogger "finq-go/internal/logger"
	"finq-go/internal/metrics"
	"finq-go/internal/service"
	"finq-go/internal/storage"
	"finq-go/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	"github.com/spf13/pflag"
	"gorm.io/gorm"
)

func main() {
	var (
		configPath   string
		sampleConfig string
	)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.StringVar(&sampleConfig, "write-sample-config", "", "Write a sample config to the given path and exit")
	pflag.Parse()

	if sampleConfig != "" {
		if err := config.CreateSampleConfig(sampleConfig); err != nil {
			appCoreLogger.Fatal().Err(err).Msg("写入示例配置失败")
		}
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		appCoreLogger.Fatal().Err(err).Msg("加载配置失败")
	}
	initLogger(cfg.Logger)
	log := appCoreLogger.Named("main")
	log.Info().Str("config", configPath).Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitProvider(ctx, cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("初始化链路追踪失败，继续运行")
		shutdownTracing = func(context.Context) error { return nil }
	}

	storageManager, err := storage.NewStorage(ctx, cfg, appCoreLogger.Named("storage"))
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储失败")
	}

	opts := []service.Option{
		service.WithLogger(appCoreLogger.Named("queue-service")),
		service.WithMetrics(metrics.Default()),
	}
	if storageManager.RabbitMQ != nil {
		opts = append(opts, service.WithEventBridge(storageManager.RabbitMQ))
	}
	if storageManager.MinIO != nil {
		opts = append(opts, service.WithDLQSink(storageManager.MinIO))
	}
	svc := service.New(cfg, storageManager.Redis, opts...)

	var db *gorm.DB
	if storageManager.MySQL != nil {
		db = storageManager.MySQL.DB()
	}
	if err := svc.Initialize(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("初始化队列服务失败")
	}

	var h *server.Hertz
	if cfg.Server.Enabled {
		h = server.New(
			server.WithHostPorts(cfg.Server.Address),
			server.WithHandleMethodNotAllowed(true),
		)
		router.RegisterRoutes(h, handler.NewAdminHandler(svc))
		go func() {
			log.Info().Str("address", cfg.Server.Address).Msg("管理接口启动")
			if err := h.Run(); err != nil {
				log.Error().Err(err).Msg("管理接口退出")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("接收到终止信号，正在优雅退出...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		config.GetDuration(cfg.Queue.ShutdownGracePeriod, 30*time.Second)+10*time.Second)
	defer cancelShutdown()

	if h != nil {
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("管理接口关闭失败")
		}
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("队列服务关闭时存在未完成的任务")
	}
	storageManager.Close(log)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("关闭链路追踪失败")
	}
	log.Info().Msg("优雅退出完成")
}

func initLogger(cfg config.LoggerConfig) {
	appCoreLogger.Init(appCoreLogger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		TimeFormat:   cfg.TimeFormat,
		ReportCaller: cfg.ReportCaller,
	})

	// Hertz 的 hlog 与应用共用同一个 zerolog 实例
	glog.SetLogger(hertzadapter.From(appCoreLogger.Logger))
	if cfg.Level == "debug" {
		glog.SetLevel(glog.LevelDebug)
	} else {
		glog.SetLevel(glog.LevelInfo)
	}
}
