package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"match-engine-go/internal/api/handler"
	"match-engine-go/internal/api/router"
	"match-engine-go/internal/config"
	"match-engine-go/internal/embedding"
	"match-engine-go/internal/enrich"
	appCoreLogger "match-engine-go/internal/logger"
	"match-engine-go/internal/outbox"
	"match-engine-go/internal/processor"
	"match-engine-go/internal/ranker"
	"match-engine-go/internal/storage"
	"match-engine-go/internal/tracing"
	"match-engine-go/pkg/ratelimit"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hzconfig "github.com/cloudwego/hertz/pkg/common/config"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	hertzadapter "github.com/hertz-contrib/logger/zerolog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var (
	version     = "1.0.0"
	serviceName = "match-engine-go"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "配置文件路径")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}

	initLogger(&cfg.Logger)
	glog.Infof("%s v%s 配置加载成功", serviceName, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracing.InitTracerProvider(ctx, &cfg.Tracing)
	if err != nil {
		glog.Fatalf("初始化链路追踪失败: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			glog.Warnf("关闭链路追踪失败: %v", err)
		}
	}()

	stores, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		glog.Fatalf("存储初始化失败: %v", err)
	}
	defer stores.Close()
	// 画像、岗位目录与缓存缺一个排序服务都无法工作
	if stores.MySQL == nil || stores.Redis == nil || stores.MinIO == nil {
		glog.Fatalf("MySQL/Redis/MinIO 必须全部可用，请检查配置")
	}
	glog.Info("存储组件全部就绪")

	// 消息中继把outbox里的匹配完成事件发布到RabbitMQ
	var messageRelay *outbox.MessageRelay
	if stores.RabbitMQ != nil {
		if err := stores.RabbitMQ.DeclareMatchTopology(); err != nil {
			glog.Fatalf("声明RabbitMQ拓扑失败: %v", err)
		}
		relayLogger := log.New(appCoreLogger.Logger, "[MessageRelay] ", log.LstdFlags|log.Lshortfile)
		messageRelay = outbox.NewMessageRelay(stores.MySQL.DB(), stores.RabbitMQ, relayLogger)
		messageRelay.Start()
		glog.Info("消息中继已启动")
	} else {
		glog.Warn("RabbitMQ不可用，匹配完成事件将积压在outbox表中")
	}

	embedder, err := embedding.NewSidecarEmbedder(cfg.Embedding)
	if err != nil {
		glog.Fatalf("初始化向量化客户端失败: %v", err)
	}
	if err := embedder.Health(ctx); err != nil {
		glog.Warnf("向量化sidecar健康检查失败: %v，语义打分在sidecar恢复前走规则分回退", err)
	}
	glog.Info("向量化客户端初始化成功")

	vectorizer, err := processor.NewVectorizer(embedder, stores.Redis, stores.MySQL, cfg.Embedding.ModelVersion)
	if err != nil {
		glog.Fatalf("初始化向量获取器失败: %v", err)
	}
	glog.Info("向量获取器初始化成功")

	providers := buildRationaleProviders(ctx, cfg)
	limiter := ratelimit.NewSlidingWindow(
		cfg.Enrichment.WindowRequests,
		time.Duration(cfg.Enrichment.WindowSeconds)*time.Second,
	)
	generator := enrich.NewRationaleGenerator(providers, limiter,
		enrich.WithResponseCache(stores.Redis),
		enrich.WithRequestTimeout(config.GetDuration(cfg.Enrichment.RequestTimeout, 20*time.Second)),
	)
	glog.Infof("理由生成器初始化成功，提供方数量: %d", len(providers))

	rankService, err := ranker.NewRanker(
		stores.MinIO,
		stores.MySQL,
		vectorizer,
		generator,
		ranker.WithCandidateLimit(cfg.Ranker.CandidateLimit),
	)
	if err != nil {
		glog.Fatalf("初始化排序服务失败: %v", err)
	}
	glog.Info("排序服务初始化成功")

	rankHandler := handler.NewRankHandler(cfg, rankService, stores.Redis, stores.MySQL)
	historyHandler := handler.NewMatchHistoryHandler(stores.MySQL)
	metricsHandler := handler.NewMetricsHandler(generator.Metrics(), limiter)
	profileHandler := handler.NewProfileHandler(stores.MinIO, stores.Redis)

	hzOptions := []hzconfig.Option{
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
	}
	var tracingCfg *hertztracing.Config
	if cfg.Tracing.Enabled {
		var tracer hzconfig.Option
		tracer, tracingCfg = hertztracing.NewServerTracer()
		hzOptions = append(hzOptions, tracer)
	}
	h := server.New(hzOptions...)
	if tracingCfg != nil {
		h.Use(hertztracing.ServerMiddleware(tracingCfg))
	}
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		glog.CtxInfof(c, "%s %s -> %d (%s)",
			string(ctx.Method()), string(ctx.Path()),
			ctx.Response.StatusCode(), time.Since(start))
	})

	router.RegisterRoutes(h, rankHandler, historyHandler, metricsHandler, profileHandler)
	glog.Info("HTTP路由注册成功")

	go func() {
		glog.Infof("HTTP服务器启动中，监听地址: %s", cfg.Server.Address)
		if err := h.Run(); err != nil {
			glog.Fatalf("HTTP服务器异常退出: %v", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	glog.Info("收到退出信号，开始关停")

	if messageRelay != nil {
		messageRelay.Stop()
		glog.Info("消息中继已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("HTTP服务器关停失败: %v", err)
	}
	glog.Info("退出完成")
}

// buildRationaleProviders 按配置组装理由提供方，watsonx在前作为主力。
// 单个提供方初始化失败只跳过自身，理由生成整体是尽力而为的。
func buildRationaleProviders(ctx context.Context, cfg *config.Config) []enrich.Provider {
	var providers []enrich.Provider
	retryWait := time.Duration(cfg.Enrichment.RetryWaitSeconds) * time.Second

	if cfg.Watsonx.APIKey != "" {
		watsonx, err := enrich.NewWatsonxChatModel(cfg.Watsonx)
		if err != nil {
			glog.Warnf("初始化watsonx模型失败: %v，跳过该提供方", err)
		} else {
			limited := ratelimit.NewLLMWithRateLimit(watsonx, cfg.Watsonx.ModelID, cfg.ModelQPMLimits, 0, cfg.Enrichment.MaxRetries, retryWait)
			providers = append(providers, enrich.Provider{Name: "watsonx", Model: limited})
		}
	}

	if cfg.Gemini.APIKey != "" {
		gemini, err := enrich.NewGeminiChatModel(ctx, cfg.Gemini)
		if err != nil {
			glog.Warnf("初始化Gemini模型失败: %v，跳过该提供方", err)
		} else {
			limited := ratelimit.NewLLMWithRateLimit(gemini, cfg.Gemini.Model, cfg.ModelQPMLimits, 0, cfg.Enrichment.MaxRetries, retryWait)
			providers = append(providers, enrich.Provider{Name: "gemini", Model: limited})
		}
	}

	if len(providers) == 0 {
		glog.Warn("没有可用的理由提供方，generate_rationale 请求将返回空理由")
	}
	return providers
}

// initLogger 初始化全局zerolog并接管hertz的日志输出。
// appCoreLogger.Init 只输出到控制台，这里需要同时落盘，所以直接组装多路输出。
func initLogger(cfg *config.LoggerConfig) {
	logFilePath := "logs/app.log"
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
		log.Fatalf("创建日志目录失败: %v", err)
	}
	fileWriter, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("无法打开日志文件 %s: %v", logFilePath, err)
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: cfg.TimeFormat,
	}
	multiWriter := zerolog.MultiLevelWriter(consoleWriter, fileWriter)

	zl := zerolog.New(multiWriter).Level(level).With().Timestamp()
	if cfg.ReportCaller {
		zl = zl.Caller()
	}
	appCoreLogger.Logger = zl.Logger()
	zlog.Logger = appCoreLogger.Logger

	glog.SetLogger(hertzadapter.From(appCoreLogger.Logger))
	glog.SetLevel(hertzLogLevel(cfg.Level))
}

func hertzLogLevel(level string) glog.Level {
	switch level {
	case "debug":
		return glog.LevelDebug
	case "warn":
		return glog.LevelWarn
	case "error":
		return glog.LevelError
	default:
		return glog.LevelInfo
	}
}
