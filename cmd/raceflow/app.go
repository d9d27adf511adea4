package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/raceflow/config"
	"github.com/BaSui01/raceflow/internal/ledger"
	"github.com/BaSui01/raceflow/internal/metrics"
	"github.com/BaSui01/raceflow/internal/server"
	"github.com/BaSui01/raceflow/internal/telemetry"
	"github.com/BaSui01/raceflow/llm"
	"github.com/BaSui01/raceflow/llm/cache"
	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/llm/providers/openaicompat"
	"github.com/BaSui01/raceflow/llm/tokenizer"
	"github.com/BaSui01/raceflow/prompt"
)

// =============================================================================
// 🧩 依赖装配
// =============================================================================

// app 一次命令调用所需的全部组件
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *llm.Registry
	gateway  *gateway.Gateway
	store    *prompt.Store
	metrics  *metrics.Collector
	ledger   *ledger.Ledger // 未启用时为 nil

	otel          *telemetry.Providers
	redis         *redis.Client
	metricsServer *server.Manager
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newApp 按配置装配组件。可选组件（缓存、ledger、遥测、指标端点）失败时降级并告警。
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		a.otel = otelProviders
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	registry, err := llm.NewRegistry(cfg.Models, cfg.ProviderDefaults(),
		openaicompat.Factory(cfg.Provider.Timeout, logger), logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build model registry: %w", err)
	}
	a.registry = registry

	opts := []gateway.Option{
		gateway.WithMetrics(a.metrics),
		gateway.WithTokenCounter(tokenizer.New(tokenizer.DefaultEncoding)),
	}
	if c := a.replyCache(); c != nil {
		opts = append(opts, gateway.WithCache(c))
	}
	a.gateway = gateway.New(registry, gateway.Config{
		MaxTokens:         cfg.Race.MaxTokens,
		CallTimeout:       cfg.Gateway.CallTimeout,
		ProbeTimeout:      cfg.Gateway.ProbeTimeout,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxRetries:        cfg.Gateway.MaxRetries,
		RetryDelay:        cfg.Gateway.RetryDelay,
	}, logger, opts...)

	store, err := prompt.NewStore(cfg.Race.TemplatesDir, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load templates: %w", err)
	}
	a.store = store

	return a, nil
}

// replyCache 构建回复缓存；Redis 不可达时退回纯本地缓存
func (a *app) replyCache() cache.Cache {
	cc := a.cfg.Cache
	if !cc.Enabled {
		return nil
	}
	var rdb *redis.Client
	if cc.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cc.Addr, Password: cc.Password, DB: cc.DB})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.logger.Warn("redis unavailable, using local cache only", zap.String("addr", cc.Addr), zap.Error(err))
			_ = rdb.Close()
			rdb = nil
		} else {
			a.redis = rdb
		}
	}
	return cache.New(rdb, cache.Config{
		LocalMaxSize: cc.LocalMaxSize,
		LocalTTL:     cc.LocalTTL,
		RedisTTL:     cc.RedisTTL,
	}, a.logger)
}

// openLedger 打开运行记录库；required 为 false 时失败只告警
func (a *app) openLedger(required bool) error {
	if !a.cfg.Ledger.Enabled {
		if required {
			return fmt.Errorf("ledger is disabled (set ledger.enabled or RACEFLOW_LEDGER_ENABLED=true)")
		}
		return nil
	}
	l, err := ledger.Open(a.cfg.Ledger, a.logger)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = l.Ping(ctx)
		cancel()
		if err != nil {
			_ = l.Close()
			err = fmt.Errorf("ping ledger: %w", err)
		}
	}
	if err != nil {
		if required {
			return err
		}
		a.logger.Warn("ledger unavailable, runs will not be recorded", zap.Error(err))
		return nil
	}
	a.ledger = l
	return nil
}

// serveMetrics 在配置了监听地址时暴露 /metrics
func (a *app) serveMetrics() {
	if a.metrics == nil || a.cfg.Metrics.ListenAddr == "" {
		return
	}
	cfg := server.DefaultConfig()
	cfg.Addr = a.cfg.Metrics.ListenAddr
	m := server.NewMetrics(a.metrics.Handler(), cfg, a.logger)
	if err := m.Start(); err != nil {
		a.logger.Warn("failed to start metrics server", zap.Error(err))
		return
	}
	a.logger.Info("metrics endpoint listening", zap.String("addr", "http://"+m.Addr()+"/metrics"))
	a.metricsServer = m
}

// close 按依赖逆序释放资源
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if m := a.metricsServer; m != nil && m.IsRunning() {
		select {
		case err := <-m.Errors():
			a.logger.Warn("metrics server stopped with error", zap.Error(err))
		default:
		}
		_ = m.Shutdown(ctx)
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("failed to close ledger", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}
}
