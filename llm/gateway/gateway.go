// Package gateway 是流水线使用的模型调用门面：单别名调用、system prompt 注入、
// 超时、限流、回复缓存与 fallback 链，结果只有 (*Reply, *Failure) 两种。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/raceflow/internal/metrics"
	"github.com/BaSui01/raceflow/internal/telemetry"
	"github.com/BaSui01/raceflow/llm"
	"github.com/BaSui01/raceflow/llm/cache"
	"github.com/BaSui01/raceflow/llm/retry"
	"github.com/BaSui01/raceflow/llm/tokenizer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backend 是门面依赖的模型能力，由 llm.Registry 实现。
type Backend interface {
	llm.Caller
	ByRole(role string) []string
	Spec(alias string) (llm.ModelSpec, bool)
}

// Config 门面配置
type Config struct {
	MaxTokens         int           // 默认 max_tokens
	CallTimeout       time.Duration // 单次调用超时
	ProbeTimeout      time.Duration // 可用性探测超时
	RequestsPerMinute int           // 每个别名的限流，0 表示不限
	MaxRetries        int           // 可重试错误在 fallback 前的重试次数
	RetryDelay        time.Duration // 首次重试延迟，之后指数退避
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxTokens:    8000,
		CallTimeout:  10 * time.Minute,
		ProbeTimeout: 15 * time.Second,
		RetryDelay:   2 * time.Second,
	}
}

// Reply 成功的调用结果
type Reply struct {
	Alias        string // 实际应答的别名（fallback 时为回退别名）
	Model        string
	Content      string
	Usage        llm.ChatUsage
	Elapsed      time.Duration
	FallbackFrom string // 非空表示由 fallback 应答
	Cached       bool
}

// Gateway 模型调用门面
type Gateway struct {
	backend Backend
	cfg     Config
	cache   cache.Cache
	metrics *metrics.Collector
	counter tokenizer.Counter
	retryer *retry.Retryer
	tracer  trace.Tracer
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New 创建门面
func New(backend Backend, cfg Config, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	g := &Gateway{
		backend:  backend,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "gateway")),
		limiters: make(map[string]*rate.Limiter),
	}
	g.retryer = retry.New(retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
		Retryable:    llm.IsRetryable,
	}, g.logger)
	for _, opt := range opts {
		opt(g)
	}
	if g.tracer == nil {
		g.tracer = telemetry.Tracer("gateway")
	}
	return g
}

// Invoke 调用一个别名。失败时按配置顺序尝试 role=fallback 的模型（跳过失败的别名本身），
// 全部失败返回 KindFallbackExhausted。返回的 error 一定是 *Failure。
func (g *Gateway) Invoke(ctx context.Context, alias string, prompt Prompt, opts ...CallOption) (*Reply, error) {
	o := callOptions{maxTokens: g.cfg.MaxTokens, timeout: g.cfg.CallTimeout, purpose: "call"}
	for _, opt := range opts {
		opt(&o)
	}

	msgs := prompt.msgs
	if o.systemPrompt != "" && !llm.HasSystemMessage(msgs) {
		msgs = append([]llm.Message{{Role: llm.RoleSystem, Content: o.systemPrompt}}, msgs...)
	}
	if len(msgs) == 0 {
		return nil, &Failure{Kind: KindInvalidRequest, Alias: alias, Message: "empty prompt", Attempts: []string{alias}}
	}

	ctx, span := g.tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("model.alias", alias),
		attribute.String("call.purpose", o.purpose),
	))
	defer span.End()

	reply, err := g.attempt(ctx, alias, msgs, o)
	if err == nil {
		span.SetAttributes(attribute.Bool("reply.cached", reply.Cached))
		return reply, nil
	}

	primary := newFailure(alias, err)
	g.logger.Warn("model call failed",
		zap.String("alias", alias),
		zap.String("purpose", o.purpose),
		zap.String("kind", string(primary.Kind)),
		zap.Error(primary.Cause),
	)
	if primary.Kind == KindCanceled || ctx.Err() != nil || o.noFallback {
		span.SetStatus(codes.Error, primary.Message)
		return nil, primary
	}

	attempts := []string{alias}
	for _, fb := range g.backend.ByRole(llm.RoleFallback) {
		if fb == alias {
			continue
		}
		attempts = append(attempts, fb)
		g.logger.Warn("trying fallback", zap.String("alias", alias), zap.String("fallback", fb))

		reply, err := g.attempt(ctx, fb, msgs, o)
		g.metrics.RecordFallback(alias, fb, err == nil)
		if err == nil {
			reply.FallbackFrom = alias
			span.SetAttributes(attribute.String("model.fallback", fb))
			return reply, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	f := &Failure{
		Kind:     KindFallbackExhausted,
		Alias:    alias,
		Message:  fmt.Sprintf("%s and all fallbacks failed: %s", alias, primary.Message),
		Attempts: attempts,
		Cause:    primary,
	}
	span.SetStatus(codes.Error, f.Message)
	return nil, f
}

// attempt 对单个别名发起一次调用（限流 → 缓存 → 后端）
func (g *Gateway) attempt(ctx context.Context, alias string, msgs []llm.Message, o callOptions) (*Reply, error) {
	spec, _ := g.backend.Spec(alias)

	var key string
	if g.cache != nil && !o.noCache {
		key = cache.Key(alias, spec.Model, msgs, o.maxTokens)
		if e, err := g.cache.Get(ctx, key); err == nil {
			g.metrics.RecordCacheLookup(true)
			return &Reply{Alias: alias, Model: e.Model, Content: e.Content, Usage: e.Usage, Cached: true}, nil
		}
		g.metrics.RecordCacheLookup(false)
	}

	req := &llm.ChatRequest{Messages: msgs, MaxTokens: o.maxTokens}
	var elapsed time.Duration
	resp, err := retry.Do(ctx, g.retryer, func() (*llm.ChatResponse, error) {
		resp, d, err := g.call(ctx, alias, req, o)
		elapsed = d
		if err != nil {
			g.metrics.RecordModelCall(alias, o.purpose, "failure", d, 0, 0)
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	usage := tokenizer.FillUsage(g.counter, resp.Usage, msgs, resp.Content())
	g.metrics.RecordModelCall(alias, o.purpose, "success", elapsed, usage.PromptTokens, usage.CompletionTokens)

	model := resp.Model
	if model == "" {
		model = spec.Model
	}
	reply := &Reply{Alias: alias, Model: model, Content: resp.Content(), Usage: usage, Elapsed: elapsed}

	if key != "" {
		if err := g.cache.Set(ctx, key, &cache.Entry{Alias: alias, Model: model, Content: reply.Content, Usage: usage}); err != nil {
			g.logger.Debug("cache set failed", zap.String("alias", alias), zap.Error(err))
		}
	}
	return reply, nil
}

// call 一次带超时与限流的后端调用；空回复视为可重试错误
func (g *Gateway) call(ctx context.Context, alias string, req *llm.ChatRequest, o callOptions) (*llm.ChatResponse, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := g.wait(callCtx, alias); err != nil {
		return nil, 0, &llm.Error{Code: llm.ErrRateLimited, Message: "local rate limit: " + err.Error(), Cause: err}
	}

	start := time.Now()
	resp, err := g.backend.Call(callCtx, alias, req)
	elapsed := time.Since(start)
	if err == nil && strings.TrimSpace(resp.Content()) == "" {
		err = &llm.Error{Code: llm.ErrEmptyResponse, Message: "empty content", Retryable: true}
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &llm.Error{Code: llm.ErrUpstreamTimeout, Message: fmt.Sprintf("timed out after %s", o.timeout), Retryable: true, Cause: err}
		}
		return nil, elapsed, err
	}
	return resp, elapsed, nil
}

func (g *Gateway) wait(ctx context.Context, alias string) error {
	if g.cfg.RequestsPerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	lim, ok := g.limiters[alias]
	if !ok {
		burst := g.cfg.RequestsPerMinute / 6
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(g.cfg.RequestsPerMinute)/60), burst)
		g.limiters[alias] = lim
	}
	g.mu.Unlock()
	return lim.Wait(ctx)
}
