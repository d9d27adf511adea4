package gateway

import (
	"time"

	"github.com/BaSui01/raceflow/internal/metrics"
	"github.com/BaSui01/raceflow/llm"
	"github.com/BaSui01/raceflow/llm/cache"
	"github.com/BaSui01/raceflow/llm/tokenizer"
	"go.opentelemetry.io/otel/trace"
)

// Option 配置 Gateway
type Option func(*Gateway)

// WithCache 启用回复缓存
func WithCache(c cache.Cache) Option {
	return func(g *Gateway) { g.cache = c }
}

// WithMetrics 启用 Prometheus 指标
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTokenCounter 用于 Provider 未返回 usage 时估算
func WithTokenCounter(c tokenizer.Counter) Option {
	return func(g *Gateway) { g.counter = c }
}

// WithTracer 覆盖默认 tracer
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// Prompt 是字符串或消息列表
type Prompt struct {
	msgs []llm.Message
}

// Text 单条 user 消息
func Text(s string) Prompt {
	return Prompt{msgs: []llm.Message{{Role: llm.RoleUser, Content: s}}}
}

// Messages 完整消息列表
func Messages(msgs ...llm.Message) Prompt {
	cp := make([]llm.Message, len(msgs))
	copy(cp, msgs)
	return Prompt{msgs: cp}
}

type callOptions struct {
	maxTokens    int
	timeout      time.Duration
	systemPrompt string
	purpose      string
	noFallback   bool
	noCache      bool
}

// CallOption 单次调用选项
type CallOption func(*callOptions)

func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) { o.maxTokens = n }
}

func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithSystemPrompt 仅在消息列表首条不是 system 时注入
func WithSystemPrompt(s string) CallOption {
	return func(o *callOptions) { o.systemPrompt = s }
}

// WithPurpose 标记调用用途（generate/review/...），用于日志与指标
func WithPurpose(p string) CallOption {
	return func(o *callOptions) { o.purpose = p }
}

func WithoutFallback() CallOption {
	return func(o *callOptions) { o.noFallback = true }
}

func WithoutCache() CallOption {
	return func(o *callOptions) { o.noCache = true }
}
