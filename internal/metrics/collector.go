// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法对 nil 接收者安全，未启用指标时直接传 nil。
type Collector struct {
	registry *prometheus.Registry

	// 模型调用指标
	modelRequestsTotal   *prometheus.CounterVec
	modelRequestDuration *prometheus.HistogramVec
	modelTokensUsed      *prometheus.CounterVec
	modelFallbacks       *prometheus.CounterVec
	cacheHits            *prometheus.CounterVec

	// 流水线指标
	phaseDuration *prometheus.HistogramVec
	phaseOutcomes *prometheus.CounterVec
	roundsTotal   *prometheus.CounterVec
	roundScore    *prometheus.GaugeVec
	runsTotal     *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，使用独立 registry，多个实例互不冲突。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.modelRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Total number of model invocations",
		},
		[]string{"alias", "purpose", "status"},
	)

	c.modelRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Model invocation duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"alias", "purpose"},
	)

	c.modelTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"alias", "type"}, // type: prompt, completion
	)

	c.modelFallbacks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fallbacks_total",
			Help:      "Fallback attempts after a failed invocation",
		},
		[]string{"from", "to", "status"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_cache_lookups_total",
			Help:      "Reply cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	c.phaseDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Race phase duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"phase"},
	)

	c.phaseOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_outcomes_total",
			Help:      "Race phase outcomes (ok, degraded, failed)",
		},
		[]string{"phase", "outcome"},
	)

	c.roundsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Completed rounds by promotion result",
		},
		[]string{"scene", "accepted"},
	)

	c.roundScore = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round_score_median",
			Help:      "Median quorum score of the latest verified round",
		},
		[]string{"scene"},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by stop reason",
		},
		[]string{"scene", "stop_reason"},
	)

	return c
}

// RecordModelCall 记录一次模型调用
func (c *Collector) RecordModelCall(alias, purpose, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.modelRequestsTotal.WithLabelValues(alias, purpose, status).Inc()
	c.modelRequestDuration.WithLabelValues(alias, purpose).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.modelTokensUsed.WithLabelValues(alias, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.modelTokensUsed.WithLabelValues(alias, "completion").Add(float64(completionTokens))
	}
}

// RecordFallback 记录一次回退尝试
func (c *Collector) RecordFallback(from, to string, success bool) {
	if c == nil {
		return
	}
	c.modelFallbacks.WithLabelValues(from, to, outcome(success)).Inc()
}

// RecordCacheLookup 记录回复缓存查找
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheHits.WithLabelValues("hit").Inc()
		return
	}
	c.cacheHits.WithLabelValues("miss").Inc()
}

// RecordPhase 记录阶段耗时与结果
func (c *Collector) RecordPhase(phase, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
	c.phaseOutcomes.WithLabelValues(phase, result).Inc()
}

// RecordRound 记录一轮的晋升结果与中位分（score < 0 表示无分数）
func (c *Collector) RecordRound(scene string, accepted bool, score float64) {
	if c == nil {
		return
	}
	acc := "false"
	if accepted {
		acc = "true"
	}
	c.roundsTotal.WithLabelValues(scene, acc).Inc()
	if score >= 0 {
		c.roundScore.WithLabelValues(scene).Set(score)
	}
}

// RecordRun 记录一次运行结束
func (c *Collector) RecordRun(scene, stopReason string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(scene, stopReason).Inc()
}

// Registry 返回底层 registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
