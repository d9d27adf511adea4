// Package race 实现多模型多轮内容优化流水线：
// Diverge → Evaluate → Converge → Stress → Verify，按轮迭代直到收敛或达到轮数上限。
package race

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/raceflow/internal/metrics"
	"github.com/BaSui01/raceflow/internal/telemetry"
	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/prompt"
	"github.com/BaSui01/raceflow/race/scene"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Invoker 流水线需要的模型调用能力，由 *gateway.Gateway 实现
type Invoker interface {
	Invoke(ctx context.Context, alias string, p gateway.Prompt, opts ...gateway.CallOption) (*gateway.Reply, error)
	Probe(ctx context.Context, aliases []string) []gateway.Availability
}

// 各阶段依赖的模板与 section
var requiredTemplates = map[string][]string{
	"generate":    nil,
	"review":      nil,
	"synthesize":  {"STRATEGY", "MERGE"},
	"adversarial": {"ATTACK", "PATCH"},
	"score":       nil,
}

// 单个观察者处理一个事件的默认上限
const defaultObserverTimeout = 5 * time.Second

// Race 一次优化运行的配置与依赖
type Race struct {
	cfg             Config
	invoker         Invoker
	store           *prompt.Store
	runner          CommandRunner
	observers       []Observer
	observerTimeout time.Duration
	metrics         *metrics.Collector
	tracer          trace.Tracer
	detector        *Detector
	logger          *zap.Logger
}

// Option 配置 Race
type Option func(*Race)

// WithObservers 追加进度观察者（.progress 文件总是启用）
func WithObservers(obs ...Observer) Option {
	return func(r *Race) { r.observers = append(r.observers, obs...) }
}

// WithObserverTimeout 限制每个观察者处理单个事件的时间，超时只记录日志
func WithObserverTimeout(d time.Duration) Option {
	return func(r *Race) {
		if d > 0 {
			r.observerTimeout = d
		}
	}
}

// WithCommandRunner 替换测试/基准命令执行器
func WithCommandRunner(cr CommandRunner) Option {
	return func(r *Race) { r.runner = cr }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Race) { r.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Race) { r.tracer = t }
}

// New 补全默认值、校验配置，并确认模板包含各阶段需要的 section
func New(cfg Config, invoker Invoker, store *prompt.Store, logger *zap.Logger, opts ...Option) (*Race, error) {
	if invoker == nil {
		return nil, errors.New("race: invoker is required")
	}
	if store == nil {
		return nil, errors.New("race: template store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid race config: %w", err)
	}
	for name, keys := range requiredTemplates {
		if err := store.Require(name, keys...); err != nil {
			return nil, err
		}
	}

	r := &Race{
		cfg:             cfg,
		invoker:         invoker,
		store:           store,
		runner:          ShellRunner{},
		observerTimeout: defaultObserverTimeout,
		detector:        NewDetector(cfg.Convergence, cfg.ConvergenceThreshold),
		logger:          logger.With(zap.String("component", "race")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = telemetry.Tracer("race")
	}
	return r, nil
}

// Config 返回补全后的配置
func (rc *Race) Config() Config {
	c := rc.cfg
	c.Racers = append([]string(nil), rc.cfg.Racers...)
	return c
}

// run 单次运行的状态
type run struct {
	*Race
	id        string
	start     time.Time
	logger    *zap.Logger
	observers []Observer
	out       *artifacts

	scene    scene.Scene
	criteria string
	original string
	ext      string
	racers   []string
}

// Run 执行完整流水线。
// 返回 ErrNoRacers / ErrNoOutput 时 Result 仍然非 nil，携带预检与历史记录。
func (rc *Race) Run(ctx context.Context) (*Result, error) {
	r := &run{Race: rc, id: uuid.NewString(), start: time.Now()}
	r.logger = rc.logger.With(zap.String("run_id", r.id))
	r.out = &artifacts{dir: rc.cfg.OutputDir, logger: r.logger}
	if err := os.MkdirAll(rc.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	r.observers = append([]Observer{NewProgressFile(rc.cfg.OutputDir)}, rc.observers...)

	ctx, span := rc.tracer.Start(ctx, "race.run", trace.WithAttributes(
		attribute.String("race.run_id", r.id),
		attribute.String("race.goal", rc.cfg.Goal),
	))
	defer span.End()

	res := &Result{
		RunID:     r.id,
		Goal:      rc.cfg.Goal,
		Target:    rc.cfg.Target,
		Judge:     rc.cfg.Judge,
		Adversary: rc.cfg.Adversary,
		OutputDir: rc.cfg.OutputDir,
	}

	r.emit(ctx, Event{Kind: EventRunStarted, Step: "init", Status: StatusRunning, Config: &r.cfg})
	if err := r.init(); err != nil {
		return r.fail(ctx, span, res, err)
	}
	res.Scene = r.scene.Key
	span.SetAttributes(attribute.String("race.scene", r.scene.Key))
	r.logger.Info("race started",
		zap.String("scene", r.scene.Key),
		zap.String("goal", rc.cfg.Goal),
		zap.String("target", rc.cfg.Target),
		zap.Int("max_rounds", rc.cfg.MaxRounds),
	)

	res.Preflight = r.preflight(ctx)
	res.Racers = append([]string(nil), r.racers...)
	if len(r.racers) == 0 {
		return r.fail(ctx, span, res, ErrNoRacers)
	}

	current := r.original
	var final string
	hasFinal := false
	stop := StopRoundCap

loop:
	for round := 1; round <= rc.cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			stop = StopCanceled
			break
		}
		res.Rounds = round
		rctx, rspan := rc.tracer.Start(ctx, "race.round", trace.WithAttributes(attribute.Int("race.round", round)))
		rr := r.playRound(rctx, round, current)
		rspan.End()

		switch rr.stop {
		case StopNoVersions:
			r.logger.Error("no valid versions, stopping", zap.Int("round", round))
			stop = StopNoVersions
			break loop
		case StopSynthesisFailed:
			r.logger.Error("synthesis failed, using first valid version as final", zap.Int("round", round))
			final, hasFinal = rr.candidate, true
			res.Source = FinalSynthesisFallback
			stop = StopSynthesisFailed
			break loop
		}

		ev := rr.evidence
		if ev.TestsFailed() {
			r.logger.Warn("tests failed, keeping previous best", zap.Int("round", round))
		} else {
			current = rr.candidate
			final, hasFinal = current, true
			ev.Accepted = true
			res.Accepted = true
			res.Source = FinalAccepted
		}
		res.History = append(res.History, *ev)
		r.out.saveJSON(roundFile(round, "verification.json"), ev)

		score := -1.0
		if ev.Score != nil {
			score = ev.Score.Median
		}
		rc.metrics.RecordRound(r.scene.Key, ev.Accepted, score)
		r.emit(ctx, Event{Kind: EventRoundFinished, Step: fmt.Sprintf("round%d_done", round), Status: StatusRunning, Round: round, Evidence: ev})

		if rc.detector.HasConverged(res.History) {
			r.logger.Info("converged", zap.Int("round", round), zap.Float64("score", score))
			stop = StopConverged
			break
		}
	}
	res.StopReason = stop

	// 有轮次走到 Verify 但从未晋升时，以原文作为最终结果
	if !hasFinal && len(res.History) > 0 {
		final, hasFinal = current, true
		res.Source = FinalOriginal
	}
	if !hasFinal {
		return r.fail(ctx, span, res, ErrNoOutput)
	}
	if err := r.finish(res, final); err != nil {
		return r.fail(ctx, span, res, err)
	}

	rc.metrics.RecordRun(r.scene.Key, string(stop))
	r.emit(context.WithoutCancel(ctx), Event{Kind: EventRunFinished, Step: "done", Status: StatusCompleted, Detail: string(stop), Result: res})
	r.logger.Info("race finished",
		zap.String("stop_reason", string(stop)),
		zap.Int("rounds", len(res.History)),
		zap.Bool("accepted", res.Accepted),
		zap.Duration("elapsed", res.Elapsed),
	)
	if stop == StopCanceled {
		return res, ctx.Err()
	}
	return res, nil
}

// init 解析场景与评分标准，读取原文并保存快照
func (r *run) init() error {
	key := r.cfg.Scene
	if key == "" {
		key = scene.Text
		if r.cfg.Target != "" {
			key = scene.Classify(r.cfg.Target, r.cfg.Goal)
		}
	}
	sc, ok := scene.Get(key)
	if !ok {
		return fmt.Errorf("unknown scene %q", key)
	}
	r.scene = sc
	r.criteria = r.resolveCriteria()

	r.ext = ".md"
	if r.cfg.Target != "" {
		data, err := os.ReadFile(r.cfg.Target)
		if err != nil {
			return fmt.Errorf("read target: %w", err)
		}
		r.original = string(data)
		r.ext = filepath.Ext(r.cfg.Target)
	} else {
		r.original = r.cfg.Content
	}
	if _, err := r.out.write("original"+r.ext, r.original); err != nil {
		return err
	}
	return nil
}

// resolveCriteria 文件路径 → 文件；含换行或超过 100 字符 → 内联；否则按模板库引用；默认取场景标准
func (r *run) resolveCriteria() string {
	ref := strings.TrimSpace(r.cfg.Criteria)
	if ref == "" {
		text, err := r.store.Criteria(r.scene.DefaultCriteria)
		if err != nil {
			r.logger.Warn("scene criteria not found", zap.String("criteria", r.scene.DefaultCriteria), zap.Error(err))
			return ""
		}
		return text
	}
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		if data, err := os.ReadFile(ref); err == nil {
			return string(data)
		}
	}
	if strings.Contains(ref, "\n") || utf8.RuneCountInString(ref) > 100 {
		return r.cfg.Criteria
	}
	text, err := r.store.Criteria(ref)
	if err != nil {
		r.logger.Warn("criteria reference not found, using it as inline text", zap.String("criteria", ref), zap.Error(err))
		return r.cfg.Criteria
	}
	return text
}

// preflight 探测所有角色的模型，移除不可用的参赛者（裁判与对抗者只记录）
func (r *run) preflight(ctx context.Context) []gateway.Availability {
	r.emit(ctx, Event{Kind: EventPreflight, Step: "preflight", Status: StatusRunning})

	var aliases []string
	for _, a := range append(append([]string{}, r.cfg.Racers...), r.cfg.Judge, r.cfg.Adversary) {
		if !contains(aliases, a) {
			aliases = append(aliases, a)
		}
	}
	records := r.invoker.Probe(ctx, aliases)

	up := make(map[string]bool, len(records))
	for _, rec := range records {
		up[rec.Alias] = rec.Available
		if rec.Available {
			r.logger.Info("model available", zap.String("alias", rec.Alias), zap.Duration("latency", rec.Latency))
		} else {
			r.logger.Warn("model unavailable", zap.String("alias", rec.Alias), zap.String("error", rec.Error))
		}
	}
	for _, a := range r.cfg.Racers {
		if up[a] {
			r.racers = append(r.racers, a)
		}
	}
	if !up[r.cfg.Judge] {
		r.logger.Warn("judge unavailable, relying on fallback chain", zap.String("judge", r.cfg.Judge))
	}
	if !up[r.cfg.Adversary] {
		r.logger.Warn("adversary unavailable, relying on fallback chain", zap.String("adversary", r.cfg.Adversary))
	}
	r.emit(ctx, Event{
		Kind:   EventPreflight,
		Step:   "preflight",
		Status: StatusRunning,
		Detail: fmt.Sprintf("%d/%d racers available", len(r.racers), len(r.cfg.Racers)),
	})
	return records
}

type roundResult struct {
	evidence  *Evidence
	candidate string
	stop      StopReason
}

// playRound 依次执行五个阶段
func (r *run) playRound(ctx context.Context, round int, base string) roundResult {
	r.logger.Info("round started", zap.Int("round", round))

	valid := validVersions(r.diverge(ctx, round, base))
	if len(valid) == 0 {
		return roundResult{stop: StopNoVersions}
	}

	reviews := validReviews(r.evaluate(ctx, round, valid))

	syn := r.converge(ctx, round, valid, reviews)
	if syn.StrategyFailed {
		return roundResult{stop: StopSynthesisFailed, candidate: valid[0].Content}
	}

	st := r.stress(ctx, round, syn.Content)
	ev := r.verify(ctx, round, st.Content)
	return roundResult{evidence: &ev, candidate: st.Content}
}

// finish 写出最终结果与报告
func (r *run) finish(res *Result, final string) error {
	res.Final = final
	path, err := r.out.write("final"+r.ext, final)
	if err != nil {
		return err
	}
	res.FinalPath = path
	res.Elapsed = time.Since(r.start)

	path, err = r.out.write("report.md", renderReport(res, r.scene))
	if err != nil {
		return err
	}
	res.ReportPath = path
	return nil
}

func (r *run) fail(ctx context.Context, span trace.Span, res *Result, err error) (*Result, error) {
	res.Elapsed = time.Since(r.start)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.metrics.RecordRun(res.Scene, "failed")
	r.emit(context.WithoutCancel(ctx), Event{Kind: EventRunFinished, Step: "done", Status: StatusFailed, Detail: err.Error(), Result: res})
	r.logger.Error("race failed", zap.Error(err))
	return res, err
}

// phase 为阶段创建 span，返回的函数记录耗时与结果
func (r *run) phase(ctx context.Context, round int, name string) (context.Context, func(ok bool)) {
	ctx, span := r.tracer.Start(ctx, "race."+name, trace.WithAttributes(attribute.Int("race.round", round)))
	start := time.Now()
	return ctx, func(ok bool) {
		result := "success"
		if !ok {
			result = "degraded"
			span.SetStatus(codes.Error, name+" degraded")
		}
		r.metrics.RecordPhase(name, result, time.Since(start))
		span.End()
	}
}

func (r *run) callOpts(purpose string, maxTokens int) []gateway.CallOption {
	opts := []gateway.CallOption{gateway.WithPurpose(purpose), gateway.WithMaxTokens(maxTokens)}
	if r.cfg.SystemPrompt != "" {
		opts = append(opts, gateway.WithSystemPrompt(r.cfg.SystemPrompt))
	}
	return opts
}
