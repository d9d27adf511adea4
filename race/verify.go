package race

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/prompt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	maxScorers     = 2
	testOutputTail = 1000
)

// verify 收集候选结果的证据：测试、基准、法定评分与长度对比
func (r *run) verify(ctx context.Context, round int, candidate string) Evidence {
	ctx, done := r.phase(ctx, round, "verify")
	r.progress(ctx, round, "verify", "")

	ev := Evidence{Round: round}
	if r.cfg.Verify != "" {
		ev.Tests = r.runTests(ctx, candidate)
		r.logger.Info("tests finished", zap.Int("round", round), zap.Bool("passed", ev.Tests.Passed))
	}
	if r.cfg.Benchmark != "" && !ev.TestsFailed() {
		ev.Benchmark = r.runBenchmark(ctx)
	}
	ev.Score = r.score(ctx, round, candidate)
	ev.Comparison = compare(r.original, candidate)
	ev.Timestamp = time.Now()

	done(!ev.TestsFailed())
	return ev
}

// runTests 把候选写入目标文件后执行测试命令；无论如何退出都会恢复原文件
func (r *run) runTests(ctx context.Context, candidate string) *TestOutcome {
	restore, err := r.swapTarget(candidate)
	if err != nil {
		return &TestOutcome{Passed: false, Output: err.Error()}
	}
	defer restore()

	out, err := r.runner.Run(ctx, r.cfg.WorkDir, r.cfg.Verify, r.cfg.CommandTimeout)
	res := &TestOutcome{Passed: err == nil, Output: tail(out, testOutputTail)}
	var ce *CommandError
	if err != nil && !errors.As(err, &ce) && res.Output == "" {
		res.Output = err.Error()
	}
	if ce != nil && ce.TimedOut {
		res.Output = tail(strings.TrimSpace(res.Output+"\n"+ce.Error()), testOutputTail)
	}
	return res
}

// swapTarget 用候选内容覆盖目标文件，返回恢复函数；无目标文件时为空操作
func (r *run) swapTarget(candidate string) (func(), error) {
	if r.cfg.Target == "" {
		return func() {}, nil
	}
	info, err := os.Stat(r.cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("stat target: %w", err)
	}
	orig, err := os.ReadFile(r.cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("read target: %w", err)
	}
	if err := os.WriteFile(r.cfg.Target, []byte(candidate), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("write candidate: %w", err)
	}
	return func() {
		if err := os.WriteFile(r.cfg.Target, orig, info.Mode().Perm()); err != nil {
			r.logger.Error("failed to restore target", zap.String("target", r.cfg.Target), zap.Error(err))
		}
	}, nil
}

// runBenchmark 基准失败只记录错误
func (r *run) runBenchmark(ctx context.Context) *BenchmarkOutcome {
	out, err := r.runner.Run(ctx, r.cfg.WorkDir, r.cfg.Benchmark, r.cfg.CommandTimeout)
	if err != nil {
		msg := err.Error()
		if s := strings.TrimSpace(out); s != "" {
			msg += ": " + tail(s, testOutputTail)
		}
		return &BenchmarkOutcome{Error: msg}
	}
	return &BenchmarkOutcome{Output: strings.TrimSpace(out)}
}

// scorers 非裁判参赛者，最多 2 个
func scorers(racers []string, judge string) []string {
	var out []string
	for _, r := range racers {
		if r == judge {
			continue
		}
		out = append(out, r)
		if len(out) == maxScorers {
			break
		}
	}
	return out
}

// score 并发请求评分，丢弃不合法的结果
func (r *run) score(ctx context.Context, round int, candidate string) *ScoreSummary {
	models := scorers(r.racers, r.cfg.Judge)
	if len(models) == 0 {
		return nil
	}
	text, err := r.store.Render("score", prompt.Vars{
		"GOAL":             r.cfg.Goal,
		"ORIGINAL":         truncate(r.original, 3000),
		"OPTIMIZED":        truncate(candidate, 5000),
		"CRITERIA_SECTION": criteriaSection(r.criteria),
	})
	if err != nil {
		r.logger.Warn("score template unavailable", zap.Error(err))
		return nil
	}

	cards := make([]*ScoreCard, len(models))
	var eg errgroup.Group
	for i, alias := range models {
		eg.Go(func() error {
			reply, err := r.invoker.Invoke(ctx, alias, gateway.Text(text), r.callOpts("score", r.cfg.ScoreMaxTokens)...)
			if err != nil {
				r.logger.Warn("scorer failed", zap.Int("round", round), zap.String("model", alias), zap.Error(err))
				return nil
			}
			card, err := parseScore(reply.Content)
			if err != nil {
				r.logger.Warn("score discarded", zap.Int("round", round), zap.String("model", alias), zap.Error(err))
				return nil
			}
			card.Model = alias
			cards[i] = card
			return nil
		})
	}
	_ = eg.Wait()

	var valid []ScoreCard
	for _, c := range cards {
		if c != nil {
			valid = append(valid, *c)
		}
	}
	return summarize(valid, r.cfg.HighVarianceThreshold)
}

var errNoScore = errors.New("no valid score object")

// parseScore 取回复中最外层的 {...}，要求 totalScore 为 [0,100] 的数字
func parseScore(content string) (*ScoreCard, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errNoScore
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errNoScore, err)
	}
	total, ok := raw["totalScore"]
	if !ok {
		return nil, fmt.Errorf("%w: totalScore missing", errNoScore)
	}
	card := &ScoreCard{}
	if err := json.Unmarshal(total, &card.TotalScore); err != nil {
		return nil, fmt.Errorf("%w: totalScore is not a number", errNoScore)
	}
	if card.TotalScore < 0 || card.TotalScore > 100 {
		return nil, fmt.Errorf("%w: totalScore %g out of range", errNoScore, card.TotalScore)
	}
	// 其余字段宽松解析
	if v, ok := raw["improvements"]; ok {
		_ = json.Unmarshal(v, &card.Improvements)
	}
	if v, ok := raw["remainingIssues"]; ok {
		_ = json.Unmarshal(v, &card.RemainingIssues)
	}
	if v, ok := raw["overallAssessment"]; ok {
		_ = json.Unmarshal(v, &card.OverallAssessment)
	}
	return card, nil
}

// summarize 中位数取排序后的下中位元素
func summarize(cards []ScoreCard, highVariance float64) *ScoreSummary {
	if len(cards) == 0 {
		return nil
	}
	scores := make([]float64, len(cards))
	for i, c := range cards {
		scores[i] = c.TotalScore
	}
	sort.Float64s(scores)

	s := &ScoreSummary{
		Median:          scores[(len(scores)-1)/2],
		Individual:      cards,
		Variance:        scores[len(scores)-1] - scores[0],
		Improvements:    cards[0].Improvements,
		RemainingIssues: cards[0].RemainingIssues,
		Assessment:      cards[0].OverallAssessment,
	}
	s.HighVariance = s.Variance > highVariance
	return s
}

// compare 按字符数比较长度
func compare(original, candidate string) Comparison {
	c := Comparison{
		OriginalLength:  utf8.RuneCountInString(original),
		OptimizedLength: utf8.RuneCountInString(candidate),
		LengthChange:    "n/a",
	}
	if c.OriginalLength > 0 {
		pct := float64(c.OptimizedLength-c.OriginalLength) / float64(c.OriginalLength) * 100
		c.LengthChangePercent = &pct
		c.LengthChange = fmt.Sprintf("%.1f%%", pct)
	}
	return c
}
