package race

import (
	"context"

	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/prompt"
	"go.uber.org/zap"
)

// converge 裁判两遍合成：先做策略分析，再据此合并。
// 第一遍失败由调用方终止循环；第二遍失败退回第一个有效版本。
func (r *run) converge(ctx context.Context, round int, versions []Version, reviews []Review) Synthesis {
	ctx, done := r.phase(ctx, round, "converge")
	r.progress(ctx, round, "converge", "judge: "+r.cfg.Judge)

	fallback := ""
	if len(versions) > 0 {
		fallback = versions[0].Content
	}

	strategy, err := r.judge(ctx, "synthesize", "STRATEGY", "synthesize_strategy", prompt.Vars{
		"GOAL":     r.cfg.Goal,
		"ORIGINAL": truncate(r.original, 3000),
		"VERSIONS": versionsBlock(versions, 5000),
		"REVIEWS":  reviewsBlock(reviews, 4000),
	})
	if err != nil {
		r.logger.Error("synthesis strategy failed", zap.Int("round", round), zap.Error(err))
		done(false)
		return Synthesis{StrategyFailed: true, MergeFailed: true, Content: fallback}
	}
	r.out.save(roundFile(round, "strategy.md"), strategy)

	merged, err := r.judge(ctx, "synthesize", "MERGE", "synthesize_merge", prompt.Vars{
		"GOAL":            r.cfg.Goal,
		"ORIGINAL":        truncate(r.original, 3000),
		"STRATEGY_RESULT": truncate(strategy, 5000),
		"VERSIONS":        versionsBlock(versions, 5000),
	})
	if err != nil {
		r.logger.Warn("synthesis merge failed, using first valid version", zap.Int("round", round), zap.Error(err))
		done(false)
		return Synthesis{Strategy: strategy, MergeFailed: true, Content: fallback}
	}
	r.out.save(roundFile(round, "merged.md"), merged)
	done(true)
	return Synthesis{Strategy: strategy, Content: merged}
}

// judge 渲染模板 section 并交给裁判
func (r *run) judge(ctx context.Context, tmpl, section, purpose string, vars prompt.Vars) (string, error) {
	text, err := r.store.Section(tmpl, section, vars)
	if err != nil {
		return "", err
	}
	reply, err := r.invoker.Invoke(ctx, r.cfg.Judge, gateway.Text(text), r.callOpts(purpose, r.cfg.MaxTokens)...)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}
