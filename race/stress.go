package race

import (
	"context"
	"regexp"

	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/prompt"
	"go.uber.org/zap"
)

var (
	criticalBullet   = regexp.MustCompile(`(?im)^\s*[-*]\s*(?:\*\*)?CRITICAL\b`)
	criticalSeverity = regexp.MustCompile(`(?i)severity[:\s]*critical`)
)

// hasCritical 攻击报告中是否存在严重问题
func hasCritical(report string) bool {
	return criticalBullet.MatchString(report) || criticalSeverity.MatchString(report)
}

// stress 对抗模型攻击合并结果；发现严重问题时由裁判打补丁
func (r *run) stress(ctx context.Context, round int, merged string) StressOutcome {
	ctx, done := r.phase(ctx, round, "stress")
	r.progress(ctx, round, "stress", "adversary: "+r.cfg.Adversary)

	out := StressOutcome{Content: merged}
	text, err := r.store.Section("adversarial", "ATTACK", prompt.Vars{
		"GOAL":             r.cfg.Goal,
		"ORIGINAL":         truncate(r.original, 3000),
		"OPTIMIZED":        truncate(merged, 6000),
		"CRITERIA_SECTION": criteriaSection(r.criteria),
	})
	if err == nil {
		var reply *gateway.Reply
		reply, err = r.invoker.Invoke(ctx, r.cfg.Adversary, gateway.Text(text), r.callOpts("attack", r.cfg.MaxTokens)...)
		if err == nil {
			out.AttackReport = reply.Content
		}
	}
	if err != nil {
		r.logger.Warn("adversary failed, skipping stress test", zap.Int("round", round), zap.Error(err))
		done(false)
		return out
	}
	r.out.save(roundFile(round, "adversarial.md"), out.AttackReport)

	out.Critical = hasCritical(out.AttackReport)
	if !out.Critical {
		r.logger.Info("no critical issues found", zap.Int("round", round))
		done(true)
		return out
	}

	r.logger.Info("critical issues found, patching", zap.Int("round", round))
	fixed, err := r.judge(ctx, "adversarial", "PATCH", "patch", prompt.Vars{
		"OPTIMIZED":     truncate(merged, 5000),
		"ATTACK_REPORT": truncate(out.AttackReport, 4000),
	})
	if err != nil {
		r.logger.Warn("patch failed, keeping merged content", zap.Int("round", round), zap.Error(err))
		done(false)
		return out
	}
	out.Content = fixed
	out.Patched = true
	r.out.save(roundFile(round, "fixed.md"), fixed)
	done(true)
	return out
}
