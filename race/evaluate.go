package race

import (
	"context"
	"fmt"

	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/prompt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxReviewers = 3

// selectReviewers 取前 min(3, len) 个非裁判参赛者；不足 2 个时按顺序补齐（可包含裁判）
func selectReviewers(racers []string, judge string) []string {
	limit := min(maxReviewers, len(racers))
	var out []string
	for _, r := range racers {
		if len(out) >= limit {
			break
		}
		if r != judge {
			out = append(out, r)
		}
	}
	if len(out) >= 2 {
		return out
	}
	for _, r := range racers {
		if len(out) >= 2 {
			break
		}
		if !contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// evaluate 评审者并发交叉评审所有有效版本
func (r *run) evaluate(ctx context.Context, round int, versions []Version) []Review {
	ctx, done := r.phase(ctx, round, "evaluate")
	reviewers := selectReviewers(r.racers, r.cfg.Judge)
	r.progress(ctx, round, "evaluate", fmt.Sprintf("%d reviewers", len(reviewers)))

	text, err := r.store.Render("review", prompt.Vars{
		"GOAL":             r.cfg.Goal,
		"ORIGINAL":         truncate(r.original, 4000),
		"VERSIONS":         versionsBlock(versions, 6000),
		"CRITERIA_SECTION": criteriaSection(r.criteria),
	})
	if err != nil {
		r.logger.Warn("review template unavailable", zap.Error(err))
		done(false)
		return nil
	}

	reviews := make([]Review, len(reviewers))
	var eg errgroup.Group
	for i, alias := range reviewers {
		eg.Go(func() error {
			rv := Review{Index: i + 1, Model: alias}
			reply, err := r.invoker.Invoke(ctx, alias, gateway.Text(text), r.callOpts("review", r.cfg.MaxTokens)...)
			if err != nil {
				rv.Failed, rv.Error = true, err.Error()
				r.logger.Warn("reviewer failed", zap.Int("round", round), zap.String("model", alias), zap.Error(err))
				reviews[i] = rv
				return nil
			}
			rv.Content = reply.Content
			r.out.save(roundFile(round, fmt.Sprintf("review_%d.md", rv.Index)), rv.Content)
			reviews[i] = rv
			return nil
		})
	}
	_ = eg.Wait()

	ok := len(validReviews(reviews))
	r.logger.Info("evaluate finished", zap.Int("round", round), zap.Int("valid", ok), zap.Int("total", len(reviews)))
	done(ok > 0)
	return reviews
}
