package race

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/prompt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// diverge 所有参赛模型并发生成各自的版本，按参赛顺序返回
func (r *run) diverge(ctx context.Context, round int, base string) []Version {
	ctx, done := r.phase(ctx, round, "diverge")
	r.progress(ctx, round, "diverge", fmt.Sprintf("%d racers", len(r.racers)))

	versions := make([]Version, len(r.racers))
	var eg errgroup.Group
	for i, alias := range r.racers {
		eg.Go(func() error {
			v := Version{Label: label(i), Model: alias, Strategy: r.scene.Strategy(i)}
			text, err := r.store.Render("generate", prompt.Vars{
				"ROUND_CONTEXT":    roundContext(round),
				"GOAL":             r.cfg.Goal,
				"STRATEGY":         v.Strategy,
				"CRITERIA_SECTION": criteriaSection(r.criteria),
				"CONTENT":          base,
			})
			if err != nil {
				v.Failed, v.Error = true, err.Error()
				versions[i] = v
				return nil
			}

			start := time.Now()
			reply, err := r.invoker.Invoke(ctx, alias, gateway.Text(text), r.callOpts("generate", r.cfg.MaxTokens)...)
			v.Elapsed = time.Since(start)
			if err != nil {
				v.Failed, v.Error = true, err.Error()
				r.logger.Warn("racer failed",
					zap.Int("round", round),
					zap.String("label", v.Label),
					zap.String("model", alias),
					zap.Error(err),
				)
				versions[i] = v
				return nil
			}
			v.Content = reply.Content
			r.logger.Info("version generated",
				zap.Int("round", round),
				zap.String("label", v.Label),
				zap.String("model", alias),
				zap.Duration("elapsed", v.Elapsed),
				zap.Int("chars", len([]rune(v.Content))),
			)
			r.out.save(roundFile(round, "version_"+v.Label+r.ext), v.Content)
			versions[i] = v
			return nil
		})
	}
	_ = eg.Wait()

	valid := len(validVersions(versions))
	r.logger.Info("diverge finished", zap.Int("round", round), zap.Int("valid", valid), zap.Int("total", len(versions)))
	done(valid > 0)
	return versions
}
