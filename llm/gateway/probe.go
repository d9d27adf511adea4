package gateway

import (
	"context"
	"time"

	"github.com/BaSui01/raceflow/llm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Availability 预检记录
type Availability struct {
	Alias     string        `json:"alias"`
	Model     string        `json:"model"`
	Role      string        `json:"role,omitempty"`
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

const probeMaxTokens = 10

// Probe 对每个别名并发发起一次最小调用（无 fallback、无缓存），
// 按输入顺序返回恰好一条记录。
func (g *Gateway) Probe(ctx context.Context, aliases []string) []Availability {
	out := make([]Availability, len(aliases))

	var eg errgroup.Group
	for i, alias := range aliases {
		eg.Go(func() error {
			spec, _ := g.backend.Spec(alias)
			rec := Availability{Alias: alias, Model: spec.Model, Role: spec.Role}

			callCtx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
			defer cancel()

			start := time.Now()
			resp, err := g.backend.Call(callCtx, alias, &llm.ChatRequest{
				Messages:  []llm.Message{{Role: llm.RoleUser, Content: "Reply OK"}},
				MaxTokens: probeMaxTokens,
			})
			rec.Latency = time.Since(start)

			if err != nil {
				rec.Error = err.Error()
			} else {
				rec.Available = true
				if resp.Model != "" {
					rec.Model = resp.Model
				}
			}
			g.metrics.RecordModelCall(alias, "probe", outcome(rec.Available), rec.Latency, 0, 0)
			g.logger.Debug("probe finished",
				zap.String("alias", alias),
				zap.Bool("available", rec.Available),
				zap.Duration("latency", rec.Latency),
			)
			out[i] = rec
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
