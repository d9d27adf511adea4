package race

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/raceflow/race/scene"
)

// renderReport 生成 Markdown 报告
func renderReport(res *Result, sc scene.Scene) string {
	var b strings.Builder
	b.WriteString("# Race Optimization Report\n\n")

	b.WriteString("## Summary\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	file := res.Target
	if file == "" {
		file = "(inline)"
	}
	rows := [][2]string{
		{"Run ID", res.RunID},
		{"Scene", sc.Name},
		{"Goal", res.Goal},
		{"File", file},
		{"Racers", strings.Join(res.Racers, ", ")},
		{"Judge", res.Judge},
		{"Adversary", res.Adversary},
		{"Rounds", fmt.Sprintf("%d", res.Rounds)},
		{"Duration", res.Elapsed.Round(time.Second).String()},
		{"Stop reason", string(res.StopReason)},
	}
	if score, ok := res.LastScore(); ok {
		rows = append(rows, [2]string{"Final score", fmt.Sprintf("%g/100", score)})
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "| %s | %s |\n", row[0], escapeCell(row[1]))
	}
	if note := res.SourceNote(); note != "" {
		b.WriteString("\n" + note + "\n")
	}

	if len(res.Preflight) > 0 {
		b.WriteString("\n## Preflight\n\n")
		b.WriteString("| Model | Role | Status | Latency |\n|---|---|---|---|\n")
		for _, p := range res.Preflight {
			status := "OK"
			if !p.Available {
				status = "FAIL: " + truncateLine(p.Error, 80)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", p.Alias, roleLabel(res, p.Alias), escapeCell(status), p.Latency.Round(time.Millisecond))
		}
	}

	b.WriteString("\n## Per-Round Results\n")
	for _, ev := range res.History {
		fmt.Fprintf(&b, "\n### Round %d\n\n", ev.Round)
		if ev.Tests != nil {
			if ev.Tests.Passed {
				b.WriteString("- Tests: PASSED\n")
			} else {
				b.WriteString("- Tests: FAILED (not promoted)\n")
			}
		}
		if ev.Benchmark != nil {
			if ev.Benchmark.Error != "" {
				fmt.Fprintf(&b, "- Benchmark: error: %s\n", truncateLine(ev.Benchmark.Error, 200))
			} else {
				fmt.Fprintf(&b, "- Benchmark: %s\n", truncateLine(ev.Benchmark.Output, 200))
			}
		}
		if s := ev.Score; s != nil {
			fmt.Fprintf(&b, "- Score: **%g/100**", s.Median)
			if s.HighVariance {
				fmt.Fprintf(&b, " (HIGH VARIANCE: %g)", s.Variance)
			}
			b.WriteString("\n")
			writeList(&b, "Improvements", s.Improvements)
			writeList(&b, "Remaining issues", s.RemainingIssues)
			if s.Assessment != "" {
				fmt.Fprintf(&b, "- Assessment: %s\n", s.Assessment)
			}
		}
		fmt.Fprintf(&b, "- Length change: %s\n", ev.Comparison.LengthChange)
	}

	var scored []Evidence
	for _, ev := range res.History {
		if ev.Score != nil {
			scored = append(scored, ev)
		}
	}
	if len(scored) > 1 {
		b.WriteString("\n## Convergence\n\n")
		b.WriteString("| Round | Score | Change |\n|---|---|---|\n")
		for i, ev := range scored {
			change := "-"
			if i > 0 {
				prev := scored[i-1].Score.Median
				if prev > 0 {
					change = fmt.Sprintf("%+.1f%%", (ev.Score.Median-prev)/prev*100)
				}
			}
			fmt.Fprintf(&b, "| %d | %g | %s |\n", ev.Round, ev.Score.Median, change)
		}
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "  - %s\n", it)
	}
}

// roleLabel 例如 "racer+judge"
func roleLabel(res *Result, alias string) string {
	var roles []string
	if contains(res.Racers, alias) {
		roles = append(roles, "racer")
	}
	if alias == res.Judge {
		roles = append(roles, "judge")
	}
	if alias == res.Adversary {
		roles = append(roles, "adversary")
	}
	if len(roles) == 0 {
		return "racer (dropped)"
	}
	return strings.Join(roles, "+")
}

func truncateLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
