package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/raceflow/config"
	"github.com/BaSui01/raceflow/llm"
	"github.com/BaSui01/raceflow/race"
	"github.com/BaSui01/raceflow/race/scene"
)

// =============================================================================
// 🏁 run 命令
// =============================================================================

// runFlags run/demo 的命令行参数
type runFlags struct {
	configPath    string
	target        string
	content       string
	goal          string
	scene         string
	racers        string
	judge         string
	adversary     string
	verify        string
	benchmark     string
	criteria      string
	system        string
	output        string
	rounds        int
	maxTokens     int
	noConvergence bool
}

func parseRunFlags(args []string) (runFlags, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.goal, "goal", "", "Optimization goal")
	fs.StringVar(&f.scene, "scene", "", "Force a scene")
	fs.StringVar(&f.racers, "racers", "", "Comma separated racer aliases")
	fs.StringVar(&f.judge, "judge", "", "Judge alias")
	fs.StringVar(&f.adversary, "adversary", "", "Adversary alias")
	fs.StringVar(&f.verify, "verify", "", "Test command")
	fs.StringVar(&f.benchmark, "benchmark", "", "Benchmark command")
	fs.StringVar(&f.criteria, "criteria", "", "Criteria file, inline text, or template name")
	fs.StringVar(&f.system, "system", "", "System prompt")
	fs.StringVar(&f.content, "content", "", "Inline content instead of a file")
	fs.StringVar(&f.output, "output", "", "Output directory for this run")
	fs.IntVar(&f.rounds, "rounds", 0, "Maximum rounds")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "Max tokens per generation call")
	fs.BoolVar(&f.noConvergence, "no-convergence", false, "Disable early stop on convergence")
	if err := fs.Parse(args); err != nil {
		return f, err
	}

	rest := fs.Args()
	if len(rest) > 0 {
		f.target = rest[0]
	}
	if len(rest) > 1 {
		f.goal = strings.Join(rest[1:], " ")
	}
	if f.target == "" && f.content == "" {
		return f, errors.New("a file or -content is required")
	}
	if f.target != "" && f.content != "" {
		return f, errors.New("use either a file or -content, not both")
	}
	return f, nil
}

// buildRaceConfig 合并配置文件与命令行参数，命令行优先
func buildRaceConfig(cfg *config.Config, f runFlags, now time.Time) race.Config {
	rc := race.DefaultConfig()
	rc.Target = f.target
	rc.Content = f.content
	rc.Scene = f.scene
	rc.Verify = f.verify
	rc.Benchmark = f.benchmark
	rc.Criteria = f.criteria
	if f.goal != "" {
		rc.Goal = f.goal
	}

	rc.Racers = splitList(f.racers)
	if len(rc.Racers) == 0 {
		rc.Racers = append([]string(nil), cfg.Race.Racers...)
	}
	if len(rc.Racers) == 0 {
		rc.Racers = racersByRole(cfg.Models)
	}
	rc.Judge = firstNonEmpty(f.judge, cfg.Race.Judge, rc.Judge)
	rc.Adversary = firstNonEmpty(f.adversary, cfg.Race.Adversary, rc.Adversary)

	r := cfg.Race
	if r.MaxRounds > 0 {
		rc.MaxRounds = r.MaxRounds
	}
	if f.rounds > 0 {
		rc.MaxRounds = f.rounds
	}
	rc.Convergence = r.Convergence && !f.noConvergence
	if r.ConvergenceThreshold > 0 {
		rc.ConvergenceThreshold = r.ConvergenceThreshold
	}
	if r.HighVarianceThreshold > 0 {
		rc.HighVarianceThreshold = r.HighVarianceThreshold
	}
	if r.MaxTokens > 0 {
		rc.MaxTokens = r.MaxTokens
	}
	if f.maxTokens > 0 {
		rc.MaxTokens = f.maxTokens
	}
	if r.ScoreMaxTokens > 0 {
		rc.ScoreMaxTokens = r.ScoreMaxTokens
	}
	if r.CommandTimeout > 0 {
		rc.CommandTimeout = r.CommandTimeout
	}
	rc.SystemPrompt = firstNonEmpty(f.system, r.SystemPrompt)

	rc.OutputDir = f.output
	if rc.OutputDir == "" {
		rc.OutputDir = runDir(firstNonEmpty(r.OutputDir, "race_output"), f.target, now)
	}
	return rc
}

// runDir 每次运行的输出目录: <root>/<时间戳>_<文件名>
func runDir(root, target string, now time.Time) string {
	name := "inline"
	if target != "" {
		base := filepath.Base(target)
		name = strings.TrimSuffix(base, filepath.Ext(base))
		if name == "" {
			name = base
		}
	}
	return filepath.Join(root, now.Format("20060102-150405")+"_"+name)
}

func racersByRole(models []llm.ModelSpec) []string {
	var out []string
	for _, m := range models {
		if m.Role == llm.RoleRacer {
			out = append(out, m.Alias)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func runRace(args []string) int {
	f, err := parseRunFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n\n", err)
		printUsage()
		return 2
	}
	if f.target != "" {
		if _, err := os.Stat(f.target); err != nil {
			fmt.Fprintf(os.Stderr, "File not found: %s\n", f.target)
			return 1
		}
	}
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return execute(cfg, buildRaceConfig(cfg, f, time.Now()))
}

// =============================================================================
// 🎭 demo 命令
// =============================================================================

const demoContent = "In silicon depths algorithms grow, through data streams they learn to know. " +
	"Iron frames that cannot cry, yet toil for humankind nearby."

// demoFlags 示例运行：内联诗歌、text 场景、两轮
func demoFlags(configPath string) runFlags {
	return runFlags{
		configPath: configPath,
		content:    demoContent,
		goal:       "Write a better four-line poem about AI",
		scene:      scene.Text,
		racers:     "claude-opus,gpt52",
		judge:      "claude-opus",
		adversary:  "claude-opus",
		rounds:     2,
		maxTokens:  2000,
		output:     "race_demo_output",
	}
}

func runDemo(args []string) int {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Println("Running race demo...")
	return execute(cfg, buildRaceConfig(cfg, demoFlags(*configPath), time.Now()))
}

// execute 装配组件并运行一次竞赛
func execute(cfg *config.Config, rc race.Config) int {
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting raceflow",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.close()

	_ = a.openLedger(false)
	a.serveMetrics()

	opts := []race.Option{race.WithMetrics(a.metrics)}
	if a.ledger != nil {
		opts = append(opts, race.WithObservers(a.ledger))
	}
	r, err := race.New(rc, a.gateway, a.store, logger, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid run configuration:\n%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := r.Run(ctx)
	printSummary(os.Stdout, res, err)
	if err != nil {
		return 1
	}
	return 0
}

// printSummary 运行结束后的控制台摘要
func printSummary(w io.Writer, res *race.Result, err error) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w, line)
	if res == nil {
		fmt.Fprintf(w, "Race failed: %v\n", err)
		fmt.Fprintln(w, line)
		return
	}

	if err != nil && res.FinalPath == "" {
		fmt.Fprintf(w, "Race failed after %.1fs: %v\n", res.Elapsed.Seconds(), err)
	} else {
		fmt.Fprintf(w, "Race complete! %.1fs, %d round(s), stop: %s\n",
			res.Elapsed.Seconds(), res.Rounds, res.StopReason)
	}
	fmt.Fprintf(w, "  run:    %s\n", res.RunID)
	fmt.Fprintf(w, "  scene:  %s\n", res.Scene)
	if len(res.Racers) > 0 {
		fmt.Fprintf(w, "  racers: %s\n", strings.Join(res.Racers, ", "))
	}
	if res.FinalPath != "" {
		fmt.Fprintf(w, "  output: %s\n", res.FinalPath)
	}
	if res.ReportPath != "" {
		fmt.Fprintf(w, "  report: %s\n", res.ReportPath)
	}
	if n := len(res.History); n > 0 {
		if t := res.History[n-1].Tests; t != nil {
			status := "PASSED"
			if !t.Passed {
				status = "FAILED"
			}
			fmt.Fprintf(w, "  tests:  %s\n", status)
		}
	}
	if score, ok := res.LastScore(); ok {
		fmt.Fprintf(w, "  score:  %g/100\n", score)
	}
	if note := res.SourceNote(); note != "" && res.FinalPath != "" {
		fmt.Fprintf(w, "  note:   %s\n", note)
	}
	fmt.Fprintln(w, line)
}
