package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BaSui01/raceflow/internal/ledger"
	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/race/scene"
)

// =============================================================================
// 🩺 check 命令
// =============================================================================

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	a, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer a.close()

	aliases := a.registry.Aliases()
	fmt.Printf("Probing %d model(s)...\n\n", len(aliases))
	results := a.gateway.Probe(context.Background(), aliases)
	printAvailability(os.Stdout, results)

	for _, r := range results {
		if !r.Available {
			return 1
		}
	}
	return 0
}

func printAvailability(w io.Writer, results []gateway.Availability) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ALIAS\tMODEL\tROLE\tSTATUS\tLATENCY\tERROR")
	ok := 0
	for _, r := range results {
		status := "FAIL"
		if r.Available {
			status = "OK"
			ok++
		}
		role := r.Role
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Alias, r.Model, role, status, r.Latency.Round(time.Millisecond), oneLine(r.Error, 60))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d/%d available\n", ok, len(results))
}

// =============================================================================
// 🗂️ scenes 命令
// =============================================================================

func runScenes(args []string) int {
	fs := flag.NewFlagSet("scenes", flag.ExitOnError)
	fs.Parse(args)
	printScenes(os.Stdout)
	return 0
}

func printScenes(w io.Writer) {
	for _, s := range scene.All() {
		var caps []string
		if s.HasVerify {
			caps = append(caps, "verify")
		}
		if s.HasBenchmark {
			caps = append(caps, "benchmark")
		}
		fmt.Fprintf(w, "%s  %s\n", s.Key, s.Name)
		fmt.Fprintf(w, "  criteria: %s\n", s.DefaultCriteria)
		if len(caps) > 0 {
			fmt.Fprintf(w, "  supports: %s\n", strings.Join(caps, ", "))
		}
		for i, st := range s.Strategies {
			fmt.Fprintf(w, "  %d. %s\n", i+1, st)
		}
		fmt.Fprintln(w)
	}
}

// =============================================================================
// 📜 history 命令
// =============================================================================

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	runID := fs.String("run", "", "Show the rounds of one run")
	limit := fs.Int("limit", 20, "Number of runs to list")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	if !cfg.Ledger.Enabled {
		fmt.Fprintln(os.Stderr, "ledger is disabled (set ledger.enabled or RACEFLOW_LEDGER_ENABLED=true)")
		return 1
	}
	l, err := ledger.Open(cfg.Ledger, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		return 1
	}
	defer l.Close()

	ctx := context.Background()
	if *runID != "" {
		run, err := l.Run(ctx, *runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		rounds, err := l.Rounds(ctx, *runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		printRun(os.Stdout, run, rounds)
		return 0
	}

	runs, err := l.Runs(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	printRuns(os.Stdout, runs)
	return 0
}

func printRuns(w io.Writer, runs []ledger.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSCENE\tSTATUS\tROUNDS\tSCORE\tSTOP\tTARGET")
	for _, r := range runs {
		target := r.Target
		if target == "" {
			target = "(inline)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.Scene, r.Status,
			r.Rounds, scoreText(r.FinalScore), orDash(r.StopReason), target)
	}
	tw.Flush()
}

func printRun(w io.Writer, run *ledger.RunRecord, rounds []ledger.RoundRecord) {
	fmt.Fprintf(w, "Run %s\n", run.ID)
	fmt.Fprintf(w, "  scene:   %s\n", run.Scene)
	fmt.Fprintf(w, "  goal:    %s\n", run.Goal)
	fmt.Fprintf(w, "  racers:  %s\n", run.Racers)
	fmt.Fprintf(w, "  status:  %s (%s)\n", run.Status, orDash(run.StopReason))
	if run.Error != "" {
		fmt.Fprintf(w, "  error:   %s\n", run.Error)
	}
	if run.FinalPath != "" {
		fmt.Fprintf(w, "  final:   %s (%s)\n", run.FinalPath, orDash(run.Source))
	}
	if run.ReportPath != "" {
		fmt.Fprintf(w, "  report:  %s\n", run.ReportPath)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUND\tTESTS\tSCORE\tVARIANCE\tLENGTH\tACCEPTED")
	for _, r := range rounds {
		tests := "-"
		if r.TestsPassed != nil {
			tests = "FAILED"
			if *r.TestsPassed {
				tests = "PASSED"
			}
		}
		variance := scoreText(r.Variance)
		if r.HighVariance {
			variance += " (high)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\n",
			r.Round, tests, scoreText(r.Score), variance, orDash(r.LengthChange), r.Accepted)
	}
	tw.Flush()
}

func scoreText(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
