package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/raceflow/config"
	"github.com/BaSui01/raceflow/race"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	cfg := config.DefaultLedgerConfig()
	cfg.Enabled = true
	cfg.DSN = filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_RecordsRunLifecycle(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	start := time.Now()

	cfg := race.DefaultConfig()
	cfg.Goal = "faster execution"
	cfg.Target = "sort.py"
	cfg.Racers = []string{"gpt52", "gemini-racer"}
	require.NoError(t, l.OnEvent(ctx, race.Event{Kind: race.EventRunStarted, RunID: "run-1", Time: start, Config: &cfg}))

	// 阶段事件不落库
	require.NoError(t, l.OnEvent(ctx, race.Event{Kind: race.EventPhase, RunID: "run-1", Step: "round1_diverge"}))

	ev1 := &race.Evidence{
		Round:      1,
		Tests:      &race.TestOutcome{Passed: false, Output: "FAILED"},
		Comparison: race.Comparison{LengthChange: "-10.0%"},
	}
	ev2 := &race.Evidence{
		Round:      2,
		Tests:      &race.TestOutcome{Passed: true},
		Score:      &race.ScoreSummary{Median: 82, Variance: 4},
		Comparison: race.Comparison{LengthChange: "-12.5%"},
		Accepted:   true,
	}
	require.NoError(t, l.OnEvent(ctx, race.Event{Kind: race.EventRoundFinished, RunID: "run-1", Round: 1, Evidence: ev1}))
	require.NoError(t, l.OnEvent(ctx, race.Event{Kind: race.EventRoundFinished, RunID: "run-1", Round: 2, Evidence: ev2}))

	res := &race.Result{
		RunID:      "run-1",
		Scene:      "code-performance",
		Racers:     []string{"gpt52"},
		History:    []race.Evidence{*ev1, *ev2},
		StopReason: race.StopRoundCap,
		Accepted:   true,
		Source:     race.FinalAccepted,
		Rounds:     2,
		FinalPath:  "out/final.py",
		ReportPath: "out/report.md",
		Elapsed:    90 * time.Second,
	}
	require.NoError(t, l.OnEvent(ctx, race.Event{
		Kind: race.EventRunFinished, RunID: "run-1", Step: "done", Status: race.StatusCompleted, Time: start.Add(90 * time.Second), Result: res,
	}))

	run, err := l.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, race.StatusCompleted, run.Status)
	assert.Equal(t, "code-performance", run.Scene)
	assert.Equal(t, "faster execution", run.Goal)
	assert.Equal(t, "gpt52", run.Racers)
	assert.Equal(t, 2, run.Rounds)
	assert.Equal(t, string(race.StopRoundCap), run.StopReason)
	assert.Equal(t, string(race.FinalAccepted), run.Source)
	require.NotNil(t, run.FinalScore)
	assert.Equal(t, 82.0, *run.FinalScore)
	assert.Equal(t, int64(90000), run.DurationMS)
	assert.NotNil(t, run.FinishedAt)

	rounds, err := l.Rounds(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, 1, rounds[0].Round)
	require.NotNil(t, rounds[0].TestsPassed)
	assert.False(t, *rounds[0].TestsPassed)
	assert.Nil(t, rounds[0].Score)
	assert.False(t, rounds[0].Accepted)
	assert.True(t, rounds[1].Accepted)
	assert.Equal(t, 82.0, *rounds[1].Score)

	var decoded race.Evidence
	require.NoError(t, json.Unmarshal([]byte(rounds[1].Evidence), &decoded))
	assert.Equal(t, "-12.5%", decoded.Comparison.LengthChange)
}

func TestLedger_FailedRun(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	cfg := race.DefaultConfig()
	cfg.Racers = []string{"a"}
	require.NoError(t, l.OnEvent(ctx, race.Event{Kind: race.EventRunStarted, RunID: "run-2", Time: time.Now(), Config: &cfg}))
	require.NoError(t, l.OnEvent(ctx, race.Event{
		Kind: race.EventRunFinished, RunID: "run-2", Status: race.StatusFailed, Detail: race.ErrNoRacers.Error(),
		Time: time.Now(), Result: &race.Result{RunID: "run-2"},
	}))

	run, err := l.Run(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, race.StatusFailed, run.Status)
	assert.Equal(t, race.ErrNoRacers.Error(), run.Error)
	assert.Nil(t, run.FinalScore)
}

func TestLedger_CanceledRunIsFinished(t *testing.T) {
	l := openTestLedger(t)

	cfg := race.DefaultConfig()
	cfg.Racers = []string{"a"}
	require.NoError(t, l.OnEvent(context.Background(), race.Event{Kind: race.EventRunStarted, RunID: "run-3", Time: time.Now(), Config: &cfg}))

	// Ctrl+C 之后运行上下文已取消
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.OnEvent(ctx, race.Event{
		Kind: race.EventRunFinished, RunID: "run-3", Status: race.StatusCompleted, Time: time.Now(),
		Result: &race.Result{RunID: "run-3", StopReason: race.StopCanceled, Rounds: 1, Source: race.FinalSynthesisFallback},
	}))

	run, err := l.Run(context.Background(), "run-3")
	require.NoError(t, err)
	assert.Equal(t, race.StatusCompleted, run.Status)
	assert.Equal(t, string(race.StopCanceled), run.StopReason)
	assert.Equal(t, string(race.FinalSynthesisFallback), run.Source)
	assert.Equal(t, 1, run.Rounds)
	assert.NotNil(t, run.FinishedAt)
}

func TestLedger_Ping(t *testing.T) {
	l := openTestLedger(t)
	assert.NoError(t, l.Ping(context.Background()))

	require.NoError(t, l.Close())
	assert.Error(t, l.Ping(context.Background()))
}

func TestLedger_RunsNewestFirst(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, l.OnEvent(ctx, race.Event{
			Kind: race.EventRunStarted, RunID: id, Time: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := l.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "mid", runs[1].ID)
}

func TestLedger_RejectsIncompleteEvents(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	assert.Error(t, l.OnEvent(ctx, race.Event{Kind: race.EventRoundFinished, RunID: "x"}))
	assert.Error(t, l.OnEvent(ctx, race.Event{Kind: race.EventRunFinished, RunID: "x"}))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	cfg := config.DefaultLedgerConfig()
	cfg.Driver = "oracle"
	_, err := Open(cfg, nil)
	assert.Error(t, err)
}
