package race

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/raceflow/llm"
	"github.com/BaSui01/raceflow/llm/gateway"
	"github.com/BaSui01/raceflow/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend 按提示词识别阶段，交给 respond 决定回复
type scriptedBackend struct {
	mu      sync.Mutex
	calls   []scriptedCall
	respond func(alias, phase, text string) (string, error)
}

type scriptedCall struct {
	alias, phase, text string
	maxTokens          int
}

func phaseOf(text string) string {
	switch {
	case strings.Contains(text, "Reply OK"):
		return "probe"
	case strings.Contains(text, "competing against other models"):
		return "generate"
	case strings.Contains(text, "strict reviewer"):
		return "review"
	case strings.Contains(text, "merge strategy analysis"):
		return "strategy"
	case strings.Contains(text, "Self-check"):
		return "merge"
	case strings.Contains(text, "harshest critic"):
		return "attack"
	case strings.Contains(text, "Patch critical"):
		return "patch"
	case strings.Contains(text, "impartial scorer"):
		return "score"
	}
	return "unknown"
}

func (b *scriptedBackend) Call(_ context.Context, alias string, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	text := llm.JoinContent(req.Messages)
	phase := phaseOf(text)
	b.mu.Lock()
	b.calls = append(b.calls, scriptedCall{alias: alias, phase: phase, text: text, maxTokens: req.MaxTokens})
	b.mu.Unlock()

	out, err := b.respond(alias, phase, text)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Model: alias, Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: out}}}}, nil
}

func (b *scriptedBackend) ByRole(string) []string { return nil }

func (b *scriptedBackend) Spec(alias string) (llm.ModelSpec, bool) {
	return llm.ModelSpec{Alias: alias, Model: alias}, true
}

func (b *scriptedBackend) callsFor(phase string) []scriptedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []scriptedCall
	for _, c := range b.calls {
		if c.phase == phase {
			out = append(out, c)
		}
	}
	return out
}

var errDown = &llm.Error{Code: llm.ErrUpstreamError, Message: "down", Retryable: true}

// happyPath 默认回复：合并结果固定，评分 82
func happyPath(alias, phase, _ string) (string, error) {
	switch phase {
	case "probe":
		return "OK", nil
	case "generate":
		return "def sort_by_" + alias + "(xs):\n    return sorted(xs)\n", nil
	case "review":
		return "Version A is best.", nil
	case "strategy":
		return "Take A, keep the docstring.", nil
	case "merge":
		return mergedContent, nil
	case "attack":
		return "- MAJOR: naming could be better", nil
	case "patch":
		return "PATCHED", nil
	case "score":
		return "Here you go:\n```json\n{\"totalScore\": 82, \"improvements\": [\"uses sorted\"], \"remainingIssues\": [], \"overallAssessment\": \"good\"}\n```", nil
	}
	return "", fmt.Errorf("unexpected phase %s", phase)
}

const mergedContent = "def sort(xs):\n    return sorted(xs)\n"

const bubbleSort = `def bubble_sort(arr):
    n = len(arr)
    for i in range(n):
        for j in range(0, n - i - 1):
            if arr[j] > arr[j + 1]:
                arr[j], arr[j + 1] = arr[j + 1], arr[j]
    return arr

if __name__ == "__main__":
    print(bubble_sort([5, 2, 9, 1]))
`

// fakeRunner 记录执行命令时目标文件的内容
type fakeRunner struct {
	mu     sync.Mutex
	target string
	seen   []string
	fail   func(n int) bool
}

func (f *fakeRunner) Run(_ context.Context, _, command string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.target != "" && command == "verify" {
		data, _ := os.ReadFile(f.target)
		f.seen = append(f.seen, string(data))
	}
	if command == "bench" {
		return "  1000 ops/s  \n", nil
	}
	if f.fail != nil && f.fail(len(f.seen)) {
		return "FAILED test_sort", &CommandError{Command: command, ExitCode: 1, Err: errors.New("exit status 1")}
	}
	return "1 passed", nil
}

type harness struct {
	backend *scriptedBackend
	runner  *fakeRunner
	cfg     Config
	target  string
}

func newHarness(t *testing.T, respond func(alias, phase, text string) (string, error)) *harness {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "sort.py")
	require.NoError(t, os.WriteFile(target, []byte(bubbleSort), 0o644))

	cfg := DefaultConfig()
	cfg.Target = target
	cfg.Goal = "faster execution"
	cfg.Racers = []string{"gpt52", "gemini-racer"}
	cfg.MaxRounds = 1
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Verify = "verify"

	return &harness{
		backend: &scriptedBackend{respond: respond},
		runner:  &fakeRunner{target: target},
		cfg:     cfg,
		target:  target,
	}
}

func (h *harness) race(t *testing.T, opts ...Option) *Race {
	t.Helper()
	store, err := prompt.NewStore("", nil)
	require.NoError(t, err)
	gw := gateway.New(h.backend, gateway.Config{}, nil)
	r, err := New(h.cfg, gw, store, nil, append([]Option{WithCommandRunner(h.runner)}, opts...)...)
	require.NoError(t, err)
	return r
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, happyPath)
	h.cfg.Benchmark = "bench"

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)

	out := h.cfg.OutputDir
	assert.Equal(t, "code-performance", res.Scene)
	assert.Equal(t, StopRoundCap, res.StopReason)
	assert.Equal(t, []string{"gpt52", "gemini-racer"}, res.Racers)
	assert.Len(t, res.Preflight, 3)
	assert.NotEmpty(t, res.RunID)

	assert.FileExists(t, filepath.Join(out, "original.py"))
	assert.Contains(t, readFile(t, filepath.Join(out, "round1", "version_A.py")), "sort_by_gpt52")
	assert.Contains(t, readFile(t, filepath.Join(out, "round1", "version_B.py")), "sort_by_gemini-racer")
	assert.FileExists(t, filepath.Join(out, "round1", "review_1.md"))
	assert.FileExists(t, filepath.Join(out, "round1", "strategy.md"))
	assert.FileExists(t, filepath.Join(out, "round1", "merged.md"))
	assert.FileExists(t, filepath.Join(out, "round1", "adversarial.md"))
	assert.NoFileExists(t, filepath.Join(out, "round1", "fixed.md"))

	final := readFile(t, filepath.Join(out, "final.py"))
	assert.Equal(t, mergedContent, final)
	assert.NotEqual(t, bubbleSort, final)
	assert.Equal(t, filepath.Join(out, "final.py"), res.FinalPath)

	report := readFile(t, res.ReportPath)
	assert.Contains(t, report, "# Race Optimization Report")
	assert.Contains(t, report, "### Round 1")
	assert.Contains(t, report, "- Score: **82/100**")
	assert.Contains(t, report, "- Tests: PASSED")
	assert.Contains(t, report, "- Benchmark: 1000 ops/s")
	assert.NotContains(t, report, "No round was accepted")
	assert.Equal(t, FinalAccepted, res.Source)

	// 测试时写入的是候选内容，结束后目标文件已恢复
	assert.Equal(t, []string{mergedContent}, h.runner.seen)
	assert.Equal(t, bubbleSort, readFile(t, h.target))

	var ev Evidence
	require.NoError(t, json.Unmarshal([]byte(readFile(t, filepath.Join(out, "round1", "verification.json"))), &ev))
	assert.True(t, ev.Accepted)
	require.NotNil(t, ev.Score)
	assert.Equal(t, 82.0, ev.Score.Median)
	assert.Equal(t, []string{"uses sorted"}, ev.Score.Improvements)

	// 评分只由非裁判参赛者给出，并使用评分 max tokens
	scores := h.backend.callsFor("score")
	assert.Len(t, scores, 2)
	for _, c := range scores {
		assert.Equal(t, 2000, c.maxTokens)
	}
	for _, c := range h.backend.callsFor("strategy") {
		assert.Equal(t, "claude-thinking", c.alias)
	}

	var progress map[string]any
	require.NoError(t, json.Unmarshal([]byte(readFile(t, filepath.Join(out, ".progress"))), &progress))
	assert.Equal(t, "done", progress["step"])
	assert.Equal(t, StatusCompleted, progress["status"])
	assert.Equal(t, res.RunID, progress["run_id"])
}

func TestRun_FailedTestsNeverPromote(t *testing.T) {
	h := newHarness(t, happyPath)
	h.cfg.MaxRounds = 2
	h.runner.fail = func(int) bool { return true }

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.History, 2)
	for _, ev := range res.History {
		assert.False(t, ev.Accepted)
		assert.True(t, ev.TestsFailed())
	}
	assert.False(t, res.Accepted)
	assert.Equal(t, FinalOriginal, res.Source)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, bubbleSort, res.Final, "the original stays the current best")
	assert.Equal(t, bubbleSort, readFile(t, h.target))

	// 第二轮仍以原文为基础
	gens := h.backend.callsFor("generate")
	require.Len(t, gens, 4)
	for _, c := range gens[2:] {
		assert.Contains(t, c.text, "This is round 2")
		assert.Contains(t, c.text, "def bubble_sort(arr):")
	}
	assert.Contains(t, readFile(t, res.ReportPath), "No round was accepted")
	assert.Contains(t, readFile(t, res.ReportPath), "- Tests: FAILED")
}

func TestRun_SecondRoundBuildsOnAcceptedResult(t *testing.T) {
	h := newHarness(t, happyPath)
	h.cfg.MaxRounds = 2
	h.cfg.Convergence = false

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.History, 2)

	gens := h.backend.callsFor("generate")
	require.Len(t, gens, 4)
	for _, c := range gens[2:] {
		assert.Contains(t, c.text, mergedContent)
		assert.NotContains(t, c.text, "def bubble_sort(arr):")
	}
}

func TestRun_ConvergesOnStableScores(t *testing.T) {
	round := 0
	var mu sync.Mutex
	h := newHarness(t, func(alias, phase, text string) (string, error) {
		if phase == "generate" && strings.Contains(text, "This is round 2") {
			mu.Lock()
			round = 2
			mu.Unlock()
		}
		if phase == "score" {
			mu.Lock()
			defer mu.Unlock()
			if round == 2 {
				return `{"totalScore": 82}`, nil
			}
			return `{"totalScore": 80}`, nil
		}
		return happyPath(alias, phase, text)
	})
	h.cfg.MaxRounds = 3

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopConverged, res.StopReason)
	assert.Len(t, res.History, 2)
	assert.Contains(t, readFile(t, res.ReportPath), "## Convergence")
}

func TestRun_NoRacersAvailable(t *testing.T) {
	h := newHarness(t, func(alias, phase, text string) (string, error) {
		if phase == "probe" && alias != "claude-thinking" {
			return "", errDown
		}
		return happyPath(alias, phase, text)
	})

	res, err := h.race(t).Run(context.Background())
	require.ErrorIs(t, err, ErrNoRacers)
	require.NotNil(t, res)
	assert.Empty(t, res.Racers)
	assert.Len(t, res.Preflight, 3)
	assert.NoFileExists(t, filepath.Join(h.cfg.OutputDir, "final.py"))
	assert.Empty(t, h.backend.callsFor("generate"))

	var progress map[string]any
	require.NoError(t, json.Unmarshal([]byte(readFile(t, filepath.Join(h.cfg.OutputDir, ".progress"))), &progress))
	assert.Equal(t, StatusFailed, progress["status"])
}

func TestRun_UnavailableRacerIsDropped(t *testing.T) {
	h := newHarness(t, func(alias, phase, text string) (string, error) {
		if alias == "gemini-racer" {
			return "", errDown
		}
		return happyPath(alias, phase, text)
	})

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt52"}, res.Racers)
	for _, c := range h.backend.callsFor("generate") {
		assert.Equal(t, "gpt52", c.alias)
	}
}

func TestRun_NoVersionsInFirstRound(t *testing.T) {
	h := newHarness(t, func(alias, phase, text string) (string, error) {
		if phase == "generate" {
			return "", errDown
		}
		return happyPath(alias, phase, text)
	})

	res, err := h.race(t).Run(context.Background())
	require.ErrorIs(t, err, ErrNoOutput)
	assert.Equal(t, StopNoVersions, res.StopReason)
	assert.Empty(t, res.History)
	assert.NoFileExists(t, filepath.Join(h.cfg.OutputDir, "final.py"))
}

func TestRun_SynthesisFailureStopsWithFirstVersion(t *testing.T) {
	h := newHarness(t, func(alias, phase, text string) (string, error) {
		if phase == "strategy" {
			return "", errDown
		}
		return happyPath(alias, phase, text)
	})
	h.cfg.MaxRounds = 3

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopSynthesisFailed, res.StopReason)
	assert.Contains(t, res.Final, "sort_by_gpt52")
	assert.False(t, res.Accepted)
	assert.Equal(t, FinalSynthesisFallback, res.Source)
	assert.Equal(t, 1, res.Rounds)

	report := readFile(t, res.ReportPath)
	assert.Contains(t, report, "| Rounds | 1 |")
	assert.Contains(t, report, "first valid racer version")
	assert.NotContains(t, report, "The final artifact is the original content")
	assert.Empty(t, h.backend.callsFor("merge"))
	assert.Empty(t, h.backend.callsFor("score"))
	assert.Empty(t, h.runner.seen)
}

func TestRun_MergeFailureDegradesToFirstVersion(t *testing.T) {
	h := newHarness(t, func(alias, phase, text string) (string, error) {
		if phase == "merge" {
			return "", errDown
		}
		return happyPath(alias, phase, text)
	})

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopRoundCap, res.StopReason)
	assert.Contains(t, res.Final, "sort_by_gpt52")
	require.Len(t, h.runner.seen, 1)
	assert.Contains(t, h.runner.seen[0], "sort_by_gpt52")
	assert.NoFileExists(t, filepath.Join(h.cfg.OutputDir, "round1", "merged.md"))
}

func TestRun_CriticalIssuesArePatched(t *testing.T) {
	h := newHarness(t, func(alias, phase, text string) (string, error) {
		if phase == "attack" {
			return "- CRITICAL: loses stability of the sort\n- MINOR: naming", nil
		}
		return happyPath(alias, phase, text)
	})

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PATCHED", res.Final)
	assert.Equal(t, "PATCHED", readFile(t, filepath.Join(h.cfg.OutputDir, "round1", "fixed.md")))
	patches := h.backend.callsFor("patch")
	require.Len(t, patches, 1)
	assert.Equal(t, "claude-thinking", patches[0].alias)
}

func TestRun_AdversaryFailureKeepsMerged(t *testing.T) {
	h := newHarness(t, func(alias, phase, text string) (string, error) {
		if phase == "attack" {
			return "", errDown
		}
		return happyPath(alias, phase, text)
	})

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mergedContent, res.Final)
	assert.NoFileExists(t, filepath.Join(h.cfg.OutputDir, "round1", "adversarial.md"))
	assert.Empty(t, h.backend.callsFor("patch"))
}

func TestRun_InlineContent(t *testing.T) {
	h := newHarness(t, happyPath)
	h.cfg.Target = ""
	h.cfg.Content = "In silicon depths algorithms grow"
	h.cfg.Verify = ""

	res, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "text", res.Scene)
	assert.FileExists(t, filepath.Join(h.cfg.OutputDir, "original.md"))
	assert.FileExists(t, filepath.Join(h.cfg.OutputDir, "final.md"))
	assert.Contains(t, readFile(t, res.ReportPath), "(inline)")
	assert.Empty(t, h.runner.seen)
}

func TestRun_SystemPromptInjected(t *testing.T) {
	h := newHarness(t, happyPath)
	h.cfg.SystemPrompt = "Answer in English."

	_, err := h.race(t).Run(context.Background())
	require.NoError(t, err)
	for _, c := range h.backend.callsFor("generate") {
		assert.True(t, strings.HasPrefix(c.text, "system: Answer in English."))
	}
}

func TestRun_ObserversAreBestEffort(t *testing.T) {
	h := newHarness(t, happyPath)

	var mu sync.Mutex
	var steps []string
	record := ObserverFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, ev.Step)
		return nil
	})
	broken := ObserverFunc(func(context.Context, Event) error { return errors.New("disk full") })
	panicky := ObserverFunc(func(context.Context, Event) error { panic("boom") })

	res, err := h.race(t, WithObservers(broken, panicky, record)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopRoundCap, res.StopReason)

	for _, want := range []string{"init", "preflight", "round1_diverge", "round1_evaluate", "round1_converge", "round1_stress", "round1_verify", "done"} {
		assert.Contains(t, steps, want)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	h := newHarness(t, happyPath)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.race(t).Run(ctx)
	require.Error(t, err)
	require.NotNil(t, res)
}

func TestRun_CanceledAfterRoundStillReportsFinish(t *testing.T) {
	h := newHarness(t, happyPath)
	h.cfg.MaxRounds = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var finishErr error
	finished := false
	obs := ObserverFunc(func(octx context.Context, ev Event) error {
		switch ev.Kind {
		case EventRoundFinished:
			cancel()
		case EventRunFinished:
			finished = true
			finishErr = octx.Err()
		}
		return nil
	})

	res, err := h.race(t, WithObservers(obs)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, StopCanceled, res.StopReason)
	assert.Equal(t, FinalAccepted, res.Source)
	assert.Equal(t, 1, res.Rounds)
	assert.FileExists(t, res.FinalPath)

	require.True(t, finished)
	assert.NoError(t, finishErr, "the run-finished event must not inherit the cancellation")
}

func TestRun_SlowObserverIsBounded(t *testing.T) {
	h := newHarness(t, happyPath)

	var mu sync.Mutex
	timeouts := 0
	slow := ObserverFunc(func(ctx context.Context, ev Event) error {
		<-ctx.Done()
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timeouts++
		}
		return ctx.Err()
	})

	start := time.Now()
	res, err := h.race(t, WithObservers(slow), WithObserverTimeout(10*time.Millisecond)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopRoundCap, res.StopReason)
	assert.Less(t, time.Since(start), 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, timeouts, 5)
}

func TestNew_Validation(t *testing.T) {
	store, err := prompt.NewStore("", nil)
	require.NoError(t, err)
	gw := gateway.New(&scriptedBackend{respond: happyPath}, gateway.Config{}, nil)

	_, err = New(Config{Racers: []string{"a"}}, gw, store, nil)
	assert.Error(t, err, "target or content is required")

	_, err = New(Config{Content: "x"}, nil, store, nil)
	assert.Error(t, err)

	r, err := New(Config{Content: "x", Racers: []string{"a"}}, gw, store, nil)
	require.NoError(t, err)
	cfg := r.Config()
	assert.Equal(t, 3, cfg.MaxRounds)
	assert.Equal(t, "claude-thinking", cfg.Judge)
	assert.Equal(t, 0.05, cfg.ConvergenceThreshold)
}
