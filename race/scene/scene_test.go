package scene

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		target, goal string
		want         string
	}{
		{"sort.py", "faster execution", CodePerformance},
		{"sort.py", "YAGNI refactor", CodeRefactor},
		{"utils.js", "simplify and refactor", CodeRefactor},
		{"readme.md", "more clear", Text},
		{"prompt.md", "improve", Prompt},
		{"notes.txt", "tighten the system PROMPT", Prompt},
		{"Main.GO", "speed", CodePerformance},
		{"", "", Text},
		{"run.bash", "refactor", CodeRefactor},
		{"prompts/sort.py", "faster", Prompt},
	}
	for _, tt := range tests {
		t.Run(tt.target+"|"+tt.goal, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.target, tt.goal))
		})
	}
}

// 优先级：refactor 关键字 > prompt > 代码扩展名 > text
func TestClassify_PrecedenceProperty(t *testing.T) {
	exts := []string{".py", ".go", ".md", ".txt", ".rs", ""}
	words := []string{"faster", "yagni", "Refactor", "simplify", "prompt", "clear", "PROMPT"}
	rapid.Check(t, func(rt *rapid.T) {
		base := rapid.StringMatching(`[a-z]{0,8}`).Draw(rt, "base")
		ext := rapid.SampledFrom(exts).Draw(rt, "ext")
		goal := strings.Join(rapid.SliceOfN(rapid.SampledFrom(words), 0, 3).Draw(rt, "goal"), " ")
		target := base + ext

		got := Classify(target, goal)
		if got != Classify(target, goal) {
			rt.Fatal("not deterministic")
		}
		if _, ok := Get(got); !ok {
			rt.Fatalf("unknown scene %q", got)
		}

		g := strings.ToLower(goal)
		var want string
		switch {
		case strings.Contains(g, "yagni") || strings.Contains(g, "refactor") || strings.Contains(g, "simplif"):
			want = CodeRefactor
		case strings.Contains(g, "prompt") || strings.Contains(target, "prompt"):
			want = Prompt
		case ext == ".py" || ext == ".go" || ext == ".rs":
			want = CodePerformance
		default:
			want = Text
		}
		if got != want {
			rt.Fatalf("Classify(%q, %q) = %s, want %s", target, goal, got, want)
		}
	})
}

func TestCatalog(t *testing.T) {
	assert.Equal(t, []string{CodePerformance, CodeRefactor, Prompt, Text}, Keys())
	for _, s := range All() {
		assert.NotEmpty(t, s.Name, s.Key)
		assert.NotEmpty(t, s.DefaultCriteria, s.Key)
		for _, st := range s.Strategies {
			assert.NotEmpty(t, st, s.Key)
		}
	}

	perf, ok := Get(CodePerformance)
	require.True(t, ok)
	assert.True(t, perf.HasVerify)
	assert.True(t, perf.HasBenchmark)

	ref, _ := Get(CodeRefactor)
	assert.True(t, ref.HasVerify)
	assert.False(t, ref.HasBenchmark)

	_, ok = Get("nope")
	assert.False(t, ok)
}

func TestScene_StrategyRoundRobin(t *testing.T) {
	s, _ := Get(Text)
	assert.Equal(t, s.Strategies[0], s.Strategy(0))
	assert.Equal(t, s.Strategies[4], s.Strategy(4))
	assert.Equal(t, s.Strategies[0], s.Strategy(5))
	assert.Equal(t, s.Strategies[2], s.Strategy(7))
}

func TestAll_ReturnsCopy(t *testing.T) {
	all := All()
	all[0].Name = "mutated"
	s, _ := Get(all[0].Key)
	assert.NotEqual(t, "mutated", s.Name)
}
