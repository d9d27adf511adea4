package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("", nil)
	require.NoError(t, err)
	return s
}

func TestStore_BuiltinTemplates(t *testing.T) {
	s := newStore(t)
	assert.Equal(t, []string{"adversarial", "generate", "review", "score", "synthesize"}, s.Names())

	require.NoError(t, s.Require("synthesize", "STRATEGY", "MERGE"))
	require.NoError(t, s.Require("adversarial", "ATTACK", "PATCH"))
	require.NoError(t, s.Require("generate"))
	assert.ErrorIs(t, s.Require("synthesize", "NOPE"), ErrSectionNotFound)
	assert.ErrorIs(t, s.Require("nope"), ErrTemplateNotFound)
}

func TestStore_Render(t *testing.T) {
	s := newStore(t)
	out, err := s.Render("generate", Vars{"GOAL": "MY_TEST_GOAL", "CONTENT": "some content"})
	require.NoError(t, err)
	assert.Contains(t, out, "MY_TEST_GOAL")
	assert.Contains(t, out, "some content")
	assert.NotContains(t, out, "%GOAL%")
	assert.NotContains(t, out, "%STRATEGY%", "missing vars become empty")

	_, err = s.Render("missing", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestStore_BuiltinSectionsDoNotLeak(t *testing.T) {
	s := newStore(t)
	tests := []struct {
		template, key string
		contains      string
		notContains   string
	}{
		{"synthesize", "STRATEGY", "strategy analysis", "Self-check"},
		{"synthesize", "MERGE", "Self-check", "Consensus and disagreements"},
		{"adversarial", "ATTACK", "harshest", "Patch critical"},
		{"adversarial", "PATCH", "CRITICAL", "harshest"},
	}
	for _, tt := range tests {
		t.Run(tt.template+"/"+tt.key, func(t *testing.T) {
			out, err := s.Section(tt.template, tt.key, Vars{"GOAL": "g"})
			require.NoError(t, err)
			assert.Contains(t, out, tt.contains)
			assert.NotContains(t, out, tt.notContains)
			assert.NotContains(t, out, "# Synthesis")
		})
	}
}

func TestStore_MissingSectionFallsBack(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s, err := NewStore("", zap.New(core))
	require.NoError(t, err)

	out, err := s.Section("score", "NOPE", Vars{"GOAL": "g"})
	require.NoError(t, err)
	assert.Contains(t, out, "totalScore")
	assert.Equal(t, 1, logs.FilterMessage("template section not found, using whole template").Len())
}

func TestStore_Criteria(t *testing.T) {
	s := newStore(t)
	for _, ref := range []string{"code-performance", "code-refactor.md", "text-general", "prompt-engineering"} {
		c, err := s.Criteria(ref)
		require.NoError(t, err, ref)
		assert.Contains(t, c, "1-3")
		assert.Contains(t, c, "8-9")
	}
	c, _ := s.Criteria("code-performance.md")
	assert.Contains(t, c, "Performance")

	_, err := s.Criteria("nope")
	assert.ErrorIs(t, err, ErrCriteriaNotFound)
	_, err = s.Criteria("")
	assert.ErrorIs(t, err, ErrCriteriaNotFound)
}

func TestStore_DirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "score.md"), []byte("custom %GOAL%"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "criteria"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "criteria", "house-style.md"), []byte("house rules"), 0o644))

	s, err := NewStore(dir, nil)
	require.NoError(t, err)

	out, err := s.Render("score", Vars{"GOAL": "g"})
	require.NoError(t, err)
	assert.Equal(t, "custom g", out)

	c, err := s.Criteria("house-style")
	require.NoError(t, err)
	assert.Equal(t, "house rules", c)

	c, err = s.Criteria("text-general")
	require.NoError(t, err, "builtin criteria still reachable")
	assert.Contains(t, c, "Clarity")

	_, err = NewStore(filepath.Join(dir, "missing"), nil)
	assert.Error(t, err)
}
