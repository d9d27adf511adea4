package metrics

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, c.modelRequestsTotal)
	assert.NotNil(t, c.modelRequestDuration)
	assert.NotNil(t, c.phaseDuration)
	assert.NotNil(t, c.Registry())
}

// 同名 namespace 重复创建不会因全局注册冲突而 panic
func TestNewCollector_IsolatedRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("raceflow", nil)
		NewCollector("raceflow", nil)
	})
}

func TestCollector_RecordModelCall(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordModelCall("gpt52", "generate", "success", 2*time.Second, 100, 50)
	c.RecordModelCall("gpt52", "generate", "success", time.Second, 0, 0)
	c.RecordModelCall("gemini-racer", "review", "failure", time.Second, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.modelRequestsTotal.WithLabelValues("gpt52", "generate", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.modelRequestsTotal.WithLabelValues("gemini-racer", "review", "failure")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.modelTokensUsed.WithLabelValues("gpt52", "prompt")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.modelTokensUsed))
}

func TestCollector_RecordPipeline(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordFallback("gpt52", "gemini", true)
	c.RecordCacheLookup(true)
	c.RecordCacheLookup(false)
	c.RecordPhase("diverge", "ok", 3*time.Second)
	c.RecordRound("text", true, 82)
	c.RecordRound("text", false, -1)
	c.RecordRun("text", "converged")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.modelFallbacks.WithLabelValues("gpt52", "gemini", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.phaseOutcomes.WithLabelValues("diverge", "ok")))
	assert.Equal(t, 82.0, testutil.ToFloat64(c.roundScore.WithLabelValues("text")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.roundsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("text", "converged")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordModelCall("a", "p", "success", time.Second, 1, 1)
		c.RecordFallback("a", "b", false)
		c.RecordCacheLookup(true)
		c.RecordPhase("verify", "ok", time.Second)
		c.RecordRound("text", true, 1)
		c.RecordRun("text", "round_cap")
	})
}

func TestCollector_Handler(t *testing.T) {
	ns := nextTestNamespace()
	c := NewCollector(ns, zap.NewNop())
	c.RecordPhase("converge", "degraded", time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), ns+"_phase_outcomes_total"))
}
