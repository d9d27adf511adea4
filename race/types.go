package race

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/raceflow/llm/gateway"
)

var (
	// ErrNoRacers 预检后没有可用的参赛模型
	ErrNoRacers = errors.New("no available racer models")
	// ErrNoOutput 没有任何候选结果可以输出
	ErrNoOutput = errors.New("race produced no output")
)

// StopReason 循环结束原因
type StopReason string

const (
	StopRoundCap        StopReason = "round_cap"
	StopConverged       StopReason = "converged"
	StopNoVersions      StopReason = "no_versions"
	StopSynthesisFailed StopReason = "synthesis_failed"
	StopCanceled        StopReason = "canceled"
)

// Version 一个参赛模型在一轮中的产出
type Version struct {
	Label    string        `json:"label"`
	Model    string        `json:"model"`
	Strategy string        `json:"strategy"`
	Content  string        `json:"-"`
	Failed   bool          `json:"failed"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Review 一位评审的交叉评审结果，Index 从 1 开始
type Review struct {
	Index   int    `json:"index"`
	Model   string `json:"model"`
	Content string `json:"-"`
	Failed  bool   `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// Synthesis 裁判两遍合成的结果
type Synthesis struct {
	Strategy       string
	Content        string
	StrategyFailed bool
	MergeFailed    bool
}

// StressOutcome 对抗测试结果
type StressOutcome struct {
	Content      string // 可能已打补丁
	AttackReport string // 对抗模型失败时为空
	Critical     bool
	Patched      bool
}

// TestOutcome 测试命令结果
type TestOutcome struct {
	Passed bool   `json:"passed"`
	Output string `json:"output"`
}

// BenchmarkOutcome 基准命令结果，Output 与 Error 二选一
type BenchmarkOutcome struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ScoreCard 单个评分模型返回的合法评分
type ScoreCard struct {
	Model             string   `json:"model"`
	TotalScore        float64  `json:"totalScore"`
	Improvements      []string `json:"improvements,omitempty"`
	RemainingIssues   []string `json:"remainingIssues,omitempty"`
	OverallAssessment string   `json:"overallAssessment,omitempty"`
}

// ScoreSummary 法定评分汇总
type ScoreSummary struct {
	Median          float64     `json:"median"`
	Individual      []ScoreCard `json:"individual"`
	Variance        float64     `json:"variance"`
	HighVariance    bool        `json:"highVariance"`
	Improvements    []string    `json:"improvements"`
	RemainingIssues []string    `json:"remainingIssues"`
	Assessment      string      `json:"assessment"`
}

// Comparison 长度对比；原文为空时 LengthChangePercent 为 nil，LengthChange 为 "n/a"
type Comparison struct {
	OriginalLength      int      `json:"originalLength"`
	OptimizedLength     int      `json:"optimizedLength"`
	LengthChangePercent *float64 `json:"lengthChangePercent,omitempty"`
	LengthChange        string   `json:"lengthChange"`
}

// FinalSource 最终产物的来源
type FinalSource string

const (
	FinalAccepted          FinalSource = "accepted"           // 最近一轮晋升的候选
	FinalOriginal          FinalSource = "original"           // 没有任何一轮晋升，沿用原文
	FinalSynthesisFallback FinalSource = "synthesis_fallback" // 策略综合失败，取第一个有效版本
)

// Evidence 一轮验证的全部证据
type Evidence struct {
	Round      int               `json:"round"`
	Tests      *TestOutcome      `json:"tests"`
	Benchmark  *BenchmarkOutcome `json:"benchmark"`
	Score      *ScoreSummary     `json:"score"`
	Comparison Comparison        `json:"comparison"`
	Accepted   bool              `json:"accepted"`
	Timestamp  time.Time         `json:"timestamp"`
}

// TestsFailed 是否配置了测试且测试失败
func (e *Evidence) TestsFailed() bool {
	return e != nil && e.Tests != nil && !e.Tests.Passed
}

// Result 一次运行的结果
type Result struct {
	RunID      string                 `json:"run_id"`
	Scene      string                 `json:"scene"`
	Goal       string                 `json:"goal"`
	Target     string                 `json:"target,omitempty"`
	Racers     []string               `json:"racers"` // 预检之后
	Judge      string                 `json:"judge"`
	Adversary  string                 `json:"adversary"`
	Preflight  []gateway.Availability `json:"preflight"`
	History    []Evidence             `json:"history"`
	Final      string                 `json:"-"`
	FinalPath  string                 `json:"final_path,omitempty"`
	ReportPath string                 `json:"report_path,omitempty"`
	OutputDir  string                 `json:"output_dir"`
	StopReason StopReason             `json:"stop_reason,omitempty"`
	Accepted   bool                   `json:"accepted"` // 是否有任何一轮被晋升
	Rounds     int                    `json:"rounds"`   // 实际开始的轮数，含未进入 Verify 的轮
	Source     FinalSource            `json:"final_source,omitempty"`
	Elapsed    time.Duration          `json:"elapsed"`
}

// SourceNote 非晋升结果的说明，晋升结果返回空串
func (r *Result) SourceNote() string {
	switch r.Source {
	case FinalOriginal:
		return "No round was accepted. The final artifact is the original content."
	case FinalSynthesisFallback:
		return fmt.Sprintf("Strategy synthesis failed in round %d. The final artifact is the first valid racer version, unverified.", r.Rounds)
	}
	return ""
}

// LastScore 返回最近一轮有评分的中位分
func (r *Result) LastScore() (float64, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if s := r.History[i].Score; s != nil {
			return s.Median, true
		}
	}
	return 0, false
}
