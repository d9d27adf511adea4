package race

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/raceflow/race/scene"
)

// Config 单次运行的不可变配置，New 时补全默认值并校验。
type Config struct {
	Target    string   // 目标文件，为空时使用 Content
	Content   string   // 没有目标文件时的内联原文
	Goal      string   // 优化目标
	Scene     string   // 为空时自动分类
	Racers    []string // 有序、不重复
	Judge     string
	Adversary string

	Verify    string // 测试命令（sh -c）
	Benchmark string // 基准命令（sh -c）

	MaxRounds             int
	Convergence           bool
	ConvergenceThreshold  float64 // (0,1)
	HighVarianceThreshold float64 // 评分极差超过该值视为高方差
	MaxTokens             int
	ScoreMaxTokens        int

	OutputDir      string
	SystemPrompt   string
	Criteria       string // 文件路径 / 内联文本 / 模板库引用
	WorkDir        string // 命令工作目录，空表示当前目录
	CommandTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Goal:                  "optimize",
		Judge:                 "claude-thinking",
		Adversary:             "claude-thinking",
		MaxRounds:             3,
		Convergence:           true,
		ConvergenceThreshold:  0.05,
		HighVarianceThreshold: 15,
		MaxTokens:             8000,
		ScoreMaxTokens:        2000,
		OutputDir:             "race_output",
		CommandTimeout:        180 * time.Second,
	}
}

// withDefaults 为零值字段填充默认值（Convergence 是 bool，保持调用方的选择）
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Goal == "" {
		c.Goal = def.Goal
	}
	if c.Judge == "" {
		c.Judge = def.Judge
	}
	if c.Adversary == "" {
		c.Adversary = def.Adversary
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.ConvergenceThreshold == 0 {
		c.ConvergenceThreshold = def.ConvergenceThreshold
	}
	if c.HighVarianceThreshold == 0 {
		c.HighVarianceThreshold = def.HighVarianceThreshold
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.ScoreMaxTokens == 0 {
		c.ScoreMaxTokens = def.ScoreMaxTokens
	}
	if c.OutputDir == "" {
		c.OutputDir = def.OutputDir
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	c.Racers = append([]string(nil), c.Racers...)
	return c
}

// Validate 校验配置，返回所有违规项
func (c *Config) Validate() error {
	var errs []error
	if c.Target == "" && c.Content == "" {
		errs = append(errs, errors.New("either target or content is required"))
	}
	if len(c.Racers) == 0 {
		errs = append(errs, errors.New("at least one racer is required"))
	}
	seen := make(map[string]bool, len(c.Racers))
	for _, r := range c.Racers {
		if r == "" {
			errs = append(errs, errors.New("racer alias must not be empty"))
			continue
		}
		if seen[r] {
			errs = append(errs, fmt.Errorf("duplicate racer %q", r))
		}
		seen[r] = true
	}
	if c.Judge == "" {
		errs = append(errs, errors.New("judge is required"))
	}
	if c.Adversary == "" {
		errs = append(errs, errors.New("adversary is required"))
	}
	if c.Scene != "" {
		if _, ok := scene.Get(c.Scene); !ok {
			errs = append(errs, fmt.Errorf("unknown scene %q (valid: %v)", c.Scene, scene.Keys()))
		}
	}
	if c.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("max rounds must be >= 1, got %d", c.MaxRounds))
	}
	if c.ConvergenceThreshold <= 0 || c.ConvergenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("convergence threshold must be in (0,1), got %g", c.ConvergenceThreshold))
	}
	if c.HighVarianceThreshold < 0 {
		errs = append(errs, fmt.Errorf("high variance threshold must be >= 0, got %g", c.HighVarianceThreshold))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max tokens must be > 0, got %d", c.MaxTokens))
	}
	if c.ScoreMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("score max tokens must be > 0, got %d", c.ScoreMaxTokens))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output dir is required"))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("command timeout must be > 0, got %s", c.CommandTimeout))
	}
	return errors.Join(errs...)
}
