package race

import "math"

// Detector 根据相邻两轮的中位分判断是否收敛
type Detector struct {
	Enabled   bool
	Threshold float64 // 相对变化阈值，默认 0.05
}

// NewDetector 创建收敛检测器
func NewDetector(enabled bool, threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultConfig().ConvergenceThreshold
	}
	return &Detector{Enabled: enabled, Threshold: threshold}
}

// HasConverged 最近一轮测试失败、不足两轮或缺少分数时一律返回 false
func (d *Detector) HasConverged(history []Evidence) bool {
	if d == nil || !d.Enabled || len(history) < 2 {
		return false
	}
	curr, prev := history[len(history)-1], history[len(history)-2]
	if curr.TestsFailed() {
		return false
	}
	if curr.Score == nil || prev.Score == nil || prev.Score.Median <= 0 {
		return false
	}
	change := (curr.Score.Median - prev.Score.Median) / prev.Score.Median
	return math.Abs(change) < d.Threshold
}
