// Package scene 定义内容场景目录（策略、评分标准、能力标记）与场景分类器。
package scene

import (
	"path/filepath"
	"strings"
)

// 场景 key
const (
	CodePerformance = "code-performance"
	CodeRefactor    = "code-refactor"
	Prompt          = "prompt"
	Text            = "text"
)

// Scene 不可变的场景定义
type Scene struct {
	Key             string
	Name            string
	DefaultCriteria string
	Strategies      [5]string
	// HasVerify / HasBenchmark 仅作提示：是否执行取决于是否配置了命令
	HasVerify    bool
	HasBenchmark bool
}

// Strategy 按索引轮转选取策略提示
func (s Scene) Strategy(i int) string {
	if i < 0 {
		i = -i
	}
	return s.Strategies[i%len(s.Strategies)]
}

var catalog = []Scene{
	{
		Key:             CodePerformance,
		Name:            "Code Performance",
		DefaultCriteria: "code-performance.md",
		HasVerify:       true,
		HasBenchmark:    true,
		Strategies: [5]string{
			"Aggressive algorithm optimization, maximize performance gains",
			"Robust improvement, avoid regressions, focus on hot paths",
			"Innovative approach, try entirely different data structures or algorithms",
			"Memory optimization first, reduce allocations and GC pressure",
			"Parallelization/async, utilize multi-core and I/O",
		},
	},
	{
		Key:             CodeRefactor,
		Name:            "Code Refactoring (YAGNI)",
		DefaultCriteria: "code-refactor.md",
		HasVerify:       true,
		Strategies: [5]string{
			"Minimalism, delete all unnecessary abstractions and indirection",
			"Merge modules, reduce file count and interfaces",
			"Flatten design, eliminate unnecessary inheritance and layers",
			"Rename first, make code self-documenting",
			"Functional style, reduce state and side effects",
		},
	},
	{
		Key:             Prompt,
		Name:            "Prompt Engineering",
		DefaultCriteria: "prompt-engineering.md",
		Strategies: [5]string{
			"Structure first, use clear sections and markdown formatting",
			"Token efficiency first, achieve best results with fewest words",
			"Constraint-driven, strengthen rules and boundary conditions",
			"Example-driven, optimize few-shot example quality",
			"Robustness first, handle edge inputs and anomalies",
		},
	},
	{
		Key:             Text,
		Name:            "Text Optimization",
		DefaultCriteria: "text-general.md",
		Strategies: [5]string{
			"Restructure, optimize overall logical architecture",
			"Refine expression, delete redundancy, every sentence counts",
			"Deepen expertise, strengthen terminology and argumentation",
			"Reader perspective, optimize readability and accessibility",
			"Creative expression, find stronger arguments and rhetoric",
		},
	},
}

// Get 按 key 查找场景
func Get(key string) (Scene, bool) {
	for _, s := range catalog {
		if s.Key == key {
			return s, true
		}
	}
	return Scene{}, false
}

// All 返回全部场景（副本）
func All() []Scene {
	return append([]Scene(nil), catalog...)
}

// Keys 返回全部场景 key
func Keys() []string {
	out := make([]string, len(catalog))
	for i, s := range catalog {
		out[i] = s.Key
	}
	return out
}

var codeExts = map[string]bool{
	".js": true, ".ts": true, ".py": true, ".java": true, ".c": true, ".cpp": true, ".go": true,
	".rs": true, ".rb": true, ".php": true, ".swift": true, ".kt": true, ".sh": true, ".bash": true,
}

// IsCodeFile 判断扩展名是否属于代码文件
func IsCodeFile(path string) bool {
	return codeExts[strings.ToLower(filepath.Ext(path))]
}

// Classify 按固定优先级判定场景（纯函数，总能返回一个 key）：
// 重构关键字 > prompt 关键字或路径 > 代码扩展名 > text。
func Classify(target, goal string) string {
	g := strings.ToLower(goal)
	switch {
	case strings.Contains(g, "yagni"), strings.Contains(g, "refactor"), strings.Contains(g, "simplif"):
		return CodeRefactor
	case strings.Contains(g, "prompt"), strings.Contains(strings.ToLower(target), "prompt"):
		return Prompt
	case IsCodeFile(target):
		return CodePerformance
	default:
		return Text
	}
}
