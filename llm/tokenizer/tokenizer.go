// Package tokenizer 估算 token 数，用于 Provider 未返回 usage 时补全用量统计。
package tokenizer

import "github.com/BaSui01/raceflow/llm"

// Counter token 计数接口
type Counter interface {
	Count(text string) int
	CountMessages(msgs []llm.Message) int
	Name() string
}

// messageOverhead 每条消息的角色标记与分隔符开销
const messageOverhead = 4

// New 返回 tiktoken 计数器；编码数据不可用时自动回退到字符估算。
func New(encoding string) Counter {
	return NewTiktoken(encoding, NewEstimator())
}

// FillUsage 在 usage 为空时按请求与回复估算 token 数
func FillUsage(c Counter, usage llm.ChatUsage, prompt []llm.Message, completion string) llm.ChatUsage {
	if !usage.IsZero() || c == nil {
		return usage
	}
	usage.PromptTokens = c.CountMessages(prompt)
	usage.CompletionTokens = c.Count(completion)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}
