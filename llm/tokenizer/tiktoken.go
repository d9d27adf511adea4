package tokenizer

import (
	"sync"

	"github.com/BaSui01/raceflow/llm"
	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding 多数 OpenAI 兼容模型使用的编码
const DefaultEncoding = "cl100k_base"

// Tiktoken 基于 tiktoken 的计数器，首次使用时懒加载编码（可能需要下载 BPE 数据）。
type Tiktoken struct {
	encoding string
	fallback Counter

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

func NewTiktoken(encoding string, fallback Counter) *Tiktoken {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if fallback == nil {
		fallback = NewEstimator()
	}
	return &Tiktoken{encoding: encoding, fallback: fallback}
}

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	})
	return t.initErr
}

func (t *Tiktoken) Count(text string) int {
	if err := t.init(); err != nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) CountMessages(msgs []llm.Message) int {
	if err := t.init(); err != nil {
		return t.fallback.CountMessages(msgs)
	}
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += len(t.enc.Encode(m.Content, nil, nil))
		total += len(t.enc.Encode(string(m.Role), nil, nil))
	}
	return total + 3
}

// Name 返回实际生效的计数器名称
func (t *Tiktoken) Name() string {
	if err := t.init(); err != nil {
		return t.fallback.Name()
	}
	return "tiktoken:" + t.encoding
}
