package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/raceflow/llm"
)

// Key 由别名、实际模型名、消息与 max_tokens 生成确定性缓存键。
// 别名参与计算，同一模型在不同别名下（不同端点）不共享缓存。
func Key(alias, model string, msgs []llm.Message, maxTokens int) string {
	payload := struct {
		Alias     string        `json:"a"`
		Model     string        `json:"m"`
		Messages  []llm.Message `json:"msgs"`
		MaxTokens int           `json:"max"`
	}{alias, model, msgs, maxTokens}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(data)
	return "raceflow:reply:" + hex.EncodeToString(sum[:16])
}
