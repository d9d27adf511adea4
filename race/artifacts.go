package race

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// artifacts 负责运行目录下的文件布局
type artifacts struct {
	dir    string
	logger *zap.Logger
}

func (a *artifacts) path(rel string) string {
	return filepath.Join(a.dir, rel)
}

func roundFile(round int, name string) string {
	return filepath.Join(fmt.Sprintf("round%d", round), name)
}

// write 写入文件，必要时创建父目录
func (a *artifacts) write(rel, content string) (string, error) {
	p := a.path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", rel, err)
	}
	return p, nil
}

// save 尽力写入中间产物，失败只记录
func (a *artifacts) save(rel, content string) {
	if _, err := a.write(rel, content); err != nil {
		a.logger.Warn("artifact not saved", zap.String("file", rel), zap.Error(err))
	}
}

func (a *artifacts) saveJSON(rel string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		a.logger.Warn("artifact not encoded", zap.String("file", rel), zap.Error(err))
		return
	}
	a.save(rel, string(data))
}
