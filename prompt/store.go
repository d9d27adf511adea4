// Package prompt 管理流水线各阶段的提示词模板与评分标准。
// 内置模板通过 embed 打包，可用目录覆盖同名文件。
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed templates/*.md criteria/*.md
var embedded embed.FS

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrSectionNotFound  = errors.New("template section not found")
	ErrCriteriaNotFound = errors.New("criteria not found")
)

// Store 模板存储
type Store struct {
	templates map[string]*Template
	sources   []fs.FS // criteria 查找顺序：覆盖目录优先
	logger    *zap.Logger
}

// NewStore 加载内置模板；dir 非空时其中的 <name>.md 覆盖同名模板，
// dir/criteria/<ref>.md 覆盖同名评分标准。
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		templates: make(map[string]*Template),
		logger:    logger.With(zap.String("component", "prompt_store")),
	}

	builtin, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	if err := s.load(builtin); err != nil {
		return nil, fmt.Errorf("load builtin templates: %w", err)
	}
	criteria, err := fs.Sub(embedded, "criteria")
	if err != nil {
		return nil, err
	}

	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("templates dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("templates dir %s is not a directory", dir)
		}
		override := os.DirFS(dir)
		if err := s.load(override); err != nil {
			return nil, fmt.Errorf("load templates from %s: %w", dir, err)
		}
		if sub, err := fs.Sub(override, "criteria"); err == nil {
			s.sources = append(s.sources, sub)
		}
	}
	s.sources = append(s.sources, criteria)
	return s, nil
}

func (s *Store) load(fsys fs.FS) error {
	files, err := fs.Glob(fsys, "*.md")
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(f, ".md")
		s.templates[name] = Parse(name, string(data))
		s.logger.Debug("template loaded", zap.String("name", name))
	}
	return nil
}

// Names 返回所有模板名（排序）
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.templates))
	for n := range s.templates {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Template 返回解析后的模板
func (s *Store) Template(name string) (*Template, error) {
	t, ok := s.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return t, nil
}

// Render 渲染完整模板
func (s *Store) Render(name string, vars Vars) (string, error) {
	t, err := s.Template(name)
	if err != nil {
		return "", err
	}
	return t.Render(vars), nil
}

// Section 渲染指定 section；section 缺失时记录警告并退回完整模板。
func (s *Store) Section(name, key string, vars Vars) (string, error) {
	t, err := s.Template(name)
	if err != nil {
		return "", err
	}
	if text, ok := t.Section(key, vars); ok {
		return text, nil
	}
	s.logger.Warn("template section not found, using whole template",
		zap.String("template", name),
		zap.String("section", key),
	)
	return t.Render(vars), nil
}

// Require 校验模板存在且包含全部 section
func (s *Store) Require(name string, keys ...string) error {
	t, err := s.Template(name)
	if err != nil {
		return err
	}
	var missing []string
	for _, k := range keys {
		if _, ok := t.sections[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s missing %s", ErrSectionNotFound, name, strings.Join(missing, ", "))
	}
	return nil
}

// Criteria 按引用名读取评分标准（"code-performance" 或 "code-performance.md"）
func (s *Store) Criteria(ref string) (string, error) {
	name := path.Base(strings.TrimSpace(ref))
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("%w: %q", ErrCriteriaNotFound, ref)
	}
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	for _, src := range s.sources {
		data, err := fs.ReadFile(src, name)
		if err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCriteriaNotFound, ref)
}
