package prompt

import (
	"regexp"
	"strings"
)

var (
	// 顶层 section 标记：行首 "## KEY"，KEY 为大写标识符
	markerRe = regexp.MustCompile(`^## ([A-Z][A-Z0-9_]+)\s*$`)
	varRe    = regexp.MustCompile(`%([A-Z][A-Z0-9_]*)%`)
)

// Vars 模板变量，缺失的变量替换为空串
type Vars map[string]string

// Template 解析后的模板。section 在加载时切分一次，变量在提取之后才替换，
// 替换进来的内容不可能再引入新的 section 标记。
type Template struct {
	Name     string
	Raw      string
	sections map[string]string
	keys     []string
}

// Parse 将原始文本切分为 section 表
func Parse(name, raw string) *Template {
	t := &Template{Name: name, Raw: raw, sections: make(map[string]string)}

	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	key := ""
	var body []string
	flush := func() {
		if key == "" {
			return
		}
		if _, dup := t.sections[key]; !dup {
			t.sections[key] = cleanSection(body)
			t.keys = append(t.keys, key)
		}
	}
	for _, line := range lines {
		if m := markerRe.FindStringSubmatch(line); m != nil {
			flush()
			key, body = m[1], nil
			continue
		}
		if key != "" {
			body = append(body, line)
		}
	}
	flush()
	return t
}

// cleanSection 去掉结尾的空行与水平分隔线（---、***、___），再整体 trim
func cleanSection(lines []string) string {
	end := len(lines)
	for end > 0 {
		s := strings.TrimSpace(lines[end-1])
		if s == "" || isRule(s) {
			end--
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines[:end], "\n"))
}

func isRule(s string) bool {
	return s == "---" || s == "***" || s == "___"
}

// Keys 按出现顺序返回 section 名
func (t *Template) Keys() []string {
	return append([]string(nil), t.keys...)
}

// Section 返回替换变量后的 section；不存在时 ok=false
func (t *Template) Section(key string, vars Vars) (string, bool) {
	body, ok := t.sections[key]
	if !ok {
		return "", false
	}
	return Substitute(body, vars), true
}

// Render 返回替换变量后的完整模板
func (t *Template) Render(vars Vars) string {
	return strings.TrimSpace(Substitute(t.Raw, vars))
}

// Substitute 单遍替换 %VAR%，替换结果不会被再次展开
func Substitute(text string, vars Vars) string {
	return varRe.ReplaceAllStringFunc(text, func(m string) string {
		return vars[m[1:len(m)-1]]
	})
}
