package race

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const truncatedSuffix = "\n... (truncated)"

// truncate 按字符数截断并追加标记
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + truncatedSuffix
}

// tail 保留最后 max 个字符
func tail(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}

// label 按参赛位置生成稳定标签：A..Z，之后为 R27、R28...
func label(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return fmt.Sprintf("R%d", i+1)
}

func versionsBlock(versions []Version, max int) string {
	parts := make([]string, 0, len(versions))
	for _, v := range versions {
		parts = append(parts, fmt.Sprintf("### Version %s (%s)\n```\n%s\n```", v.Label, v.Model, truncate(v.Content, max)))
	}
	return strings.Join(parts, "\n\n")
}

func reviewsBlock(reviews []Review, max int) string {
	parts := make([]string, 0, len(reviews))
	for _, r := range reviews {
		parts = append(parts, fmt.Sprintf("### Reviewer %d (%s)\n%s", r.Index, r.Model, truncate(r.Content, max)))
	}
	return strings.Join(parts, "\n\n")
}

func criteriaSection(criteria string) string {
	if strings.TrimSpace(criteria) == "" {
		return ""
	}
	return "\n## Evaluation criteria\n" + criteria
}

func roundContext(round int) string {
	if round <= 1 {
		return ""
	}
	return fmt.Sprintf("\nThis is round %d. The content below is the best version from the previous round. Improve it further.", round)
}

func validVersions(vs []Version) []Version {
	out := make([]Version, 0, len(vs))
	for _, v := range vs {
		if !v.Failed {
			out = append(out, v)
		}
	}
	return out
}

func validReviews(rs []Review) []Review {
	out := make([]Review, 0, len(rs))
	for _, r := range rs {
		if !r.Failed {
			out = append(out, r)
		}
	}
	return out
}
