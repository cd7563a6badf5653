package agent

import (
	"regexp"
	"strings"
)

var sqlBlockPattern = regexp.MustCompile("(?s)```sql\\s+(.*?)\\s*```")

// ExtractSQL 从模型输出中提取 markdown sql 代码块。
// 没有代码块时返回去除首尾空白的原文。
func ExtractSQL(text string) string {
	matches := sqlBlockPattern.FindStringSubmatch(text)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return strings.TrimSpace(text)
}

const (
	sqlStartMarker = "```sql"
	sqlEndMarker   = "```"
)

// sqlKeywords 无代码块包裹时判断内容是否像 SQL 的信号词。
var sqlKeywords = []string{"SELECT", "FROM", "WHERE", "GROUP BY", "ORDER BY", "LIMIT", "JOIN"}

// SQLStreamFilter 增量剥除流式输出中的 ```sql 代码块标记。
// 分块推入原始内容，产出干净的 SQL 片段。
type SQLStreamFilter struct {
	buffer      string
	insideBlock bool
}

// Push 处理一个上游分块，返回可下发的内容（可能为空）。
func (f *SQLStreamFilter) Push(content string) []string {
	f.buffer += content
	var out []string

	for {
		switch {
		case !f.insideBlock && strings.Contains(f.buffer, sqlStartMarker):
			parts := strings.SplitN(f.buffer, sqlStartMarker, 2)
			f.insideBlock = true
			f.buffer = parts[1]
		case f.insideBlock && strings.Contains(f.buffer, sqlEndMarker):
			parts := strings.SplitN(f.buffer, sqlEndMarker, 2)
			if parts[0] != "" {
				out = append(out, parts[0])
			}
			f.insideBlock = false
			f.buffer = parts[1]
		case f.insideBlock:
			// 块内内容直接放行，但保留可能是结束标记前缀的尾部
			emit, keep := splitTrailingMarker(f.buffer, sqlEndMarker)
			if emit != "" {
				out = append(out, emit)
			}
			f.buffer = keep
			return out
		default:
			// 块外：包含 SQL 关键词或积压过长时放行，否则等待更多内容
			if containsSQLKeyword(f.buffer) || len(f.buffer) > 100 {
				if _, keep := splitTrailingMarker(f.buffer, sqlStartMarker); keep == "" {
					out = append(out, f.buffer)
					f.buffer = ""
				}
			}
			return out
		}
	}
}

// Flush 流结束时清空缓冲区。
func (f *SQLStreamFilter) Flush() string {
	buffer := f.buffer
	f.buffer = ""
	return buffer
}

// splitTrailingMarker 将尾部可能是 marker 前缀的部分留在缓冲区。
func splitTrailingMarker(s, marker string) (emit, keep string) {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return s[:len(s)-n], s[len(s)-n:]
		}
	}
	return s, ""
}

func containsSQLKeyword(s string) bool {
	upper := strings.ToUpper(s)
	for _, kw := range sqlKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}
