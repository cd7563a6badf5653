package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSQL(t *testing.T) {
	// 标准代码块
	sql := ExtractSQL("解释:\n```sql\nSELECT * FROM orders;\n```\n以上。")
	assert.Equal(t, "SELECT * FROM orders;", sql)

	// 无代码块时返回去除空白的原文
	assert.Equal(t, "SELECT 1", ExtractSQL("  SELECT 1  "))

	// 空输入
	assert.Equal(t, "", ExtractSQL(""))
}

func TestSQLStreamFilterSplitMarker(t *testing.T) {
	// 起始与结束标记都被拆到多个分块中
	filter := &SQLStreamFilter{}
	chunks := []string{"```sq", "l\nSELECT * ", "FROM t;\n``", "`"}

	var out []string
	for _, c := range chunks {
		out = append(out, filter.Push(c)...)
	}
	if rest := filter.Flush(); rest != "" {
		out = append(out, rest)
	}

	assert.Equal(t, "SELECT * FROM t;", strings.TrimSpace(strings.Join(out, "")))
}

func TestSQLStreamFilterBareSQL(t *testing.T) {
	// 无代码块包裹，靠关键词识别直接放行
	filter := &SQLStreamFilter{}
	out := filter.Push("SELECT a FROM b")
	assert.Equal(t, []string{"SELECT a FROM b"}, out)
}

func TestSQLStreamFilterBuffersProse(t *testing.T) {
	// 既无标记也无关键词的短文本先缓冲，流结束时由 Flush 吐出
	filter := &SQLStreamFilter{}
	assert.Empty(t, filter.Push("这不是查询语句"))
	assert.Equal(t, "这不是查询语句", filter.Flush())
}
