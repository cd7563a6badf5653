package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/pkg/llm"
	"github.com/Tele-AI/nl2sql/pkg/log"
)

// Elements 要素抽取阶段的结构化输出。
type Elements struct {
	Where   []string `json:"where"`
	GroupBy []string `json:"group_by"`
	OrderBy []string `json:"order_by"`
}

// QueryParseResult 实体解析阶段的结构化输出。
type QueryParseResult struct {
	Table  string `json:"table"`
	Entity []struct {
		EntityText string `json:"entity_text"`
		EntityName string `json:"entity_name"`
		EntityType string `json:"entity_type"`
	} `json:"entity"`
}

// Text2SQLVars SQL 合成模板的变量。
type Text2SQLVars struct {
	Query             string
	Metric            string
	BusinessKnowledge string
	Synonym           string
	FieldValueInfo    string
	Fewshot           string
	Schema            string
}

func (v Text2SQLVars) toMap() map[string]string {
	return map[string]string{
		"query":              v.Query,
		"metric":             v.Metric,
		"business_knowledge": v.BusinessKnowledge,
		"synonym":            v.Synonym,
		"field_value_info":   v.FieldValueInfo,
		"fewshot":            v.Fewshot,
		"schema":             v.Schema,
	}
}

// Stages 把生成服务包装成一组离散的调用阶段。
type Stages struct {
	llmClient llm.Client
}

// NewStages 创建阶段执行器。
func NewStages(llmClient llm.Client) *Stages {
	return &Stages{llmClient: llmClient}
}

func (s *Stages) run(ctx context.Context, template string, vars map[string]string) (string, error) {
	prompt := substitute(template, vars)
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
	return s.llmClient.Complete(ctx, messages, nil)
}

const agentTimeFormat = "2006-01-02 15:04:05"

// TimeConvert 将相对时间改写为绝对时间，返回改写后的 query。
func (s *Stages) TimeConvert(ctx context.Context, template, userInput string, now time.Time) (string, error) {
	vars := map[string]string{
		"current_time":     now.Format(agentTimeFormat),
		"yesterday":        now.AddDate(0, 0, -1).Format(agentTimeFormat),
		"three_months_ago": now.AddDate(0, 0, -90).Format(agentTimeFormat),
		"last_year":        now.AddDate(0, 0, -365).Format(agentTimeFormat),
		"user_input":       userInput,
	}
	out, err := s.run(ctx, template, vars)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if idx := strings.LastIndex(out, "output:"); idx >= 0 {
		out = strings.TrimSpace(out[idx+len("output:"):])
	}
	if out == "" {
		return userInput, nil
	}
	return out, nil
}

// ExtractElements 抽取 where/group_by/order_by 要素。
func (s *Stages) ExtractElements(ctx context.Context, template, userInput string) (Elements, error) {
	var elements Elements
	out, err := s.run(ctx, template, map[string]string{"user_input": userInput})
	if err != nil {
		return elements, err
	}

	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "Sql Clauses:") {
		out = strings.TrimSpace(strings.TrimPrefix(out, "Sql Clauses:"))
	}
	if err := json.Unmarshal([]byte(out), &elements); err != nil {
		log.Infof("[Agent] 要素抽取结果解析失败: %v, text: %s", err, out)
		return Elements{}, nil
	}
	return elements, nil
}

// ParseQuery 解析 query 中的实体与表名，供深度语义检索使用。
func (s *Stages) ParseQuery(ctx context.Context, template, query string) (*QueryParseResult, error) {
	out, err := s.run(ctx, template, map[string]string{"query": query})
	if err != nil {
		return nil, err
	}

	out = strings.TrimSpace(out)
	// 容忍模型用代码块包裹 JSON
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")

	var result QueryParseResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &result); err != nil {
		return nil, errs.Wrap(errs.KindGenerationFailure, "实体解析结果不是合法 JSON", err)
	}
	return &result, nil
}

// Text2SQL 一次性合成 SQL，返回去除代码块标记后的语句。
func (s *Stages) Text2SQL(ctx context.Context, template string, vars Text2SQLVars) (string, error) {
	out, err := s.run(ctx, template, vars.toMap())
	if err != nil {
		return "", err
	}
	sql := ExtractSQL(out)
	if sql == "" {
		return "", errs.New(errs.KindGenerationFailure, "生成服务返回空 SQL")
	}
	return sql, nil
}

// Text2SQLStream 流式合成 SQL，剥除代码块标记后逐块回调 fn。
func (s *Stages) Text2SQLStream(ctx context.Context, template string, vars Text2SQLVars, fn func(chunk string) error) error {
	prompt := substitute(template, vars.toMap())
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}

	filter := &SQLStreamFilter{}
	err := s.llmClient.Stream(ctx, messages, nil, func(chunk string) error {
		for _, piece := range filter.Push(chunk) {
			if err := fn(piece); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rest := filter.Flush(); rest != "" {
		return fn(rest)
	}
	return nil
}

// Explain 用中文解释 SQL。
func (s *Stages) Explain(ctx context.Context, template, sql, tableInfo string) (string, error) {
	return s.run(ctx, template, map[string]string{"sql": sql, "table_info": tableInfo})
}

// Comment 为建表语句补充字段注释，只返回 SQL。
func (s *Stages) Comment(ctx context.Context, template, sql string) (string, error) {
	out, err := s.run(ctx, template, map[string]string{"sql": sql})
	if err != nil {
		return "", err
	}
	return ExtractSQL(out), nil
}

// Correct 修正 SQL 语法错误，hint 为外部反馈（例如执行报错），可为空。
// 输出剥除代码块标记，保证是一条完整的替换语句。
func (s *Stages) Correct(ctx context.Context, template, sql, hint string) (string, error) {
	if hint != "" {
		hint = "### 参考的错误信息\n" + hint
	}
	out, err := s.run(ctx, template, map[string]string{"sql": sql, "hint": hint})
	if err != nil {
		return "", err
	}
	corrected := ExtractSQL(out)
	if corrected == "" {
		return "", errs.New(errs.KindGenerationFailure, "修正结果为空")
	}
	return corrected, nil
}
