package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Tele-AI/nl2sql/internal/agent"
	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/Tele-AI/nl2sql/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChatClient 固定分块回复的生成服务客户端。
// streamErr 非 nil 时在吐完 chunks 后以该错误结束流；
// completeFn 非 nil 时按提示词内容决定缓冲式回复。
type fakeChatClient struct {
	chunks     []string
	reply      string
	streamErr  error
	completeFn func(prompt string) (string, error)
}

func (f *fakeChatClient) Complete(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	if f.completeFn != nil {
		return f.completeFn(messages[len(messages)-1].Content)
	}
	return f.reply, nil
}

func (f *fakeChatClient) Stream(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams, fn func(chunk string) error) error {
	for _, c := range f.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return f.streamErr
}

type fakeEncoder struct {
	embedFn func(text string) []float32
}

func (f fakeEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(text), nil
	}
	return []float32{0.1, 0.2}, nil
}
func (fakeEncoder) Dimensions() int { return 2 }

// fakeRecall 固定候选表的召回引擎，记录每路召回的调用情况。
type fakeRecall struct {
	tables         []model.ScoredTable
	lastInput      TableRecallInput
	knowledgeCalls int
	dimCalls       int
}

func (f *fakeRecall) RecallTables(ctx context.Context, bizid string, in TableRecallInput) (TableRecallResult, error) {
	f.lastInput = in
	return TableRecallResult{Tables: f.tables}, nil
}

func (f *fakeRecall) RecallKnowledge(ctx context.Context, bizid, rawQuery string, queryVec []float32, tableIDs []string) KnowledgeRecallResult {
	f.knowledgeCalls++
	return KnowledgeRecallResult{}
}

func (f *fakeRecall) RecallDimValues(ctx context.Context, bizid string, fragments []string, tableIDs []string) []model.ScoredDimValue {
	f.dimCalls++
	return nil
}

type fakeMetaService struct {
	MetaService
	knowledges []model.Knowledge
}

func (f *fakeMetaService) ResolvePrompts(ctx context.Context, bizid string) model.PromptSet {
	return model.PromptSet{
		Bizid:               bizid,
		TimeConvertAgent:    agent.DefaultTimeConvertPrompt,
		ElementExtractAgent: agent.DefaultElementExtractPrompt,
		QueryParseAgent:     agent.DefaultQueryParsePrompt,
		Nl2sqlAgent:         agent.DefaultNl2sqlPrompt,
		SqlExplainAgent:     agent.DefaultSqlExplainPrompt,
		SqlCommentAgent:     agent.DefaultSqlCommentPrompt,
		SqlCorrectAgent:     agent.DefaultSqlCorrectPrompt,
	}
}

func (f *fakeMetaService) ListKnowledges(ctx context.Context, bizid string) ([]model.Knowledge, error) {
	return f.knowledges, nil
}

type fakeSqlCaseRepo struct {
	repository.SqlCaseRepository
}

func (f *fakeSqlCaseRepo) SearchByQuery(ctx context.Context, bizid, query string, topK int) ([]model.SqlCase, error) {
	return nil, nil
}

func newTestNl2sqlService(chat *fakeChatClient, recall RecallService) Nl2sqlService {
	defaults := testDefaults()
	return NewNl2sqlService(
		NewSettingsService(&fakeSettingsRepo{}, defaults),
		NewSynonymService(&fakeSynonymRepo{}),
		recall,
		&fakeMetaService{},
		agent.NewStages(chat),
		fakeEncoder{},
		&fakeSqlCaseRepo{},
		nil,
		defaults,
	)
}

func recallWithOneTable() *fakeRecall {
	return &fakeRecall{tables: []model.ScoredTable{
		{Table: model.TableInfo{Bizid: "biz1", TableID: "t1", TableName: "orders"}, Score: 0.9},
	}}
}

func TestStreamGenerateEventSequence(t *testing.T) {
	chat := &fakeChatClient{chunks: []string{"```sql\n", "SELECT 1", "\n```"}}
	svc := newTestNl2sqlService(chat, recallWithOneTable())

	var events []model.StreamEvent
	for e := range svc.StreamGenerate(context.Background(), model.GenerateRequest{Bizid: "biz1", Query: "订单数"}, nil) {
		events = append(events, e)
	}

	require.NotEmpty(t, events)
	// 终止事件恰好一个且位于最后
	terminals := 0
	for _, e := range events {
		if e.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	last := events[len(events)-1]
	assert.Equal(t, model.EventCompletion, last.Type)
	assert.Equal(t, "SELECT 1", last.Content)
	for _, e := range events[:len(events)-1] {
		assert.Equal(t, model.EventChunk, e.Type)
	}
}

func TestGenerateDrainsStream(t *testing.T) {
	chat := &fakeChatClient{chunks: []string{"```sql\nSELECT COUNT(*) FROM orders\n```"}}
	svc := newTestNl2sqlService(chat, recallWithOneTable())

	resp := svc.Generate(context.Background(), model.GenerateRequest{Bizid: "biz1", Query: "订单数"}, nil)
	assert.Equal(t, model.StatusSuccess, resp.Status)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", resp.Results[0].Sql)
}

func TestGenerateMissingParams(t *testing.T) {
	svc := newTestNl2sqlService(&fakeChatClient{}, recallWithOneTable())

	resp := svc.Generate(context.Background(), model.GenerateRequest{Query: "订单数"}, nil)
	assert.Equal(t, model.StatusFailed, resp.Status)
	assert.NotEmpty(t, resp.Message)
	assert.Empty(t, resp.Results)
}

func TestGenerateNoTableMatched(t *testing.T) {
	svc := newTestNl2sqlService(&fakeChatClient{}, &fakeRecall{})

	resp := svc.Generate(context.Background(), model.GenerateRequest{Bizid: "biz1", Query: "订单数"}, nil)
	assert.Equal(t, model.StatusFailed, resp.Status)
	assert.Contains(t, resp.Message, "没有匹配到任何相似的表或者指标")
}

func TestStreamGenerateCancellation(t *testing.T) {
	chat := &fakeChatClient{chunks: []string{"```sql\n", "SELECT 1", "\n```"}}
	svc := newTestNl2sqlService(chat, recallWithOneTable())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var terminals int
	for e := range svc.StreamGenerate(ctx, model.GenerateRequest{Bizid: "biz1", Query: "订单数"}, nil) {
		if e.Terminal() {
			terminals++
		}
	}
	// 通道最终关闭，终止事件至多一个
	assert.LessOrEqual(t, terminals, 1)
}

func TestQueryMetadata(t *testing.T) {
	recall := recallWithOneTable()
	defaults := testDefaults()
	meta := &fakeMetaService{knowledges: []model.Knowledge{
		{Bizid: "biz1", TableID: "t1", KeyAlpha: "营收"},
		{Bizid: "biz1", TableID: "other", KeyAlpha: "工单量"},
	}}
	svc := NewNl2sqlService(
		NewSettingsService(&fakeSettingsRepo{}, defaults),
		NewSynonymService(&fakeSynonymRepo{}),
		recall,
		meta,
		agent.NewStages(&fakeChatClient{}),
		fakeEncoder{},
		&fakeSqlCaseRepo{},
		nil,
		defaults,
	)

	resp := svc.QueryMetadata(context.Background(), model.GenerateRequest{Bizid: "biz1", Query: "营收"}, nil)
	assert.Equal(t, model.StatusSuccess, resp.Status)
	require.Len(t, resp.Tables, 1)
	assert.Equal(t, "t1", resp.Tables[0].TableID)
	// 只返回候选表关联的 alpha 标签
	assert.Equal(t, []string{"营收"}, resp.AlphaKeys)
}

func TestSqlCorrect(t *testing.T) {
	chat := &fakeChatClient{reply: "```sql\nSELECT id FROM t\n```"}
	svc := newTestNl2sqlService(chat, recallWithOneTable())

	resp := svc.SqlCorrect(context.Background(), model.SqlTransformRequest{
		Bizid: "biz1",
		Sql:   "SELECT id FORM t",
		Hint:  "Unknown keyword FORM",
	})
	assert.Equal(t, model.StatusSuccess, resp.Status)
	assert.Equal(t, "SELECT id FROM t", resp.Result)
}

func TestStreamGenerateMidStreamErrorNoRetry(t *testing.T) {
	chat := &fakeChatClient{
		chunks:    []string{"```sql\nSELECT COUNT(*)"},
		streamErr: errors.New("upstream reset"),
		reply:     "```sql\nSELECT COUNT(*) FROM orders\n```",
	}
	svc := newTestNl2sqlService(chat, recallWithOneTable())

	var events []model.StreamEvent
	var chunkConcat strings.Builder
	for e := range svc.StreamGenerate(context.Background(), model.GenerateRequest{Bizid: "biz1", Query: "订单数"}, nil) {
		events = append(events, e)
		if e.Type == model.EventChunk {
			chunkConcat.WriteString(e.Content)
		}
	}

	// 已经吐过分块的流中断时直接报错，不再补发完整 SQL 造成前缀重复
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Type)
	for _, e := range events {
		assert.NotEqual(t, model.EventCompletion, e.Type)
	}
	assert.Equal(t, 1, strings.Count(chunkConcat.String(), "SELECT COUNT(*)"))
	assert.NotContains(t, chunkConcat.String(), "FROM orders")
}

func TestStreamGenerateRetriesBeforeFirstChunk(t *testing.T) {
	chat := &fakeChatClient{
		streamErr: errors.New("upstream reset"),
		reply:     "```sql\nSELECT 1\n```",
	}
	svc := newTestNl2sqlService(chat, recallWithOneTable())

	var events []model.StreamEvent
	var chunkConcat strings.Builder
	for e := range svc.StreamGenerate(context.Background(), model.GenerateRequest{Bizid: "biz1", Query: "订单数"}, nil) {
		events = append(events, e)
		if e.Type == model.EventChunk {
			chunkConcat.WriteString(e.Content)
		}
	}

	// 尚未产出分块时允许改走缓冲式补全重试，分块拼接与终止事件内容一致
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, model.EventCompletion, last.Type)
	assert.Equal(t, "SELECT 1", last.Content)
	assert.Equal(t, last.Content, strings.TrimSpace(chunkConcat.String()))
}

func TestPrepareEmbedsParsedEntityForDeepSearch(t *testing.T) {
	deep := true
	defaults := testDefaults()
	recall := recallWithOneTable()
	chat := &fakeChatClient{
		completeFn: func(prompt string) (string, error) {
			if strings.Contains(prompt, "entity_text") {
				return `{"table":"订单表","entity":[]}`, nil
			}
			return "", nil
		},
	}
	encoder := fakeEncoder{embedFn: func(text string) []float32 {
		if text == "订单表" {
			return []float32{0.9}
		}
		return []float32{0.1, 0.2}
	}}
	svc := NewNl2sqlService(
		NewSettingsService(&fakeSettingsRepo{settings: &model.Settings{Bizid: "biz1", DeepSemanticSearch: &deep}}, defaults),
		NewSynonymService(&fakeSynonymRepo{}),
		recall,
		&fakeMetaService{},
		agent.NewStages(chat),
		encoder,
		&fakeSqlCaseRepo{},
		nil,
		defaults,
	)

	resp := svc.QueryMetadata(context.Background(), model.GenerateRequest{Bizid: "biz1", Query: "查询订单表的订单数"}, nil)
	require.Equal(t, model.StatusSuccess, resp.Status)
	// 深度语义检索下实体解析出的表名单独编码，与查询向量分开传给召回层
	assert.Equal(t, []float32{0.1, 0.2}, recall.lastInput.QueryVector)
	assert.Equal(t, []float32{0.9}, recall.lastInput.EntityVector)
}

func TestGenerateRunsBothRecallLegs(t *testing.T) {
	chat := &fakeChatClient{chunks: []string{"```sql\nSELECT 1\n```"}}
	recall := recallWithOneTable()
	svc := newTestNl2sqlService(chat, recall)

	resp := svc.Generate(context.Background(), model.GenerateRequest{Bizid: "biz1", Query: "订单数"}, nil)
	require.Equal(t, model.StatusSuccess, resp.Status)
	assert.Equal(t, 1, recall.knowledgeCalls)
	assert.Equal(t, 1, recall.dimCalls)
}

type fakeGenRecordRepo struct {
	repository.GenRecordRepository
	records []model.GenRecord
}

func (f *fakeGenRecordRepo) ListByBizid(bizid string, limit int) ([]model.GenRecord, error) {
	return f.records, nil
}

func TestListGenRecords(t *testing.T) {
	defaults := testDefaults()
	repo := &fakeGenRecordRepo{records: []model.GenRecord{{Bizid: "biz1", Query: "订单数", Sql: "SELECT 1"}}}
	svc := NewNl2sqlService(
		NewSettingsService(&fakeSettingsRepo{}, defaults),
		NewSynonymService(&fakeSynonymRepo{}),
		recallWithOneTable(),
		&fakeMetaService{},
		agent.NewStages(&fakeChatClient{}),
		fakeEncoder{},
		&fakeSqlCaseRepo{},
		repo,
		defaults,
	)

	records, err := svc.ListGenRecords("biz1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "SELECT 1", records[0].Sql)

	_, err = svc.ListGenRecords("", 10)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}
