package service

import (
	"context"
	"testing"

	"github.com/Tele-AI/nl2sql/internal/agent"
	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTableStore struct {
	repository.TableRepository
	byID     map[string]*model.TableInfo
	upserted []model.TableInfo
}

func (f *fakeTableStore) GetByID(ctx context.Context, bizid, tableID string) (*model.TableInfo, error) {
	return f.byID[tableID], nil
}

func (f *fakeTableStore) Upsert(ctx context.Context, table model.TableInfo) error {
	f.upserted = append(f.upserted, table)
	return nil
}

type fakeSynonymStore struct {
	repository.SynonymRepository
	existing []model.SynonymRule
	upserted []model.SynonymRule
}

func (f *fakeSynonymStore) List(ctx context.Context, bizid string) ([]model.SynonymRule, error) {
	return f.existing, nil
}

func (f *fakeSynonymStore) Upsert(ctx context.Context, rule model.SynonymRule) error {
	f.upserted = append(f.upserted, rule)
	return nil
}

type fakePromptStore struct {
	repository.PromptRepository
	prompts *model.PromptSet
}

func (f *fakePromptStore) Get(ctx context.Context, bizid string) (*model.PromptSet, error) {
	return f.prompts, nil
}

func newMetaForTest(tables *fakeTableStore, synonyms *fakeSynonymStore, prompts *fakePromptStore) MetaService {
	return NewMetaService(
		nil, tables, nil, synonyms, nil, nil, nil, prompts,
		fakeEncoder{}, false,
	)
}

func TestUpsertSynonymsRejectsForeignSecondary(t *testing.T) {
	store := &fakeSynonymStore{existing: []model.SynonymRule{
		{Bizid: "biz1", Primary: "营收", Secondary: []string{"销量"}},
	}}
	svc := newMetaForTest(nil, store, nil)

	err := svc.UpsertSynonyms(context.Background(), "biz1", []model.SynonymRule{
		{Primary: "利润", Secondary: []string{"销量"}},
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Empty(t, store.upserted)
}

func TestUpsertSynonymsSamePrimaryUpdates(t *testing.T) {
	store := &fakeSynonymStore{existing: []model.SynonymRule{
		{Bizid: "biz1", Primary: "营收", Secondary: []string{"销量"}},
	}}
	svc := newMetaForTest(nil, store, nil)

	// 同一条规则追加 secondary 是合法更新
	err := svc.UpsertSynonyms(context.Background(), "biz1", []model.SynonymRule{
		{Primary: "营收", Secondary: []string{"销量", "销售额"}},
	})
	require.NoError(t, err)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, "biz1", store.upserted[0].Bizid)
}

func TestVectorizeTable(t *testing.T) {
	table := &model.TableInfo{
		Bizid:     "biz1",
		TableID:   "t1",
		TableName: "order_detail",
		Fields:    []model.FieldDescriptor{{FieldID: "f1", Name: "order_id", Datatype: "varchar"}},
	}
	store := &fakeTableStore{byID: map[string]*model.TableInfo{"t1": table}}
	svc := newMetaForTest(store, nil, nil)

	err := svc.VectorizeTable(context.Background(), "biz1", "t1")
	require.NoError(t, err)
	require.Len(t, store.upserted, 1)

	got := store.upserted[0]
	assert.NotEmpty(t, got.SemanticVector)
	assert.NotEmpty(t, got.NameVector)
	assert.NotEmpty(t, got.FieldsVector)
	// 注释为空时不产出注释向量
	assert.Empty(t, got.CommentVector)
}

func TestVectorizeTableMissing(t *testing.T) {
	svc := newMetaForTest(&fakeTableStore{byID: map[string]*model.TableInfo{}}, nil, nil)
	err := svc.VectorizeTable(context.Background(), "biz1", "missing")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestResolvePromptsFallsBackPerField(t *testing.T) {
	custom := &model.PromptSet{Bizid: "biz1", Nl2sqlAgent: "自定义生成模板 ${query}"}
	svc := newMetaForTest(nil, nil, &fakePromptStore{prompts: custom})

	resolved := svc.ResolvePrompts(context.Background(), "biz1")
	assert.Equal(t, "自定义生成模板 ${query}", resolved.Nl2sqlAgent)
	// 未配置的条目逐项回落到默认模板
	assert.Equal(t, agent.DefaultTimeConvertPrompt, resolved.TimeConvertAgent)
	assert.Equal(t, agent.DefaultSqlCorrectPrompt, resolved.SqlCorrectAgent)
}
