package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTableRepo struct {
	repository.TableRepository
	byID map[string]*model.TableInfo
	// byField 所有租户共用，byBizField 非 nil 时按租户隔离
	byField     map[string][]model.ScoredTable
	byBizField  map[string]map[string][]model.ScoredTable
	gotVecs     map[string][]float32
	vectorCalls int
	failCalls   int
	searchErr   error
}

func (f *fakeTableRepo) GetByID(ctx context.Context, bizid, tableID string) (*model.TableInfo, error) {
	return f.byID[tableID], nil
}

func (f *fakeTableRepo) SearchByVector(ctx context.Context, bizid, vectorField string, vec []float32, topK int, minScore float64) ([]model.ScoredTable, error) {
	f.vectorCalls++
	if f.gotVecs != nil {
		f.gotVecs[vectorField] = vec
	}
	if f.searchErr != nil && (f.failCalls == 0 || f.vectorCalls <= f.failCalls) {
		return nil, f.searchErr
	}
	fields := f.byField
	if f.byBizField != nil {
		fields = f.byBizField[bizid]
	}
	out := []model.ScoredTable{}
	for _, st := range fields[vectorField] {
		if st.Score >= minScore {
			out = append(out, st)
		}
	}
	return out, nil
}

type fakeKnowledgeRepo struct {
	repository.KnowledgeRepository
	alpha         []model.ScoredKnowledge
	alphaErr      error
	beta          []model.Knowledge
	betaErr       error
	betaFailCalls int
	betaCalls     int
	all           []model.Knowledge
}

func (f *fakeKnowledgeRepo) SearchByAlphaVector(ctx context.Context, bizid string, vec []float32, topK int, minScore float64) ([]model.ScoredKnowledge, error) {
	return f.alpha, f.alphaErr
}

func (f *fakeKnowledgeRepo) MatchByKeyBeta(ctx context.Context, bizid, query string) ([]model.Knowledge, error) {
	f.betaCalls++
	if f.betaErr != nil && (f.betaFailCalls == 0 || f.betaCalls <= f.betaFailCalls) {
		return nil, f.betaErr
	}
	return f.beta, nil
}

func (f *fakeKnowledgeRepo) List(ctx context.Context, bizid string) ([]model.Knowledge, error) {
	return f.all, nil
}

type fakeDimValueRepo struct {
	repository.DimValueRepository
	results []model.ScoredDimValue
}

func (f *fakeDimValueRepo) Search(ctx context.Context, bizid string, fragments []string, tableID, fieldID string) ([]model.ScoredDimValue, error) {
	return f.results, nil
}

func tableOf(id, name string) *model.TableInfo {
	return &model.TableInfo{Bizid: "biz1", TableID: id, TableName: name}
}

func TestRecallTablesPinnedShortcut(t *testing.T) {
	tableRepo := &fakeTableRepo{byID: map[string]*model.TableInfo{"t1": tableOf("t1", "order_detail")}}
	svc := NewRecallService(tableRepo, &fakeKnowledgeRepo{}, &fakeDimValueRepo{})

	result, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
		Query:         "深圳的订单",
		PinnedTableID: "t1",
		QueryVector:   []float32{0.1, 0.2},
	})
	require.NoError(t, err)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, "t1", result.Tables[0].Table.TableID)
	assert.Equal(t, 1.0, result.Tables[0].Score)
	// 短路路径不触发任何向量检索
	assert.Equal(t, 0, tableRepo.vectorCalls)
}

func TestRecallTablesPinnedMissing(t *testing.T) {
	svc := NewRecallService(&fakeTableRepo{byID: map[string]*model.TableInfo{}}, &fakeKnowledgeRepo{}, &fakeDimValueRepo{})

	_, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{PinnedTableID: "missing"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRecallTablesAlphaBoostFusion(t *testing.T) {
	tableRepo := &fakeTableRepo{
		byID: map[string]*model.TableInfo{
			"tA": tableOf("tA", "orders"),
			"tB": tableOf("tB", "revenue"),
		},
		byField: map[string][]model.ScoredTable{
			"semantic_vector": {{Table: *tableOf("tA", "orders"), Score: 0.8}},
		},
	}
	knowledgeRepo := &fakeKnowledgeRepo{
		alpha: []model.ScoredKnowledge{
			{Knowledge: model.Knowledge{Bizid: "biz1", KnowledgeID: "k1", TableID: "tB", KeyAlpha: "营收"}, Score: 0.9},
		},
	}
	svc := NewRecallService(tableRepo, knowledgeRepo, &fakeDimValueRepo{})

	result, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
		Query:        "营收统计",
		TopK:         5,
		MinScore:     0.7,
		DeepSemantic: true,
		AlphaBoost:   0.9,
		QueryVector:  []float32{0.1},
	})
	require.NoError(t, err)
	require.Len(t, result.Tables, 2)
	// tB 的融合分 0.9*0.9=0.81 高于 tA 的直接分 0.8
	assert.Equal(t, "tB", result.Tables[0].Table.TableID)
	assert.InDelta(t, 0.81, result.Tables[0].Score, 1e-9)
	assert.Equal(t, "tA", result.Tables[1].Table.TableID)
}

func TestRecallTablesAlphaBoostBelowThreshold(t *testing.T) {
	tableRepo := &fakeTableRepo{
		byID: map[string]*model.TableInfo{"tB": tableOf("tB", "revenue")},
		byField: map[string][]model.ScoredTable{
			"semantic_vector": {{Table: *tableOf("tA", "orders"), Score: 0.8}},
		},
	}
	knowledgeRepo := &fakeKnowledgeRepo{
		alpha: []model.ScoredKnowledge{
			{Knowledge: model.Knowledge{TableID: "tB"}, Score: 0.7},
		},
	}
	svc := NewRecallService(tableRepo, knowledgeRepo, &fakeDimValueRepo{})

	result, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
		Query:        "营收",
		MinScore:     0.7,
		DeepSemantic: true,
		AlphaBoost:   0.9,
		QueryVector:  []float32{0.1},
	})
	require.NoError(t, err)
	// 加权后 0.63 低于阈值，tB 被丢弃
	require.Len(t, result.Tables, 1)
	assert.Equal(t, "tA", result.Tables[0].Table.TableID)
}

func TestRecallTablesDegradedByTag(t *testing.T) {
	tableRepo := &fakeTableRepo{byID: map[string]*model.TableInfo{"tB": tableOf("tB", "revenue")}}
	knowledgeRepo := &fakeKnowledgeRepo{
		all: []model.Knowledge{{Bizid: "biz1", TableID: "tB", KeyAlpha: "营收"}},
	}
	svc := NewRecallService(tableRepo, knowledgeRepo, &fakeDimValueRepo{})

	// 编码器不可用时退化为标签字面召回
	result, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
		Query:      "上个月的营收",
		MinScore:   0.7,
		AlphaBoost: 0.9,
	})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, "tB", result.Tables[0].Table.TableID)
	assert.Equal(t, 0, tableRepo.vectorCalls)
}

func TestRecallTablesHonorsAllowedList(t *testing.T) {
	tableRepo := &fakeTableRepo{
		byField: map[string][]model.ScoredTable{
			"semantic_vector": {
				{Table: *tableOf("tA", "orders"), Score: 0.9},
				{Table: *tableOf("tB", "revenue"), Score: 0.8},
			},
		},
	}
	svc := NewRecallService(tableRepo, &fakeKnowledgeRepo{}, &fakeDimValueRepo{})

	result, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
		Query:           "订单",
		MinScore:        0.7,
		AllowedTableIDs: []string{"tB"},
		QueryVector:     []float32{0.1},
	})
	require.NoError(t, err)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, "tB", result.Tables[0].Table.TableID)
}

func TestRecallKnowledgeBetaExactContainment(t *testing.T) {
	knowledgeRepo := &fakeKnowledgeRepo{
		beta: []model.Knowledge{
			{KnowledgeID: "k1", TableID: "t1", KeyBeta: []string{"深圳"}, Value: "深圳指深圳市全域"},
			{KnowledgeID: "k2", TableID: "t1", KeyBeta: []string{"深圳订单量"}, Value: "不应命中"},
		},
	}
	svc := NewRecallService(&fakeTableRepo{}, knowledgeRepo, &fakeDimValueRepo{})

	result := svc.RecallKnowledge(context.Background(), "biz1", "深圳的营收", nil, []string{"t1"})
	// 粗召回命中两条，精确包含只留下 key_beta 真正出现在原文里的那条
	require.Len(t, result.Beta, 1)
	assert.Equal(t, "k1", result.Beta[0].KnowledgeID)
}

func TestRecallKnowledgeDegradesPerSignal(t *testing.T) {
	knowledgeRepo := &fakeKnowledgeRepo{
		betaErr: errors.New("es down"),
		alpha:   []model.ScoredKnowledge{{Knowledge: model.Knowledge{KnowledgeID: "k1", TableID: "t1"}, Score: 0.9}},
	}
	svc := NewRecallService(&fakeTableRepo{}, knowledgeRepo, &fakeDimValueRepo{})

	result := svc.RecallKnowledge(context.Background(), "biz1", "营收", []float32{0.1}, []string{"t1"})
	// beta 失败不影响 alpha 路
	assert.True(t, result.Degraded)
	assert.Empty(t, result.Beta)
	require.Len(t, result.Alpha, 1)
}

func TestRecallDimValuesFiltersByTable(t *testing.T) {
	dimRepo := &fakeDimValueRepo{results: []model.ScoredDimValue{
		{DimValue: model.DimValue{TableID: "t1", FieldID: "f1", Value: "南山区"}, Score: 0.9},
		{DimValue: model.DimValue{TableID: "t2", FieldID: "f1", Value: "福田区"}, Score: 0.8},
	}}
	svc := NewRecallService(&fakeTableRepo{}, &fakeKnowledgeRepo{}, dimRepo)

	values := svc.RecallDimValues(context.Background(), "biz1", []string{"地区=南山"}, []string{"t1"})
	require.Len(t, values, 1)
	assert.Equal(t, "南山区", values[0].DimValue.Value)

	// 要素为空时不触发检索
	assert.Empty(t, svc.RecallDimValues(context.Background(), "biz1", nil, nil))
}

func TestRecallTablesPinnedOutsideAllowedList(t *testing.T) {
	tableRepo := &fakeTableRepo{byID: map[string]*model.TableInfo{"t1": tableOf("t1", "order_detail")}}
	svc := NewRecallService(tableRepo, &fakeKnowledgeRepo{}, &fakeDimValueRepo{})

	// 表存在但不在授权集合里，短路路径同样必须被授权过滤拦下
	_, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
		Query:           "订单",
		PinnedTableID:   "t1",
		AllowedTableIDs: []string{"t2"},
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, 0, tableRepo.vectorCalls)
}

func TestRecallTablesEntityVectorDrivesNamePass(t *testing.T) {
	tableRepo := &fakeTableRepo{
		byField: map[string][]model.ScoredTable{
			"semantic_vector": {{Table: *tableOf("tA", "orders"), Score: 0.8}},
			"name_vector":     {{Table: *tableOf("tB", "order_detail"), Score: 0.9}},
		},
		gotVecs: map[string][]float32{},
	}
	svc := NewRecallService(tableRepo, &fakeKnowledgeRepo{}, &fakeDimValueRepo{})

	queryVec := []float32{0.1}
	entityVec := []float32{0.9}
	result, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
		Query:        "订单明细",
		TopK:         5,
		MinScore:     0.7,
		DeepSemantic: true,
		AlphaBoost:   0.9,
		QueryVector:  queryVec,
		EntityVector: entityVec,
	})
	require.NoError(t, err)
	// 名称向量路用实体向量，语义与注释路仍用查询向量
	assert.Equal(t, entityVec, tableRepo.gotVecs["name_vector"])
	assert.Equal(t, queryVec, tableRepo.gotVecs["semantic_vector"])
	assert.Equal(t, queryVec, tableRepo.gotVecs["comment_vector"])
	require.Len(t, result.Tables, 2)
	assert.Equal(t, "tB", result.Tables[0].Table.TableID)
}

func TestRecallTablesTenantIsolation(t *testing.T) {
	tableRepo := &fakeTableRepo{
		byBizField: map[string]map[string][]model.ScoredTable{
			"biz1": {"semantic_vector": {{Table: model.TableInfo{Bizid: "biz1", TableID: "t1", TableName: "orders"}, Score: 0.9}}},
			"biz2": {"semantic_vector": {{Table: model.TableInfo{Bizid: "biz2", TableID: "t9", TableName: "orders"}, Score: 0.9}}},
		},
	}
	svc := NewRecallService(tableRepo, &fakeKnowledgeRepo{}, &fakeDimValueRepo{})

	// 两个租户各有同名表，召回结果只能来自请求的租户
	for bizid, want := range map[string]string{"biz1": "t1", "biz2": "t9"} {
		result, err := svc.RecallTables(context.Background(), bizid, TableRecallInput{
			Query:       "订单",
			MinScore:    0.7,
			QueryVector: []float32{0.1},
		})
		require.NoError(t, err)
		require.Len(t, result.Tables, 1)
		assert.Equal(t, want, result.Tables[0].Table.TableID)
		assert.Equal(t, bizid, result.Tables[0].Table.Bizid)
	}
}

func TestRecallTablesThresholdMonotonic(t *testing.T) {
	tableRepo := &fakeTableRepo{
		byField: map[string][]model.ScoredTable{
			"semantic_vector": {
				{Table: *tableOf("tA", "orders"), Score: 0.9},
				{Table: *tableOf("tB", "revenue"), Score: 0.75},
				{Table: *tableOf("tC", "tickets"), Score: 0.72},
			},
		},
	}
	svc := NewRecallService(tableRepo, &fakeKnowledgeRepo{}, &fakeDimValueRepo{})

	prev := -1
	for _, threshold := range []float64{0.7, 0.74, 0.8, 0.95} {
		result, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
			Query:       "订单",
			MinScore:    threshold,
			QueryVector: []float32{0.1},
		})
		require.NoError(t, err)
		// 阈值升高候选数只能不增
		if prev >= 0 {
			assert.LessOrEqual(t, len(result.Tables), prev, "threshold %v", threshold)
		}
		prev = len(result.Tables)
	}
}

func TestRecallTablesRetriesSearchOnce(t *testing.T) {
	oldDelay := searchRetryDelay
	searchRetryDelay = time.Millisecond
	defer func() { searchRetryDelay = oldDelay }()

	tableRepo := &fakeTableRepo{
		byField: map[string][]model.ScoredTable{
			"semantic_vector": {{Table: *tableOf("tA", "orders"), Score: 0.9}},
		},
		searchErr: errors.New("es timeout"),
		failCalls: 1,
	}
	svc := NewRecallService(tableRepo, &fakeKnowledgeRepo{}, &fakeDimValueRepo{})

	result, err := svc.RecallTables(context.Background(), "biz1", TableRecallInput{
		Query:       "订单",
		MinScore:    0.7,
		QueryVector: []float32{0.1},
	})
	require.NoError(t, err)
	// 第一次检索失败后补偿重试一次即成功，不进入降级
	assert.False(t, result.Degraded)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, 2, tableRepo.vectorCalls)
}

func TestRecallKnowledgeRetriesBetaOnce(t *testing.T) {
	oldDelay := searchRetryDelay
	searchRetryDelay = time.Millisecond
	defer func() { searchRetryDelay = oldDelay }()

	knowledgeRepo := &fakeKnowledgeRepo{
		betaErr:       errors.New("es timeout"),
		betaFailCalls: 1,
		beta: []model.Knowledge{
			{KnowledgeID: "k1", TableID: "t1", KeyBeta: []string{"深圳"}, Value: "深圳指深圳市全域"},
		},
	}
	svc := NewRecallService(&fakeTableRepo{}, knowledgeRepo, &fakeDimValueRepo{})

	result := svc.RecallKnowledge(context.Background(), "biz1", "深圳的营收", nil, []string{"t1"})
	require.Len(t, result.Beta, 1)
	assert.Equal(t, 2, knowledgeRepo.betaCalls)
}
