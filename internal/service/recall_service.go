package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/Tele-AI/nl2sql/pkg/log"
)

// knowledgeFetchSize 知识向量检索的单次取回窗口。
const knowledgeFetchSize = 50

// TableRecallInput 表召回入参。QueryVector 由编排层统一计算后传入，
// 为 nil 时表示编码器不可用，走降级的字面/标签召回。
// EntityVector 是实体解析出的表名向量，深度语义检索时用于名称向量路。
type TableRecallInput struct {
	Query           string
	PinnedTableID   string
	TopK            int
	MinScore        float64
	DeepSemantic    bool
	AlphaBoost      float64
	AllowedTableIDs []string
	QueryVector     []float32
	EntityVector    []float32
}

// TableRecallResult 表召回结果。
type TableRecallResult struct {
	Tables   []model.ScoredTable
	Alpha    []model.ScoredKnowledge
	Degraded bool
}

// KnowledgeRecallResult 知识召回结果，Alpha 走向量相似，Beta 走字面包含。
type KnowledgeRecallResult struct {
	Alpha    []model.ScoredKnowledge
	Beta     []model.Knowledge
	Degraded bool
}

// RecallService 融合向量、标签与字面信号，产出按分排序去重的候选集。
type RecallService interface {
	RecallTables(ctx context.Context, bizid string, in TableRecallInput) (TableRecallResult, error)
	RecallKnowledge(ctx context.Context, bizid, rawQuery string, queryVec []float32, tableIDs []string) KnowledgeRecallResult
	RecallDimValues(ctx context.Context, bizid string, fragments []string, tableIDs []string) []model.ScoredDimValue
}

type recallService struct {
	tableRepo     repository.TableRepository
	knowledgeRepo repository.KnowledgeRepository
	dimValueRepo  repository.DimValueRepository
}

// NewRecallService 创建召回引擎。
func NewRecallService(tableRepo repository.TableRepository, knowledgeRepo repository.KnowledgeRepository, dimValueRepo repository.DimValueRepository) RecallService {
	return &recallService{
		tableRepo:     tableRepo,
		knowledgeRepo: knowledgeRepo,
		dimValueRepo:  dimValueRepo,
	}
}

// RecallTables 表召回。
// 显式指定 table_id 时短路返回该表，分数 1.0，不触发任何向量检索；
// 指定的表无法解析则整个请求硬失败。
// 融合规则：fused(table) = max(直接相似分, AlphaBoost * alpha知识分)。
func (s *recallService) RecallTables(ctx context.Context, bizid string, in TableRecallInput) (TableRecallResult, error) {
	if in.PinnedTableID != "" {
		// 授权过滤对短路路径同样生效，越权指定的表与不存在的表同等拒绝
		if len(in.AllowedTableIDs) > 0 && !toSet(in.AllowedTableIDs)[in.PinnedTableID] {
			return TableRecallResult{}, errs.Newf(errs.KindValidation, "指定的 table_id 不在授权范围内: %s", in.PinnedTableID)
		}
		table, err := s.tableRepo.GetByID(ctx, bizid, in.PinnedTableID)
		if err != nil {
			return TableRecallResult{}, err
		}
		if table == nil {
			return TableRecallResult{}, errs.Newf(errs.KindValidation, "指定的 table_id 不存在: %s", in.PinnedTableID)
		}
		return TableRecallResult{Tables: []model.ScoredTable{{Table: *table, Score: 1.0}}}, nil
	}

	if in.TopK <= 0 {
		in.TopK = 5
	}

	var (
		direct   []model.ScoredTable
		alpha    []model.ScoredKnowledge
		degraded bool
	)

	if in.QueryVector != nil {
		var err error
		direct, err = s.searchTablesWithRetry(ctx, bizid, "semantic_vector", in.QueryVector, in.TopK, in.MinScore)
		if err != nil {
			log.Warnf("[RecallService] 语义向量召回失败，降级为字面召回: %v", err)
			degraded = true
		}

		if in.DeepSemantic && !degraded {
			// 深度语义：名称向量路优先用实体解析出的表名向量，注释向量路仍用原始查询向量，
			// 两路结果按最大分合并
			nameVec := in.QueryVector
			if in.EntityVector != nil {
				nameVec = in.EntityVector
			}
			passes := []struct {
				field string
				vec   []float32
			}{
				{"name_vector", nameVec},
				{"comment_vector", in.QueryVector},
			}
			for _, p := range passes {
				extra, err := s.searchTablesWithRetry(ctx, bizid, p.field, p.vec, in.TopK, in.MinScore)
				if err != nil {
					log.Warnf("[RecallService] %s 召回失败: %v", p.field, err)
					continue
				}
				direct = mergeScoredTables(direct, extra)
			}
		}

		if in.DeepSemantic {
			var err error
			alpha, err = s.searchAlphaWithRetry(ctx, bizid, in.QueryVector, in.TopK, in.MinScore)
			if err != nil {
				log.Warnf("[RecallService] alpha 标签向量召回失败: %v", err)
			}
		}
	} else {
		degraded = true
	}

	if degraded {
		// 编码器或索引不可用：退化为 key_alpha 字面包含召回
		alpha = s.alphaTextRecall(ctx, bizid, in.Query)
	}

	fused := s.fuseAlphaBoost(ctx, bizid, direct, alpha, in.AlphaBoost, in.MinScore)
	fused = filterAllowedTables(fused, in.AllowedTableIDs)

	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	if len(fused) > in.TopK {
		fused = fused[:in.TopK]
	}

	return TableRecallResult{Tables: fused, Alpha: alpha, Degraded: degraded}, nil
}

// searchRetryDelay 幂等读失败后补偿重试前的等待时间。
var searchRetryDelay = 100 * time.Millisecond

// retryWait 等待一个补偿间隔，ctx 已取消时返回 false。
func retryWait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(searchRetryDelay):
		return true
	}
}

// searchTablesWithRetry 表向量检索，失败后带退避重试一次。检索是幂等读。
func (s *recallService) searchTablesWithRetry(ctx context.Context, bizid, field string, vec []float32, topK int, minScore float64) ([]model.ScoredTable, error) {
	out, err := s.tableRepo.SearchByVector(ctx, bizid, field, vec, topK, minScore)
	if err == nil || !retryWait(ctx) {
		return out, err
	}
	return s.tableRepo.SearchByVector(ctx, bizid, field, vec, topK, minScore)
}

// searchAlphaWithRetry alpha 知识向量检索，失败后带退避重试一次。
func (s *recallService) searchAlphaWithRetry(ctx context.Context, bizid string, vec []float32, topK int, minScore float64) ([]model.ScoredKnowledge, error) {
	out, err := s.knowledgeRepo.SearchByAlphaVector(ctx, bizid, vec, topK, minScore)
	if err == nil || !retryWait(ctx) {
		return out, err
	}
	return s.knowledgeRepo.SearchByAlphaVector(ctx, bizid, vec, topK, minScore)
}

// fuseAlphaBoost 以 max(direct, boost*alphaScore) 融合两路信号并按 table_id 去重。
func (s *recallService) fuseAlphaBoost(ctx context.Context, bizid string, direct []model.ScoredTable, alpha []model.ScoredKnowledge, boost, minScore float64) []model.ScoredTable {
	byID := make(map[string]model.ScoredTable, len(direct))
	for _, st := range direct {
		if exist, ok := byID[st.Table.TableID]; !ok || st.Score > exist.Score {
			byID[st.Table.TableID] = st
		}
	}

	for _, k := range alpha {
		boosted := boost * k.Score
		if boosted < minScore {
			continue
		}
		if exist, ok := byID[k.Knowledge.TableID]; ok {
			if boosted > exist.Score {
				exist.Score = boosted
				byID[k.Knowledge.TableID] = exist
			}
			continue
		}
		table, err := s.tableRepo.GetByID(ctx, bizid, k.Knowledge.TableID)
		if err != nil || table == nil {
			// 所属表可能已被并发删除，按可丢弃的降级结果处理
			log.Warnf("[RecallService] alpha 知识指向的表不可用, table_id: %s", k.Knowledge.TableID)
			continue
		}
		byID[table.TableID] = model.ScoredTable{Table: *table, Score: boosted}
	}

	out := make([]model.ScoredTable, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	return out
}

// alphaTextRecall key_alpha 出现在 query 中即命中，权重记满分。
func (s *recallService) alphaTextRecall(ctx context.Context, bizid, query string) []model.ScoredKnowledge {
	knowledges, err := s.knowledgeRepo.List(ctx, bizid)
	if err != nil {
		log.Warnf("[RecallService] 降级召回读取知识失败: %v", err)
		return nil
	}
	matched := []model.ScoredKnowledge{}
	for _, k := range knowledges {
		if k.KeyAlpha != "" && strings.Contains(query, k.KeyAlpha) {
			matched = append(matched, model.ScoredKnowledge{Knowledge: k, Score: 1.0})
		}
	}
	return matched
}

// RecallKnowledge 知识召回：beta 走字面包含，alpha 走向量相似。
// 任一信号失败不影响另一路，整体请求不失败。
func (s *recallService) RecallKnowledge(ctx context.Context, bizid, rawQuery string, queryVec []float32, tableIDs []string) KnowledgeRecallResult {
	result := KnowledgeRecallResult{}

	candidates, err := s.knowledgeRepo.MatchByKeyBeta(ctx, bizid, rawQuery)
	if err != nil && retryWait(ctx) {
		candidates, err = s.knowledgeRepo.MatchByKeyBeta(ctx, bizid, rawQuery)
	}
	if err != nil {
		log.Warnf("[RecallService] key_beta 粗召回失败: %v", err)
		result.Degraded = true
	}
	// 精确包含判断：粗召回的词面重叠不足以命中
	for _, k := range candidates {
		for _, beta := range k.KeyBeta {
			if beta != "" && strings.Contains(rawQuery, beta) {
				result.Beta = append(result.Beta, k)
				break
			}
		}
	}

	if queryVec != nil {
		// knowledgeFetchSize 只是单次检索的取回窗口，条数裁剪由下游按提示词长度完成
		alpha, err := s.searchAlphaWithRetry(ctx, bizid, queryVec, knowledgeFetchSize, 0)
		if err != nil {
			log.Warnf("[RecallService] alpha 向量召回失败: %v", err)
			result.Degraded = true
		} else {
			result.Alpha = alpha
		}
	} else {
		result.Degraded = true
	}

	if len(tableIDs) > 0 {
		allowed := toSet(tableIDs)
		result.Beta = filterKnowledgeByTable(result.Beta, allowed)
		result.Alpha = filterScoredKnowledgeByTable(result.Alpha, allowed)
	}
	return result
}

// RecallDimValues 维值召回，失败时返回空集而不是失败整个请求。
func (s *recallService) RecallDimValues(ctx context.Context, bizid string, fragments []string, tableIDs []string) []model.ScoredDimValue {
	if len(fragments) == 0 {
		return nil
	}
	values, err := s.dimValueRepo.Search(ctx, bizid, fragments, "", "")
	if err != nil {
		log.Warnf("[RecallService] 维值召回失败: %v", err)
		return nil
	}
	if len(tableIDs) > 0 {
		allowed := toSet(tableIDs)
		filtered := values[:0]
		for _, v := range values {
			if allowed[v.DimValue.TableID] {
				filtered = append(filtered, v)
			}
		}
		values = filtered
	}
	sort.SliceStable(values, func(i, j int) bool { return values[i].Score > values[j].Score })
	return values
}

func mergeScoredTables(a, b []model.ScoredTable) []model.ScoredTable {
	byID := make(map[string]model.ScoredTable, len(a)+len(b))
	order := []string{}
	for _, st := range append(append([]model.ScoredTable{}, a...), b...) {
		if exist, ok := byID[st.Table.TableID]; !ok {
			byID[st.Table.TableID] = st
			order = append(order, st.Table.TableID)
		} else if st.Score > exist.Score {
			byID[st.Table.TableID] = st
		}
	}
	out := make([]model.ScoredTable, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func filterAllowedTables(tables []model.ScoredTable, allowed []string) []model.ScoredTable {
	if len(allowed) == 0 {
		return tables
	}
	set := toSet(allowed)
	out := tables[:0]
	for _, st := range tables {
		if set[st.Table.TableID] {
			out = append(out, st)
		}
	}
	return out
}

func filterKnowledgeByTable(ks []model.Knowledge, allowed map[string]bool) []model.Knowledge {
	out := ks[:0]
	for _, k := range ks {
		if allowed[k.TableID] {
			out = append(out, k)
		}
	}
	return out
}

func filterScoredKnowledgeByTable(ks []model.ScoredKnowledge, allowed map[string]bool) []model.ScoredKnowledge {
	out := ks[:0]
	for _, k := range ks {
		if allowed[k.Knowledge.TableID] {
			out = append(out, k)
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
