package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/pkg/es"
)

// KnowledgeRepository 业务知识条目存取。
type KnowledgeRepository interface {
	Upsert(ctx context.Context, k model.Knowledge) error
	List(ctx context.Context, bizid string) ([]model.Knowledge, error)
	Delete(ctx context.Context, bizid, knowledgeID string) error
	DeleteByTable(ctx context.Context, bizid, tableID string) error
	DeleteByBizid(ctx context.Context, bizid string) error
	// SearchByAlphaVector 在 key_alpha 向量上做相似度检索。
	SearchByAlphaVector(ctx context.Context, bizid string, vec []float32, topK int, minScore float64) ([]model.ScoredKnowledge, error)
	// MatchByKeyBeta 粗召回 key_beta 与 query 有词面重叠的条目，
	// 精确的子串包含判断由调用方完成。
	MatchByKeyBeta(ctx context.Context, bizid, query string) ([]model.Knowledge, error)
}

type knowledgeRepository struct {
	client *elasticsearch.Client
}

// NewKnowledgeRepository 创建业务知识仓库。
func NewKnowledgeRepository(client *elasticsearch.Client) KnowledgeRepository {
	return &knowledgeRepository{client: client}
}

func (r *knowledgeRepository) Upsert(ctx context.Context, k model.Knowledge) error {
	if err := requireBizid(k.Bizid); err != nil {
		return err
	}
	docID := fmt.Sprintf("%s_%s", k.Bizid, k.KnowledgeID)
	return indexDoc(ctx, r.client, es.IndexName(es.IndexKnowledge), docID, k)
}

func (r *knowledgeRepository) List(ctx context.Context, bizid string) ([]model.Knowledge, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	query := map[string]interface{}{
		"size":  1000,
		"query": tenantQuery(bizid),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexKnowledge), query)
	if err != nil {
		return nil, err
	}
	return decodeKnowledgeHits(hits), nil
}

func (r *knowledgeRepository) Delete(ctx context.Context, bizid, knowledgeID string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexKnowledge),
		tenantQuery(bizid, map[string]interface{}{"term": map[string]interface{}{"knowledge_id": knowledgeID}}))
}

func (r *knowledgeRepository) DeleteByTable(ctx context.Context, bizid, tableID string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexKnowledge),
		tenantQuery(bizid, map[string]interface{}{"term": map[string]interface{}{"table_id": tableID}}))
}

func (r *knowledgeRepository) DeleteByBizid(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexKnowledge), tenantQuery(bizid))
}

func (r *knowledgeRepository) SearchByAlphaVector(ctx context.Context, bizid string, vec []float32, topK int, minScore float64) ([]model.ScoredKnowledge, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}

	base := tenantQuery(bizid, map[string]interface{}{"exists": map[string]interface{}{"field": "key_alpha_embedding"}})
	query := vectorScoreQuery(base, "key_alpha_embedding", vec, topK, minScore)

	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexKnowledge), query)
	if err != nil {
		return nil, err
	}

	results := make([]model.ScoredKnowledge, 0, len(hits))
	for _, hit := range hits {
		var k model.Knowledge
		if err := json.Unmarshal(hit.Source, &k); err != nil {
			continue
		}
		results = append(results, model.ScoredKnowledge{Knowledge: k, Score: hit.Score})
	}
	return results, nil
}

func (r *knowledgeRepository) MatchByKeyBeta(ctx context.Context, bizid, query string) ([]model.Knowledge, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}

	esQuery := map[string]interface{}{
		"size": 100,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					{"term": map[string]interface{}{"bizid": bizid}},
				},
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"key_beta": query,
					},
				},
			},
		},
	}

	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexKnowledge), esQuery)
	if err != nil {
		return nil, err
	}
	return decodeKnowledgeHits(hits), nil
}

func decodeKnowledgeHits(hits []esHit) []model.Knowledge {
	out := make([]model.Knowledge, 0, len(hits))
	for _, hit := range hits {
		var k model.Knowledge
		if err := json.Unmarshal(hit.Source, &k); err != nil {
			continue
		}
		out = append(out, k)
	}
	return out
}
