package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/pkg/es"
)

// SqlCaseRepository SQL 案例库存取，为生成提供 fewshot 示例。
type SqlCaseRepository interface {
	Upsert(ctx context.Context, c model.SqlCase) error
	List(ctx context.Context, bizid string) ([]model.SqlCase, error)
	Delete(ctx context.Context, bizid, caseID string) error
	DeleteByBizid(ctx context.Context, bizid string) error
	// SearchByQuery 按问题文本匹配相似案例。
	SearchByQuery(ctx context.Context, bizid, query string, topK int) ([]model.SqlCase, error)
}

type sqlCaseRepository struct {
	client *elasticsearch.Client
}

// NewSqlCaseRepository 创建 SQL 案例仓库。
func NewSqlCaseRepository(client *elasticsearch.Client) SqlCaseRepository {
	return &sqlCaseRepository{client: client}
}

func (r *sqlCaseRepository) Upsert(ctx context.Context, c model.SqlCase) error {
	if err := requireBizid(c.Bizid); err != nil {
		return err
	}
	docID := fmt.Sprintf("%s_%s", c.Bizid, c.CaseID)
	return indexDoc(ctx, r.client, es.IndexName(es.IndexSqlCases), docID, c)
}

func (r *sqlCaseRepository) List(ctx context.Context, bizid string) ([]model.SqlCase, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	query := map[string]interface{}{
		"size":  1000,
		"query": tenantQuery(bizid),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexSqlCases), query)
	if err != nil {
		return nil, err
	}
	return decodeSqlCaseHits(hits), nil
}

func (r *sqlCaseRepository) Delete(ctx context.Context, bizid, caseID string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexSqlCases),
		tenantQuery(bizid, map[string]interface{}{"term": map[string]interface{}{"case_id": caseID}}))
}

func (r *sqlCaseRepository) DeleteByBizid(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexSqlCases), tenantQuery(bizid))
}

func (r *sqlCaseRepository) SearchByQuery(ctx context.Context, bizid, query string, topK int) ([]model.SqlCase, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}

	esQuery := map[string]interface{}{
		"size": topK,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					{"term": map[string]interface{}{"bizid": bizid}},
				},
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"querys": query,
					},
				},
			},
		},
	}

	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexSqlCases), esQuery)
	if err != nil {
		return nil, err
	}
	return decodeSqlCaseHits(hits), nil
}

func decodeSqlCaseHits(hits []esHit) []model.SqlCase {
	cases := make([]model.SqlCase, 0, len(hits))
	for _, hit := range hits {
		var c model.SqlCase
		if err := json.Unmarshal(hit.Source, &c); err != nil {
			continue
		}
		cases = append(cases, c)
	}
	return cases
}
