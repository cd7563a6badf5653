package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/pkg/es"
)

// TableRepository 表元数据存取。
type TableRepository interface {
	Upsert(ctx context.Context, table model.TableInfo) error
	GetByID(ctx context.Context, bizid, tableID string) (*model.TableInfo, error)
	List(ctx context.Context, bizid string) ([]model.TableInfo, error)
	Delete(ctx context.Context, bizid, tableID string) error
	DeleteByBizid(ctx context.Context, bizid string) error
	// SearchByVector 在指定向量字段上做相似度检索，分数已映射到 [0,1]。
	SearchByVector(ctx context.Context, bizid, vectorField string, vec []float32, topK int, minScore float64) ([]model.ScoredTable, error)
}

type tableRepository struct {
	client *elasticsearch.Client
}

// NewTableRepository 创建表元数据仓库。
func NewTableRepository(client *elasticsearch.Client) TableRepository {
	return &tableRepository{client: client}
}

func tableDocID(bizid, tableID string) string {
	return fmt.Sprintf("%s_%s", bizid, tableID)
}

func (r *tableRepository) Upsert(ctx context.Context, table model.TableInfo) error {
	if err := requireBizid(table.Bizid); err != nil {
		return err
	}
	table.UpdateTime = time.Now().Format(time.RFC3339)
	return indexDoc(ctx, r.client, es.IndexName(es.IndexTableInfo), tableDocID(table.Bizid, table.TableID), table)
}

func (r *tableRepository) GetByID(ctx context.Context, bizid, tableID string) (*model.TableInfo, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	query := map[string]interface{}{
		"size":  1,
		"query": tenantQuery(bizid, map[string]interface{}{"term": map[string]interface{}{"table_id": tableID}}),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexTableInfo), query)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	var table model.TableInfo
	if err := json.Unmarshal(hits[0].Source, &table); err != nil {
		return nil, fmt.Errorf("failed to decode table doc: %w", err)
	}
	return &table, nil
}

func (r *tableRepository) List(ctx context.Context, bizid string) ([]model.TableInfo, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	query := map[string]interface{}{
		"size":  1000,
		"query": tenantQuery(bizid),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexTableInfo), query)
	if err != nil {
		return nil, err
	}

	tables := make([]model.TableInfo, 0, len(hits))
	for _, hit := range hits {
		var table model.TableInfo
		if err := json.Unmarshal(hit.Source, &table); err != nil {
			continue
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func (r *tableRepository) Delete(ctx context.Context, bizid, tableID string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexTableInfo),
		tenantQuery(bizid, map[string]interface{}{"term": map[string]interface{}{"table_id": tableID}}))
}

func (r *tableRepository) DeleteByBizid(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexTableInfo), tenantQuery(bizid))
}

func (r *tableRepository) SearchByVector(ctx context.Context, bizid, vectorField string, vec []float32, topK int, minScore float64) ([]model.ScoredTable, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}

	base := tenantQuery(bizid, map[string]interface{}{"exists": map[string]interface{}{"field": vectorField}})
	query := vectorScoreQuery(base, vectorField, vec, topK, minScore)

	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexTableInfo), query)
	if err != nil {
		return nil, err
	}

	results := make([]model.ScoredTable, 0, len(hits))
	for _, hit := range hits {
		var table model.TableInfo
		if err := json.Unmarshal(hit.Source, &table); err != nil {
			continue
		}
		results = append(results, model.ScoredTable{Table: table, Score: hit.Score})
	}
	return results, nil
}
