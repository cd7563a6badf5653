package repository

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/pkg/es"
)

// DimValueRepository 维值存取，检索走模糊匹配，用于 SQL 字面量归一。
type DimValueRepository interface {
	Upsert(ctx context.Context, v model.DimValue) error
	List(ctx context.Context, bizid string) ([]model.DimValue, error)
	Delete(ctx context.Context, bizid, tableID, fieldID string) error
	DeleteByTable(ctx context.Context, bizid, tableID string) error
	DeleteByBizid(ctx context.Context, bizid string) error
	// Search 对每个片段做模糊匹配，tableID/fieldID 非空时收窄范围。
	Search(ctx context.Context, bizid string, fragments []string, tableID, fieldID string) ([]model.ScoredDimValue, error)
}

type dimValueRepository struct {
	client *elasticsearch.Client
}

// NewDimValueRepository 创建维值仓库。
func NewDimValueRepository(client *elasticsearch.Client) DimValueRepository {
	return &dimValueRepository{client: client}
}

func dimValueDocID(v model.DimValue) string {
	sum := sha1.Sum([]byte(v.Value))
	return fmt.Sprintf("%s_%s_%s_%s", v.Bizid, v.TableID, v.FieldID, hex.EncodeToString(sum[:8]))
}

func (r *dimValueRepository) Upsert(ctx context.Context, v model.DimValue) error {
	if err := requireBizid(v.Bizid); err != nil {
		return err
	}
	return indexDoc(ctx, r.client, es.IndexName(es.IndexDimValues), dimValueDocID(v), v)
}

func (r *dimValueRepository) List(ctx context.Context, bizid string) ([]model.DimValue, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	query := map[string]interface{}{
		"size":  1000,
		"query": tenantQuery(bizid),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexDimValues), query)
	if err != nil {
		return nil, err
	}
	values := make([]model.DimValue, 0, len(hits))
	for _, hit := range hits {
		var v model.DimValue
		if err := json.Unmarshal(hit.Source, &v); err != nil {
			continue
		}
		values = append(values, v)
	}
	return values, nil
}

func (r *dimValueRepository) Delete(ctx context.Context, bizid, tableID, fieldID string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	extra := []map[string]interface{}{
		{"term": map[string]interface{}{"table_id": tableID}},
	}
	if fieldID != "" {
		extra = append(extra, map[string]interface{}{"term": map[string]interface{}{"field_id": fieldID}})
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexDimValues), tenantQuery(bizid, extra...))
}

func (r *dimValueRepository) DeleteByTable(ctx context.Context, bizid, tableID string) error {
	return r.Delete(ctx, bizid, tableID, "")
}

func (r *dimValueRepository) DeleteByBizid(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexDimValues), tenantQuery(bizid))
}

func (r *dimValueRepository) Search(ctx context.Context, bizid string, fragments []string, tableID, fieldID string) ([]model.ScoredDimValue, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	text := strings.Join(fragments, " ")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	extra := []map[string]interface{}{}
	if tableID != "" {
		extra = append(extra, map[string]interface{}{"term": map[string]interface{}{"table_id": tableID}})
	}
	if fieldID != "" {
		extra = append(extra, map[string]interface{}{"term": map[string]interface{}{"field_id": fieldID}})
	}

	esQuery := map[string]interface{}{
		"size": 50,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": append([]map[string]interface{}{
					{"term": map[string]interface{}{"bizid": bizid}},
				}, extra...),
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"value": map[string]interface{}{
							"query":     text,
							"fuzziness": "AUTO",
						},
					},
				},
			},
		},
	}

	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexDimValues), esQuery)
	if err != nil {
		return nil, err
	}

	results := make([]model.ScoredDimValue, 0, len(hits))
	for _, hit := range hits {
		var v model.DimValue
		if err := json.Unmarshal(hit.Source, &v); err != nil {
			continue
		}
		results = append(results, model.ScoredDimValue{DimValue: v, Score: hit.Score})
	}
	return results, nil
}
