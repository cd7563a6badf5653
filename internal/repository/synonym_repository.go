package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/pkg/es"
)

// SynonymRepository 同义词规则存取。
type SynonymRepository interface {
	Upsert(ctx context.Context, rule model.SynonymRule) error
	List(ctx context.Context, bizid string) ([]model.SynonymRule, error)
	Delete(ctx context.Context, bizid, primary string) error
	DeleteByBizid(ctx context.Context, bizid string) error
}

type synonymRepository struct {
	client *elasticsearch.Client
}

// NewSynonymRepository 创建同义词仓库。
func NewSynonymRepository(client *elasticsearch.Client) SynonymRepository {
	return &synonymRepository{client: client}
}

func (r *synonymRepository) Upsert(ctx context.Context, rule model.SynonymRule) error {
	if err := requireBizid(rule.Bizid); err != nil {
		return err
	}
	docID := fmt.Sprintf("%s_%s", rule.Bizid, rule.Primary)
	return indexDoc(ctx, r.client, es.IndexName(es.IndexSynonym), docID, rule)
}

func (r *synonymRepository) List(ctx context.Context, bizid string) ([]model.SynonymRule, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	query := map[string]interface{}{
		"size":  1000,
		"query": tenantQuery(bizid),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexSynonym), query)
	if err != nil {
		return nil, err
	}
	rules := make([]model.SynonymRule, 0, len(hits))
	for _, hit := range hits {
		var rule model.SynonymRule
		if err := json.Unmarshal(hit.Source, &rule); err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (r *synonymRepository) Delete(ctx context.Context, bizid, primary string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexSynonym),
		tenantQuery(bizid, map[string]interface{}{"term": map[string]interface{}{"primary": primary}}))
}

func (r *synonymRepository) DeleteByBizid(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexSynonym), tenantQuery(bizid))
}
