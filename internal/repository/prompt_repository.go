package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/pkg/es"
)

// PromptRepository 租户级提示词模板存取，一个租户一条记录。
type PromptRepository interface {
	Update(ctx context.Context, p model.PromptSet) error
	Get(ctx context.Context, bizid string) (*model.PromptSet, error)
	DeleteByBizid(ctx context.Context, bizid string) error
}

type promptRepository struct {
	client *elasticsearch.Client
}

// NewPromptRepository 创建提示词模板仓库。
func NewPromptRepository(client *elasticsearch.Client) PromptRepository {
	return &promptRepository{client: client}
}

func (r *promptRepository) Update(ctx context.Context, p model.PromptSet) error {
	if err := requireBizid(p.Bizid); err != nil {
		return err
	}
	return indexDoc(ctx, r.client, es.IndexName(es.IndexPrompt), p.Bizid, p)
}

func (r *promptRepository) Get(ctx context.Context, bizid string) (*model.PromptSet, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	query := map[string]interface{}{
		"size":  1,
		"query": tenantQuery(bizid),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexPrompt), query)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	var p model.PromptSet
	if err := json.Unmarshal(hits[0].Source, &p); err != nil {
		return nil, fmt.Errorf("failed to decode prompt doc: %w", err)
	}
	return &p, nil
}

func (r *promptRepository) DeleteByBizid(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexPrompt), tenantQuery(bizid))
}
