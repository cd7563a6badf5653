package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/pkg/es"
)

// SettingsRepository 租户级参数存取，一个租户一条记录。
type SettingsRepository interface {
	Update(ctx context.Context, s model.Settings) error
	Get(ctx context.Context, bizid string) (*model.Settings, error)
	DeleteByBizid(ctx context.Context, bizid string) error
}

type settingsRepository struct {
	client *elasticsearch.Client
}

// NewSettingsRepository 创建租户参数仓库。
func NewSettingsRepository(client *elasticsearch.Client) SettingsRepository {
	return &settingsRepository{client: client}
}

func (r *settingsRepository) Update(ctx context.Context, s model.Settings) error {
	if err := requireBizid(s.Bizid); err != nil {
		return err
	}
	return indexDoc(ctx, r.client, es.IndexName(es.IndexSettings), s.Bizid, s)
}

func (r *settingsRepository) Get(ctx context.Context, bizid string) (*model.Settings, error) {
	if err := requireBizid(bizid); err != nil {
		return nil, err
	}
	query := map[string]interface{}{
		"size":  1,
		"query": tenantQuery(bizid),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexSettings), query)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	var s model.Settings
	if err := json.Unmarshal(hits[0].Source, &s); err != nil {
		return nil, fmt.Errorf("failed to decode settings doc: %w", err)
	}
	return &s, nil
}

func (r *settingsRepository) DeleteByBizid(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexSettings), tenantQuery(bizid))
}
