package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/pkg/es"
)

// BusinessRepository 业务域存取。删除业务域不在这里做级联，
// 级联清理由上层服务协调各实体仓库完成。
type BusinessRepository interface {
	Create(ctx context.Context, bizid string) error
	Exists(ctx context.Context, bizid string) (bool, error)
	List(ctx context.Context) ([]model.Business, error)
	Delete(ctx context.Context, bizid string) error
}

type businessRepository struct {
	client *elasticsearch.Client
}

// NewBusinessRepository 创建业务域仓库。
func NewBusinessRepository(client *elasticsearch.Client) BusinessRepository {
	return &businessRepository{client: client}
}

func (r *businessRepository) Create(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	biz := model.Business{
		Bizid:      bizid,
		CreateTime: time.Now().Format(time.RFC3339),
	}
	return indexDoc(ctx, r.client, es.IndexName(es.IndexBusiness), bizid, biz)
}

func (r *businessRepository) Exists(ctx context.Context, bizid string) (bool, error) {
	if err := requireBizid(bizid); err != nil {
		return false, err
	}
	query := map[string]interface{}{
		"size":  1,
		"query": tenantQuery(bizid),
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexBusiness), query)
	if err != nil {
		return false, err
	}
	return len(hits) > 0, nil
}

func (r *businessRepository) List(ctx context.Context) ([]model.Business, error) {
	query := map[string]interface{}{
		"size":  1000,
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
	}
	hits, err := searchIndex(ctx, r.client, es.IndexName(es.IndexBusiness), query)
	if err != nil {
		return nil, err
	}
	bizs := make([]model.Business, 0, len(hits))
	for _, hit := range hits {
		var biz model.Business
		if err := json.Unmarshal(hit.Source, &biz); err != nil {
			continue
		}
		bizs = append(bizs, biz)
	}
	return bizs, nil
}

func (r *businessRepository) Delete(ctx context.Context, bizid string) error {
	if err := requireBizid(bizid); err != nil {
		return err
	}
	return deleteByQuery(ctx, r.client, es.IndexName(es.IndexBusiness), tenantQuery(bizid))
}
