// Package repository 提供各业务实体在 Elasticsearch / MySQL 上的存取。
// 所有 ES 读写都要求显式的 bizid，租户过滤发生在查询条件里而不是结果集上。
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/pkg/log"
)

// esHit 一条命中记录，_source 延迟到各仓库再解码。
type esHit struct {
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

// requireBizid 空租户直接拒绝，避免任何无租户范围的索引访问。
func requireBizid(bizid string) error {
	if bizid == "" {
		return errs.New(errs.KindValidation, "bizid 不能为空")
	}
	return nil
}

// searchIndex 执行一次检索并返回命中列表。
func searchIndex(ctx context.Context, client *elasticsearch.Client, index string, query map[string]interface{}) ([]esHit, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := client.Search(
		client.Search.WithContext(ctx),
		client.Search.WithIndex(index),
		client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamUnavailable, "elasticsearch 检索失败", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[Repository] Elasticsearch 返回错误, index: %s, status: %s, body: %s", index, res.Status(), string(bodyBytes))
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "elasticsearch 返回错误: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []esHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	return esResponse.Hits.Hits, nil
}

// indexDoc 以指定 id 写入（覆盖）一条文档。
func indexDoc(ctx context.Context, client *elasticsearch.Client, index, id string, doc interface{}) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, client)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamUnavailable, "索引文档失败", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("[Repository] 索引文档出错, index: %s, id: %s, resp: %s", index, id, res.String())
		return errs.Newf(errs.KindUpstreamUnavailable, "索引文档失败: %s", res.Status())
	}
	return nil
}

// deleteByQuery 按条件删除文档。
func deleteByQuery(ctx context.Context, client *elasticsearch.Client, index string, query map[string]interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]interface{}{"query": query}); err != nil {
		return fmt.Errorf("failed to encode delete query: %w", err)
	}

	res, err := client.DeleteByQuery(
		[]string{index},
		&buf,
		client.DeleteByQuery.WithContext(ctx),
		client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return errs.Wrap(errs.KindUpstreamUnavailable, "删除文档失败", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("[Repository] 按条件删除出错, index: %s, resp: %s", index, res.String())
		return errs.Newf(errs.KindUpstreamUnavailable, "删除文档失败: %s", res.Status())
	}
	return nil
}

// tenantQuery 构造一个 bizid 约束的 bool 查询，extra 为附加的 filter 条件。
func tenantQuery(bizid string, extra ...map[string]interface{}) map[string]interface{} {
	filters := []map[string]interface{}{
		{"term": map[string]interface{}{"bizid": bizid}},
	}
	filters = append(filters, extra...)
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"filter": filters,
		},
	}
}

// vectorScoreQuery 构造一个 script_score 查询。
// 余弦相似度原始区间为 [-1,1]，统一映射到 [0,1]: score = (1 + cos) / 2，
// 阈值 minScore 直接与该映射后的分数比较。
func vectorScoreQuery(baseQuery map[string]interface{}, field string, vec []float32, topK int, minScore float64) map[string]interface{} {
	return map[string]interface{}{
		"size":      topK,
		"min_score": minScore,
		"query": map[string]interface{}{
			"script_score": map[string]interface{}{
				"query": baseQuery,
				"script": map[string]interface{}{
					"source": fmt.Sprintf("(cosineSimilarity(params.query_vector, '%s') + 1.0) / 2.0", field),
					"params": map[string]interface{}{
						"query_vector": vec,
					},
				},
			},
		},
	}
}
