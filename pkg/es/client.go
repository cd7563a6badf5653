// Package es 提供了与 Elasticsearch 交互的客户端功能。
// 所有索引名带环境前缀，向量维度来自配置，与编码器维度在启动期校验一致。
package es

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/Tele-AI/nl2sql/internal/config"
	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/pkg/log"
)

var ESClient *elasticsearch.Client

// 实体索引的基础名，完整索引名为 "{env}_{base}"。
const (
	IndexBusiness  = "business"
	IndexKnowledge = "knowledge"
	IndexSqlCases  = "sqlcases"
	IndexPrompt    = "prompt"
	IndexTableInfo = "tableinfo"
	IndexSettings  = "settings"
	IndexSynonym   = "synonym"
	IndexDimValues = "dim_values"
)

var envPrefix string

// IndexName 返回带环境前缀的完整索引名。
func IndexName(base string) string {
	return fmt.Sprintf("%s_%s", envPrefix, base)
}

// InitES 初始化 Elasticsearch 客户端并确保所有实体索引存在。
func InitES(esCfg config.ElasticsearchConfig, dims int) error {
	envPrefix = esCfg.Env
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client

	for base, mapping := range indexMappings(dims) {
		if err := createIndexIfNotExists(IndexName(base), mapping); err != nil {
			return err
		}
	}

	// 索引可能是此前以别的维度建的，建完后回读 mapping 校验向量维度
	vectorFields := map[string]string{
		IndexTableInfo: "semantic_vector",
		IndexKnowledge: "key_alpha_embedding",
	}
	for base, field := range vectorFields {
		if err := verifyVectorDims(IndexName(base), field, dims); err != nil {
			return err
		}
	}
	return nil
}

// verifyVectorDims 回读索引 mapping，校验 dense_vector 字段的维度与编码器一致。
func verifyVectorDims(indexName, field string, want int) error {
	res, err := ESClient.Indices.GetMapping(ESClient.Indices.GetMapping.WithIndex(indexName))
	if err != nil {
		return fmt.Errorf("读取索引 '%s' 的 mapping 失败: %w", indexName, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("读取索引 '%s' 的 mapping 时 Elasticsearch 返回错误: %s", indexName, res.Status())
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	got, err := vectorDimsFromMapping(body, indexName, field)
	if err != nil {
		return err
	}
	if got != want {
		return errs.Newf(errs.KindConfiguration, "索引 '%s' 的 %s 维度为 %d，与编码器维度 %d 不一致", indexName, field, got, want)
	}
	return nil
}

// vectorDimsFromMapping 从 GetMapping 响应中取出指定字段的 dims。
func vectorDimsFromMapping(body []byte, indexName, field string) (int, error) {
	var resp map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
				Dims int    `json:"dims"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("解析索引 '%s' 的 mapping 失败: %w", indexName, err)
	}
	idx, ok := resp[indexName]
	if !ok {
		return 0, fmt.Errorf("mapping 响应中没有索引 '%s'", indexName)
	}
	prop, ok := idx.Mappings.Properties[field]
	if !ok || prop.Type != "dense_vector" {
		return 0, fmt.Errorf("索引 '%s' 缺少 dense_vector 字段 %s", indexName, field)
	}
	return prop.Dims, nil
}

// indexMappings 返回各实体索引的 mapping，dims 为向量字段维度。
func indexMappings(dims int) map[string]string {
	vector := fmt.Sprintf(`{"type":"dense_vector","dims":%d,"index":true,"similarity":"cosine"}`, dims)

	return map[string]string{
		IndexBusiness: `{
			"mappings": {
				"dynamic": "false",
				"properties": {
					"bizid": {"type": "keyword"},
					"create_time": {"type": "date"}
				}
			}
		}`,
		IndexKnowledge: fmt.Sprintf(`{
			"mappings": {
				"dynamic": "false",
				"properties": {
					"bizid": {"type": "keyword"},
					"knowledge_id": {"type": "keyword"},
					"table_id": {"type": "keyword"},
					"key_alpha": {"type": "text"},
					"key_alpha_embedding": %s,
					"key_beta": {"type": "text"},
					"value": {"type": "text"}
				}
			}
		}`, vector),
		IndexSqlCases: `{
			"mappings": {
				"dynamic": "false",
				"properties": {
					"bizid": {"type": "keyword"},
					"table_id": {"type": "keyword"},
					"case_id": {"type": "keyword"},
					"querys": {"type": "text"},
					"sql": {"type": "text"}
				}
			}
		}`,
		IndexPrompt: `{
			"mappings": {
				"dynamic": "false",
				"properties": {
					"bizid": {"type": "keyword"},
					"time_convert_agent": {"type": "text"},
					"element_extract_agent": {"type": "text"},
					"nl2sql_agent": {"type": "text"},
					"query_parse_agent": {"type": "text"},
					"sql_explain_agent": {"type": "text"},
					"sql_comment_agent": {"type": "text"},
					"sql_correct_agent": {"type": "text"}
				}
			}
		}`,
		IndexTableInfo: fmt.Sprintf(`{
			"mappings": {
				"dynamic": "false",
				"properties": {
					"bizid": {"type": "keyword"},
					"table_id": {"type": "keyword"},
					"table_name": {"type": "text"},
					"table_comment": {"type": "text"},
					"update_time": {"type": "date"},
					"semantic_vector": %s,
					"name_vector": %s,
					"comment_vector": %s,
					"fields_vector": %s,
					"fields": {
						"type": "nested",
						"properties": {
							"field_id": {"type": "keyword"},
							"name": {"type": "text"},
							"datatype": {"type": "text"},
							"comment": {"type": "text"}
						}
					}
				}
			}
		}`, vector, vector, vector, vector),
		IndexSettings: `{
			"mappings": {
				"dynamic": "false",
				"properties": {
					"bizid": {"type": "keyword"},
					"table_retrieve_threshold": {"type": "float"},
					"enable_table_auth": {"type": "boolean"},
					"deep_semantic_search": {"type": "boolean"}
				}
			}
		}`,
		IndexSynonym: `{
			"mappings": {
				"dynamic": "false",
				"properties": {
					"bizid": {"type": "keyword"},
					"primary": {"type": "keyword"},
					"secondary": {"type": "keyword"}
				}
			}
		}`,
		IndexDimValues: `{
			"mappings": {
				"dynamic": "false",
				"properties": {
					"bizid": {"type": "keyword"},
					"table_id": {"type": "keyword"},
					"field_id": {"type": "keyword"},
					"value": {"type": "text"}
				}
			}
		}`,
	}
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(indexName, mapping string) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	// 200 说明索引已存在
	if !res.IsError() && res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引 '%s' 时收到意外的状态码: %d", indexName, res.StatusCode)
	}

	createRes, err := ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, createRes.String())
		return fmt.Errorf("创建索引 '%s' 失败", indexName)
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}
