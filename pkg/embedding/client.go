// Package embedding 提供文本向量化的统一网关，支持多种后端。
// 后端差异只体现在请求/响应的形状转换，对上游统一为 (vector, error)。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Tele-AI/nl2sql/internal/config"
	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/pkg/log"
)

// Client 文本向量化客户端。
type Client interface {
	// Embed 将文本转换为定长向量。
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions 返回向量维度，启动期与索引配置的 dims 校验一致。
	Dimensions() int
}

// NewClient 根据配置中的 provider 构造对应的后端客户端。
// 后端选择是启动期决策，业务逻辑里不会按 provider 分支。
func NewClient(cfg config.EmbeddingConfig) (Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return &openAICompatibleClient{cfg: cfg, client: &http.Client{}}, nil
	case "bge":
		return &bgeClient{cfg: cfg, client: &http.Client{}}, nil
	default:
		return nil, errs.Newf(errs.KindConfiguration, "未知的 embedding provider: %s", cfg.Provider)
	}
}

// openAICompatibleClient 调用 OpenAI 兼容的 /embeddings 接口。
type openAICompatibleClient struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

type openAIEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAICompatibleClient) Dimensions() int { return c.cfg.Dimensions }

func (c *openAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := openAIEmbeddingRequest{
		Model:      c.cfg.Model,
		Input:      []string{text},
		Dimensions: c.cfg.Dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, errs.Wrap(errs.KindUpstreamUnavailable, "调用 embedding api 失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "embedding api 返回状态码 %s", resp.Status)
	}

	var embeddingResp openAIEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if len(embeddingResp.Data) == 0 || len(embeddingResp.Data[0].Embedding) == 0 {
		log.Warnf("[EmbeddingClient] Embedding API 返回了空的向量数据")
		return nil, errs.New(errs.KindUpstreamUnavailable, "embedding api 返回空向量")
	}

	return embeddingResp.Data[0].Embedding, nil
}

// bgeClient 对接 sentences/embeddings 形状的自建 bge 服务。
type bgeClient struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

type bgeEmbeddingRequest struct {
	Sentences []string `json:"sentences"`
}

type bgeEmbeddingResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *bgeClient) Dimensions() int { return c.cfg.Dimensions }

func (c *bgeClient) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBytes, err := json.Marshal(bgeEmbeddingRequest{Sentences: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 bge 服务失败, error: %v", err)
		return nil, errs.Wrap(errs.KindUpstreamUnavailable, "调用 bge 服务失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.KindUpstreamUnavailable, "bge 服务返回状态码 %s", resp.Status)
	}

	var bgeResp bgeEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&bgeResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(bgeResp.Embeddings) == 0 || len(bgeResp.Embeddings[0]) == 0 {
		return nil, errs.New(errs.KindUpstreamUnavailable, "bge 服务返回空向量")
	}

	return bgeResp.Embeddings[0], nil
}
