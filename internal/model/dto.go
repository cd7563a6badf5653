package model

// 与原产品接口对齐的状态枚举。
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// BaseResponse 通用响应骨架。
type BaseResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// GenerateRequest /nl2sql/generate 的请求体。
// TableID 显式指定时跳过表召回；Settings 仅对本次调用生效。
type GenerateRequest struct {
	Bizid    string            `json:"bizid" binding:"required"`
	Query    string            `json:"query" binding:"required"`
	Summary  string            `json:"summary,omitempty"`
	TableID  string            `json:"table_id,omitempty"`
	Stream   bool              `json:"stream,omitempty"`
	Settings *SettingsOverride `json:"settings,omitempty"`
}

// SettingsOverride 单次调用的参数覆盖，nil 字段不覆盖低层取值。
type SettingsOverride struct {
	TableRetrieveThreshold *float64 `json:"table_retrieve_threshold,omitempty"`
	EnableTableAuth        *bool    `json:"enable_table_auth,omitempty"`
	DeepSemanticSearch     *bool    `json:"deep_semantic_search,omitempty"`
}

// GenerateResult 一条生成结果。
type GenerateResult struct {
	Sql  string `json:"sql"`
	Text string `json:"text,omitempty"`
}

// GenerateResponse 非流式生成的响应。
type GenerateResponse struct {
	BaseResponse
	Query   string           `json:"query"`
	Results []GenerateResult `json:"results,omitempty"`
}

// QueryMetadataResponse /nl2sql/query_metadata 的响应。
type QueryMetadataResponse struct {
	BaseResponse
	Query     string      `json:"query"`
	Tables    []TableInfo `json:"table_info_list"`
	AlphaKeys []string    `json:"alpha_keys"`
}

// SqlTransformRequest explain/comment/correct 共用的请求体。
type SqlTransformRequest struct {
	Bizid     string      `json:"bizid" binding:"required"`
	Sql       string      `json:"sql" binding:"required"`
	TableInfo []TableInfo `json:"table_info,omitempty"`
	// Hint 为 correct 预留的外部反馈，例如上次执行的报错信息。
	Hint string `json:"hint,omitempty"`
}

// SqlTransformResponse explain/comment/correct 共用的响应体。
type SqlTransformResponse struct {
	BaseResponse
	Result string `json:"result"`
}

// TableUpsertRequest /nl2sql/tableinfo/create_or_update 的请求体。
type TableUpsertRequest struct {
	Bizid  string      `json:"bizid" binding:"required"`
	Tables []TableInfo `json:"tables" binding:"required"`
}

// KnowledgeUpsertRequest 知识条目批量写入。
type KnowledgeUpsertRequest struct {
	Bizid      string      `json:"bizid" binding:"required"`
	Knowledges []Knowledge `json:"knowledges" binding:"required"`
}

// SynonymUpsertRequest 同义词规则写入。
type SynonymUpsertRequest struct {
	Bizid    string        `json:"bizid" binding:"required"`
	Synonyms []SynonymRule `json:"synonyms" binding:"required"`
}

// SettingsUpdateRequest 租户参数更新。
type SettingsUpdateRequest struct {
	Bizid    string   `json:"bizid" binding:"required"`
	Settings Settings `json:"settings"`
}

// DimValueUpsertRequest 维值批量写入。
type DimValueUpsertRequest struct {
	Bizid  string     `json:"bizid" binding:"required"`
	Values []DimValue `json:"values" binding:"required"`
}

// DimValueSearchRequest 维值模糊检索。
type DimValueSearchRequest struct {
	Bizid   string   `json:"bizid" binding:"required"`
	Query   []string `json:"query" binding:"required"`
	TableID string   `json:"table_id,omitempty"`
	FieldID string   `json:"field_id,omitempty"`
}

// DimValueDeleteRequest 维值删除，field_id 为空时删除整表维值。
type DimValueDeleteRequest struct {
	Bizid   string `json:"bizid" binding:"required"`
	TableID string `json:"table_id" binding:"required"`
	FieldID string `json:"field_id,omitempty"`
}

// SqlCaseUpsertRequest SQL 案例批量写入。
type SqlCaseUpsertRequest struct {
	Bizid string    `json:"bizid" binding:"required"`
	Cases []SqlCase `json:"cases" binding:"required"`
}

// PromptUpdateRequest 租户提示词模板更新。
type PromptUpdateRequest struct {
	Bizid   string    `json:"bizid" binding:"required"`
	Prompts PromptSet `json:"prompts"`
}

// EmbeddingSearchRequest 按向量相似度检索（tableinfo / knowledge 调试接口）。
type EmbeddingSearchRequest struct {
	Bizid    string  `json:"bizid" binding:"required"`
	Query    string  `json:"query" binding:"required"`
	TopK     int     `json:"top_k,omitempty"`
	MinScore float64 `json:"min_score,omitempty"`
}

// TokenCreateRequest 签发表权限 token 的请求，TTLSec 为 0 时取默认有效期。
type TokenCreateRequest struct {
	Bizid    string   `json:"bizid" binding:"required"`
	TableIDs []string `json:"table_ids" binding:"required"`
	TTLSec   int      `json:"ttl_sec,omitempty"`
}

// GenRecordListRequest 查询生成审计记录的请求。
type GenRecordListRequest struct {
	Bizid string `json:"bizid" binding:"required"`
	Limit int    `json:"limit,omitempty"`
}

// BizidRequest 只携带租户标识的请求。
type BizidRequest struct {
	Bizid string `json:"bizid" binding:"required"`
}

// DeleteByIDRequest 按 id 删除的通用请求。
type DeleteByIDRequest struct {
	Bizid string `json:"bizid" binding:"required"`
	ID    string `json:"id" binding:"required"`
}
