// Package model 定义了业务域实体与接口层的请求/响应结构体。
package model

// Business 业务域，所有实体都以 bizid 作为租户隔离维度。
type Business struct {
	Bizid      string `json:"bizid"`
	CreateTime string `json:"create_time,omitempty"`
}

// FieldDescriptor 表字段描述。
type FieldDescriptor struct {
	FieldID  string `json:"field_id"`
	Name     string `json:"name"`
	Datatype string `json:"datatype"`
	Comment  string `json:"comment,omitempty"`
}

// TableInfo 表元数据。入库时会计算四路向量：
// 语义向量（名称+注释+字段拼接）、名称向量、注释向量、字段向量。
type TableInfo struct {
	Bizid        string            `json:"bizid"`
	TableID      string            `json:"table_id"`
	TableName    string            `json:"table_name"`
	TableComment string            `json:"table_comment,omitempty"`
	Fields       []FieldDescriptor `json:"fields"`
	UpdateTime   string            `json:"update_time,omitempty"`

	SemanticVector []float32 `json:"semantic_vector,omitempty"`
	NameVector     []float32 `json:"name_vector,omitempty"`
	CommentVector  []float32 `json:"comment_vector,omitempty"`
	FieldsVector   []float32 `json:"fields_vector,omitempty"`
}

// Knowledge 业务知识条目。key_alpha 是单个分类标签，用于表召回加权；
// key_beta 是一组字面串，用于对 query 的直接文本匹配；value 注入提示词。
type Knowledge struct {
	Bizid       string   `json:"bizid"`
	KnowledgeID string   `json:"knowledge_id"`
	TableID     string   `json:"table_id"`
	KeyAlpha    string   `json:"key_alpha,omitempty"`
	KeyBeta     []string `json:"key_beta,omitempty"`
	Value       string   `json:"value"`

	KeyAlphaEmbedding []float32 `json:"key_alpha_embedding,omitempty"`
}

// SynonymRule 同义词规则。一个租户内同一个 secondary 至多属于一条规则。
type SynonymRule struct {
	Bizid     string   `json:"bizid"`
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary"`
}

// Settings 租户级可调参数，所有字段可缺省，缺省时回落到进程默认值。
type Settings struct {
	Bizid                  string   `json:"bizid"`
	TableRetrieveThreshold *float64 `json:"table_retrieve_threshold,omitempty"`
	EnableTableAuth        *bool    `json:"enable_table_auth,omitempty"`
	DeepSemanticSearch     *bool    `json:"deep_semantic_search,omitempty"`
}

// EffectiveSettings 三层合并之后的生效参数。
type EffectiveSettings struct {
	TableRetrieveThreshold float64 `json:"table_retrieve_threshold"`
	EnableTableAuth        bool    `json:"enable_table_auth"`
	DeepSemanticSearch     bool    `json:"deep_semantic_search"`
}

// DimValue 维值，支持向量化后做模糊匹配，用于 SQL 字面量归一。
type DimValue struct {
	Bizid   string `json:"bizid"`
	TableID string `json:"table_id"`
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

// SqlCase SQL 案例，用于 fewshot 提示。
type SqlCase struct {
	Bizid   string `json:"bizid"`
	CaseID  string `json:"case_id"`
	TableID string `json:"table_id,omitempty"`
	Querys  string `json:"querys"`
	Sql     string `json:"sql"`
}

// PromptSet 租户级提示词模板集合，缺失的条目回落到内置默认模板。
type PromptSet struct {
	Bizid               string `json:"bizid"`
	TimeConvertAgent    string `json:"time_convert_agent,omitempty"`
	ElementExtractAgent string `json:"element_extract_agent,omitempty"`
	Nl2sqlAgent         string `json:"nl2sql_agent,omitempty"`
	QueryParseAgent     string `json:"query_parse_agent,omitempty"`
	SqlExplainAgent     string `json:"sql_explain_agent,omitempty"`
	SqlCommentAgent     string `json:"sql_comment_agent,omitempty"`
	SqlCorrectAgent     string `json:"sql_correct_agent,omitempty"`
}

// ScoredTable 表召回结果，score 已经归一到 [0,1]。
type ScoredTable struct {
	Table TableInfo `json:"table"`
	Score float64   `json:"score"`
}

// ScoredKnowledge 知识召回结果。
type ScoredKnowledge struct {
	Knowledge Knowledge `json:"knowledge"`
	Score     float64   `json:"score"`
}

// ScoredDimValue 维值召回结果。
type ScoredDimValue struct {
	DimValue DimValue `json:"dim_value"`
	Score    float64  `json:"score"`
}
