package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Tele-AI/nl2sql/internal/agent"
	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/Tele-AI/nl2sql/pkg/embedding"
	"github.com/Tele-AI/nl2sql/pkg/kafka"
	"github.com/Tele-AI/nl2sql/pkg/log"
	"github.com/Tele-AI/nl2sql/pkg/tasks"
)

// MetaService 负责所有元数据的写入与级联清理。
// 写路径上的向量计算尽量走异步管道，投递失败时退化为同步向量化。
type MetaService interface {
	CreateBusiness(ctx context.Context, bizid string) error
	BusinessExists(ctx context.Context, bizid string) (bool, error)
	ListBusinesses(ctx context.Context) ([]model.Business, error)
	DeleteBusiness(ctx context.Context, bizid string) error

	UpsertTables(ctx context.Context, bizid string, tables []model.TableInfo) error
	ListTables(ctx context.Context, bizid string) ([]model.TableInfo, error)
	DeleteTable(ctx context.Context, bizid, tableID string) error
	// VectorizeTable 供异步管道回调，对单表重算四路向量。
	VectorizeTable(ctx context.Context, bizid, tableID string) error

	UpsertKnowledges(ctx context.Context, bizid string, knowledges []model.Knowledge) error
	ListKnowledges(ctx context.Context, bizid string) ([]model.Knowledge, error)
	DeleteKnowledge(ctx context.Context, bizid, knowledgeID string) error

	UpsertSynonyms(ctx context.Context, bizid string, rules []model.SynonymRule) error
	ListSynonyms(ctx context.Context, bizid string) ([]model.SynonymRule, error)
	DeleteSynonym(ctx context.Context, bizid, primary string) error

	UpdateSettings(ctx context.Context, bizid string, settings model.Settings) error
	GetSettings(ctx context.Context, bizid string) (*model.Settings, error)

	UpsertDimValues(ctx context.Context, bizid string, values []model.DimValue) error
	ListDimValues(ctx context.Context, bizid string) ([]model.DimValue, error)
	DeleteDimValues(ctx context.Context, bizid, tableID, fieldID string) error
	SearchDimValues(ctx context.Context, bizid string, fragments []string, tableID, fieldID string) ([]model.ScoredDimValue, error)

	UpsertSqlCases(ctx context.Context, bizid string, cases []model.SqlCase) error
	ListSqlCases(ctx context.Context, bizid string) ([]model.SqlCase, error)
	DeleteSqlCase(ctx context.Context, bizid, caseID string) error

	UpdatePrompts(ctx context.Context, bizid string, prompts model.PromptSet) error
	// ResolvePrompts 返回补齐默认模板后的完整模板集。
	ResolvePrompts(ctx context.Context, bizid string) model.PromptSet

	SearchTablesByEmbedding(ctx context.Context, bizid, query string, topK int, minScore float64) ([]model.ScoredTable, error)
	SearchKnowledgeByEmbedding(ctx context.Context, bizid, query string, topK int, minScore float64) ([]model.ScoredKnowledge, error)
}

type metaService struct {
	businessRepo  repository.BusinessRepository
	tableRepo     repository.TableRepository
	knowledgeRepo repository.KnowledgeRepository
	synonymRepo   repository.SynonymRepository
	settingsRepo  repository.SettingsRepository
	dimValueRepo  repository.DimValueRepository
	sqlCaseRepo   repository.SqlCaseRepository
	promptRepo    repository.PromptRepository
	encoder       embedding.Client
	asyncVector   bool
}

// NewMetaService 创建元数据服务。asyncVector 为 true 时表向量化走 Kafka 管道。
func NewMetaService(
	businessRepo repository.BusinessRepository,
	tableRepo repository.TableRepository,
	knowledgeRepo repository.KnowledgeRepository,
	synonymRepo repository.SynonymRepository,
	settingsRepo repository.SettingsRepository,
	dimValueRepo repository.DimValueRepository,
	sqlCaseRepo repository.SqlCaseRepository,
	promptRepo repository.PromptRepository,
	encoder embedding.Client,
	asyncVector bool,
) MetaService {
	return &metaService{
		businessRepo:  businessRepo,
		tableRepo:     tableRepo,
		knowledgeRepo: knowledgeRepo,
		synonymRepo:   synonymRepo,
		settingsRepo:  settingsRepo,
		dimValueRepo:  dimValueRepo,
		sqlCaseRepo:   sqlCaseRepo,
		promptRepo:    promptRepo,
		encoder:       encoder,
		asyncVector:   asyncVector,
	}
}

func (s *metaService) CreateBusiness(ctx context.Context, bizid string) error {
	exists, err := s.businessRepo.Exists(ctx, bizid)
	if err != nil {
		return err
	}
	if exists {
		return errs.Newf(errs.KindValidation, "业务域已存在: %s", bizid)
	}
	return s.businessRepo.Create(ctx, bizid)
}

func (s *metaService) BusinessExists(ctx context.Context, bizid string) (bool, error) {
	return s.businessRepo.Exists(ctx, bizid)
}

func (s *metaService) ListBusinesses(ctx context.Context) ([]model.Business, error) {
	return s.businessRepo.List(ctx)
}

// DeleteBusiness 删除业务域及其名下全部实体。
// 子实体清理失败只告警不中断，保证业务域本身一定被摘除。
func (s *metaService) DeleteBusiness(ctx context.Context, bizid string) error {
	cleanups := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{"tableinfo", s.tableRepo.DeleteByBizid},
		{"knowledge", s.knowledgeRepo.DeleteByBizid},
		{"synonym", s.synonymRepo.DeleteByBizid},
		{"settings", s.settingsRepo.DeleteByBizid},
		{"dim_values", s.dimValueRepo.DeleteByBizid},
		{"sqlcases", s.sqlCaseRepo.DeleteByBizid},
		{"prompt", s.promptRepo.DeleteByBizid},
	}
	for _, c := range cleanups {
		if err := c.fn(ctx, bizid); err != nil {
			log.Warnf("[MetaService] 级联清理 %s 失败, bizid: %s, err: %v", c.name, bizid, err)
		}
	}
	return s.businessRepo.Delete(ctx, bizid)
}

// UpsertTables 写入表元数据。文档先落库，向量由异步管道补齐；
// 投递失败时当场同步计算，避免表长期处于不可召回状态。
func (s *metaService) UpsertTables(ctx context.Context, bizid string, tables []model.TableInfo) error {
	for i := range tables {
		table := tables[i]
		table.Bizid = bizid
		if table.TableID == "" || table.TableName == "" {
			return errs.New(errs.KindValidation, "table_id 和 table_name 不能为空")
		}
		if err := s.tableRepo.Upsert(ctx, table); err != nil {
			return err
		}
		if s.asyncVector {
			task := tasks.TableVectorizeTask{Bizid: bizid, TableID: table.TableID}
			if err := kafka.ProduceVectorizeTask(task); err == nil {
				continue
			} else {
				log.Warnf("[MetaService] 向量化任务投递失败，转同步计算, table_id: %s, err: %v", table.TableID, err)
			}
		}
		if err := s.VectorizeTable(ctx, bizid, table.TableID); err != nil {
			return err
		}
	}
	return nil
}

func (s *metaService) ListTables(ctx context.Context, bizid string) ([]model.TableInfo, error) {
	return s.tableRepo.List(ctx, bizid)
}

// DeleteTable 删除表并级联清理其知识与维值。
func (s *metaService) DeleteTable(ctx context.Context, bizid, tableID string) error {
	if err := s.knowledgeRepo.DeleteByTable(ctx, bizid, tableID); err != nil {
		log.Warnf("[MetaService] 清理表知识失败, table_id: %s, err: %v", tableID, err)
	}
	if err := s.dimValueRepo.DeleteByTable(ctx, bizid, tableID); err != nil {
		log.Warnf("[MetaService] 清理表维值失败, table_id: %s, err: %v", tableID, err)
	}
	return s.tableRepo.Delete(ctx, bizid, tableID)
}

// VectorizeTable 重算并回写单表的四路向量。
func (s *metaService) VectorizeTable(ctx context.Context, bizid, tableID string) error {
	table, err := s.tableRepo.GetByID(ctx, bizid, tableID)
	if err != nil {
		return err
	}
	if table == nil {
		return errs.Newf(errs.KindValidation, "待向量化的表不存在: %s", tableID)
	}

	fieldsText := renderFieldsText(table.Fields)
	semanticText := strings.TrimSpace(table.TableName + " " + table.TableComment + " " + fieldsText)

	texts := []struct {
		text string
		dst  *[]float32
	}{
		{semanticText, &table.SemanticVector},
		{table.TableName, &table.NameVector},
		{table.TableComment, &table.CommentVector},
		{fieldsText, &table.FieldsVector},
	}
	for _, t := range texts {
		if t.text == "" {
			*t.dst = nil
			continue
		}
		vec, err := s.encoder.Embed(ctx, t.text)
		if err != nil {
			return err
		}
		*t.dst = vec
	}
	return s.tableRepo.Upsert(ctx, *table)
}

func (s *metaService) UpsertKnowledges(ctx context.Context, bizid string, knowledges []model.Knowledge) error {
	for i := range knowledges {
		k := knowledges[i]
		k.Bizid = bizid
		if k.KnowledgeID == "" {
			return errs.New(errs.KindValidation, "knowledge_id 不能为空")
		}
		if k.KeyAlpha != "" {
			vec, err := s.encoder.Embed(ctx, k.KeyAlpha)
			if err != nil {
				return err
			}
			k.KeyAlphaEmbedding = vec
		}
		if err := s.knowledgeRepo.Upsert(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *metaService) ListKnowledges(ctx context.Context, bizid string) ([]model.Knowledge, error) {
	return s.knowledgeRepo.List(ctx, bizid)
}

func (s *metaService) DeleteKnowledge(ctx context.Context, bizid, knowledgeID string) error {
	return s.knowledgeRepo.Delete(ctx, bizid, knowledgeID)
}

// UpsertSynonyms 写入同义词规则，同一租户内一个 secondary 只能属于一条规则。
func (s *metaService) UpsertSynonyms(ctx context.Context, bizid string, rules []model.SynonymRule) error {
	existing, err := s.synonymRepo.List(ctx, bizid)
	if err != nil {
		return err
	}
	owner := make(map[string]string)
	for _, r := range existing {
		for _, sec := range r.Secondary {
			owner[sec] = r.Primary
		}
	}
	for i := range rules {
		rule := rules[i]
		rule.Bizid = bizid
		if rule.Primary == "" {
			return errs.New(errs.KindValidation, "primary 不能为空")
		}
		for _, sec := range rule.Secondary {
			if prim, ok := owner[sec]; ok && prim != rule.Primary {
				return errs.Newf(errs.KindValidation, "同义词 %q 已归属于 %q", sec, prim)
			}
			owner[sec] = rule.Primary
		}
		if err := s.synonymRepo.Upsert(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

func (s *metaService) ListSynonyms(ctx context.Context, bizid string) ([]model.SynonymRule, error) {
	return s.synonymRepo.List(ctx, bizid)
}

func (s *metaService) DeleteSynonym(ctx context.Context, bizid, primary string) error {
	return s.synonymRepo.Delete(ctx, bizid, primary)
}

func (s *metaService) UpdateSettings(ctx context.Context, bizid string, settings model.Settings) error {
	settings.Bizid = bizid
	return s.settingsRepo.Update(ctx, settings)
}

func (s *metaService) GetSettings(ctx context.Context, bizid string) (*model.Settings, error) {
	return s.settingsRepo.Get(ctx, bizid)
}

func (s *metaService) UpsertDimValues(ctx context.Context, bizid string, values []model.DimValue) error {
	for i := range values {
		v := values[i]
		v.Bizid = bizid
		if v.TableID == "" || v.FieldID == "" || v.Value == "" {
			return errs.New(errs.KindValidation, "table_id、field_id、value 不能为空")
		}
		if err := s.dimValueRepo.Upsert(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *metaService) ListDimValues(ctx context.Context, bizid string) ([]model.DimValue, error) {
	return s.dimValueRepo.List(ctx, bizid)
}

func (s *metaService) DeleteDimValues(ctx context.Context, bizid, tableID, fieldID string) error {
	return s.dimValueRepo.Delete(ctx, bizid, tableID, fieldID)
}

func (s *metaService) SearchDimValues(ctx context.Context, bizid string, fragments []string, tableID, fieldID string) ([]model.ScoredDimValue, error) {
	return s.dimValueRepo.Search(ctx, bizid, fragments, tableID, fieldID)
}

func (s *metaService) UpsertSqlCases(ctx context.Context, bizid string, cases []model.SqlCase) error {
	for i := range cases {
		c := cases[i]
		c.Bizid = bizid
		if c.CaseID == "" || c.Querys == "" || c.Sql == "" {
			return errs.New(errs.KindValidation, "case_id、querys、sql 不能为空")
		}
		if err := s.sqlCaseRepo.Upsert(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *metaService) ListSqlCases(ctx context.Context, bizid string) ([]model.SqlCase, error) {
	return s.sqlCaseRepo.List(ctx, bizid)
}

func (s *metaService) DeleteSqlCase(ctx context.Context, bizid, caseID string) error {
	return s.sqlCaseRepo.Delete(ctx, bizid, caseID)
}

func (s *metaService) UpdatePrompts(ctx context.Context, bizid string, prompts model.PromptSet) error {
	prompts.Bizid = bizid
	return s.promptRepo.Update(ctx, prompts)
}

// ResolvePrompts 读取租户模板，缺失的条目逐项回落到内置默认模板。
// 读取失败按全默认处理，不影响生成链路。
func (s *metaService) ResolvePrompts(ctx context.Context, bizid string) model.PromptSet {
	resolved := model.PromptSet{
		Bizid:               bizid,
		TimeConvertAgent:    agent.DefaultTimeConvertPrompt,
		ElementExtractAgent: agent.DefaultElementExtractPrompt,
		Nl2sqlAgent:         agent.DefaultNl2sqlPrompt,
		QueryParseAgent:     agent.DefaultQueryParsePrompt,
		SqlExplainAgent:     agent.DefaultSqlExplainPrompt,
		SqlCommentAgent:     agent.DefaultSqlCommentPrompt,
		SqlCorrectAgent:     agent.DefaultSqlCorrectPrompt,
	}
	custom, err := s.promptRepo.Get(ctx, bizid)
	if err != nil {
		log.Warnf("[MetaService] 读取租户提示词失败，使用默认模板, bizid: %s, err: %v", bizid, err)
		return resolved
	}
	if custom == nil {
		return resolved
	}
	overrideIfSet(&resolved.TimeConvertAgent, custom.TimeConvertAgent)
	overrideIfSet(&resolved.ElementExtractAgent, custom.ElementExtractAgent)
	overrideIfSet(&resolved.Nl2sqlAgent, custom.Nl2sqlAgent)
	overrideIfSet(&resolved.QueryParseAgent, custom.QueryParseAgent)
	overrideIfSet(&resolved.SqlExplainAgent, custom.SqlExplainAgent)
	overrideIfSet(&resolved.SqlCommentAgent, custom.SqlCommentAgent)
	overrideIfSet(&resolved.SqlCorrectAgent, custom.SqlCorrectAgent)
	return resolved
}

func (s *metaService) SearchTablesByEmbedding(ctx context.Context, bizid, query string, topK int, minScore float64) ([]model.ScoredTable, error) {
	if topK <= 0 {
		topK = 5
	}
	vec, err := s.encoder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.tableRepo.SearchByVector(ctx, bizid, "semantic_vector", vec, topK, minScore)
}

func (s *metaService) SearchKnowledgeByEmbedding(ctx context.Context, bizid, query string, topK int, minScore float64) ([]model.ScoredKnowledge, error) {
	if topK <= 0 {
		topK = 5
	}
	vec, err := s.encoder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.knowledgeRepo.SearchByAlphaVector(ctx, bizid, vec, topK, minScore)
}

func renderFieldsText(fields []model.FieldDescriptor) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Comment != "" {
			parts = append(parts, fmt.Sprintf("%s(%s)", f.Name, f.Comment))
		} else {
			parts = append(parts, f.Name)
		}
	}
	return strings.Join(parts, " ")
}

func overrideIfSet(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
