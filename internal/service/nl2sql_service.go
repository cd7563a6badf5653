package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Tele-AI/nl2sql/internal/agent"
	"github.com/Tele-AI/nl2sql/internal/config"
	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/Tele-AI/nl2sql/pkg/embedding"
	"github.com/Tele-AI/nl2sql/pkg/log"
)

const noTableMatchedMsg = "没有匹配到任何相似的表或者指标"

// Nl2sqlService 是生成链路的编排层，串起改写、召回、提示词组装与生成。
// 非流式路径通过吃干流式通道实现，保证两种口径看到同一条事件序列。
type Nl2sqlService interface {
	Generate(ctx context.Context, req model.GenerateRequest, allowedTables []string) model.GenerateResponse
	// StreamGenerate 返回事件通道：任意多个 chunk，恰好一个终止事件，然后关闭。
	// ctx 取消时停止上游生成并以 error 事件终止。
	StreamGenerate(ctx context.Context, req model.GenerateRequest, allowedTables []string) <-chan model.StreamEvent
	QueryMetadata(ctx context.Context, req model.GenerateRequest, allowedTables []string) model.QueryMetadataResponse
	SqlExplain(ctx context.Context, req model.SqlTransformRequest) model.SqlTransformResponse
	SqlComment(ctx context.Context, req model.SqlTransformRequest) model.SqlTransformResponse
	SqlCorrect(ctx context.Context, req model.SqlTransformRequest) model.SqlTransformResponse
	ListGenRecords(bizid string, limit int) ([]model.GenRecord, error)
}

type nl2sqlService struct {
	settingsSvc   SettingsService
	synonymSvc    SynonymService
	recallSvc     RecallService
	metaSvc       MetaService
	stages        *agent.Stages
	encoder       embedding.Client
	sqlCaseRepo   repository.SqlCaseRepository
	genRecordRepo repository.GenRecordRepository
	nl2sqlCfg     config.NL2SQLConfig
}

// NewNl2sqlService 创建生成编排服务。
func NewNl2sqlService(
	settingsSvc SettingsService,
	synonymSvc SynonymService,
	recallSvc RecallService,
	metaSvc MetaService,
	stages *agent.Stages,
	encoder embedding.Client,
	sqlCaseRepo repository.SqlCaseRepository,
	genRecordRepo repository.GenRecordRepository,
	nl2sqlCfg config.NL2SQLConfig,
) Nl2sqlService {
	return &nl2sqlService{
		settingsSvc:   settingsSvc,
		synonymSvc:    synonymSvc,
		recallSvc:     recallSvc,
		metaSvc:       metaSvc,
		stages:        stages,
		encoder:       encoder,
		sqlCaseRepo:   sqlCaseRepo,
		genRecordRepo: genRecordRepo,
		nl2sqlCfg:     nl2sqlCfg,
	}
}

// generateContext 前置阶段的汇总产物，流式与非流式共用。
type generateContext struct {
	prompts model.PromptSet
	vars    agent.Text2SQLVars
	tables  []model.ScoredTable
}

// prepare 执行生成前的全部阶段：参数合并、同义词改写、时间归一、
// 要素抽取、三路召回与提示词素材组装。
// 召回为空或指定表无法解析时返回 Validation 类错误，其余失败按降级处理。
func (s *nl2sqlService) prepare(ctx context.Context, req model.GenerateRequest, allowedTables []string) (*generateContext, error) {
	settings := s.settingsSvc.Resolve(ctx, req.Bizid, req.Settings)
	prompts := s.metaSvc.ResolvePrompts(ctx, req.Bizid)

	expanded, matched, err := s.synonymSvc.Expand(ctx, req.Bizid, req.Query)
	if err != nil {
		log.Warnf("[Nl2sqlService] 同义词改写失败，使用原始问题: %v", err)
		expanded, matched = req.Query, nil
	}

	normalized, err := s.stages.TimeConvert(ctx, prompts.TimeConvertAgent, expanded, time.Now())
	if err != nil {
		log.Warnf("[Nl2sqlService] 时间归一失败，跳过该阶段: %v", err)
		normalized = expanded
	}

	elements, err := s.stages.ExtractElements(ctx, prompts.ElementExtractAgent, normalized)
	if err != nil {
		log.Warnf("[Nl2sqlService] 要素抽取失败，跳过该阶段: %v", err)
		elements = agent.Elements{}
	}

	// 查询向量只计算一次，后续各路召回共享
	var queryVec []float32
	if req.TableID == "" || settings.DeepSemanticSearch {
		queryVec, err = s.embedWithRetry(ctx, normalized)
		if err != nil {
			log.Warnf("[Nl2sqlService] 查询编码失败，召回降级: %v", err)
			queryVec = nil
		}
	}

	// 深度语义检索时先做实体解析，解析出的表名单独编码，供名称向量路使用
	var entityVec []float32
	if settings.DeepSemanticSearch && queryVec != nil {
		parsed, err := s.stages.ParseQuery(ctx, prompts.QueryParseAgent, normalized)
		if err != nil {
			log.Warnf("[Nl2sqlService] 实体解析失败，跳过该阶段: %v", err)
		} else if parsed.Table != "" && parsed.Table != normalized {
			entityVec, err = s.embedWithRetry(ctx, parsed.Table)
			if err != nil {
				log.Warnf("[Nl2sqlService] 实体编码失败: %v", err)
				entityVec = nil
			}
		}
	}

	var allowed []string
	if settings.EnableTableAuth {
		allowed = allowedTables
	}

	tableResult, err := s.recallSvc.RecallTables(ctx, req.Bizid, TableRecallInput{
		Query:           normalized,
		PinnedTableID:   req.TableID,
		TopK:            s.nl2sqlCfg.TopK,
		MinScore:        settings.TableRetrieveThreshold,
		DeepSemantic:    settings.DeepSemanticSearch,
		AlphaBoost:      s.nl2sqlCfg.AlphaBoostFactor,
		AllowedTableIDs: allowed,
		QueryVector:     queryVec,
		EntityVector:    entityVec,
	})
	if err != nil {
		return nil, err
	}
	if len(tableResult.Tables) == 0 {
		return nil, errs.New(errs.KindValidation, noTableMatchedMsg)
	}

	tableIDs := make([]string, 0, len(tableResult.Tables))
	tables := make([]model.TableInfo, 0, len(tableResult.Tables))
	for _, st := range tableResult.Tables {
		tableIDs = append(tableIDs, st.Table.TableID)
		tables = append(tables, st.Table)
	}

	// 知识召回和维值召回彼此独立，并发执行
	var (
		knowledge KnowledgeRecallResult
		dimValues []model.ScoredDimValue
		wg        sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		knowledge = s.recallSvc.RecallKnowledge(ctx, req.Bizid, req.Query, queryVec, tableIDs)
	}()
	go func() {
		defer wg.Done()
		dimValues = s.recallSvc.RecallDimValues(ctx, req.Bizid, elements.Where, tableIDs)
	}()
	wg.Wait()

	fewshotCases, err := s.sqlCaseRepo.SearchByQuery(ctx, req.Bizid, normalized, 3)
	if err != nil {
		log.Warnf("[Nl2sqlService] 案例召回失败: %v", err)
	}

	vars := agent.Text2SQLVars{
		Query:          normalized,
		Schema:         agent.RenderSchemaDDL(tables[:1]),
		Synonym:        agent.RenderSynonym(matched),
		Fewshot:        agent.RenderFewshot(fewshotCases),
		FieldValueInfo: agent.RenderFieldValue(dimValues, tables),
	}
	if len(knowledge.Alpha) > 0 {
		vars.Metric = knowledge.Alpha[0].Knowledge.Value
	}
	if len(knowledge.Beta) > 0 {
		vars.BusinessKnowledge = knowledge.Beta[0].Value
	}

	return &generateContext{prompts: prompts, vars: vars, tables: tableResult.Tables}, nil
}

// Generate 非流式生成：直接消费流式事件通道直到终止事件。
func (s *nl2sqlService) Generate(ctx context.Context, req model.GenerateRequest, allowedTables []string) model.GenerateResponse {
	resp := model.GenerateResponse{Query: req.Query}

	var sb strings.Builder
	for event := range s.StreamGenerate(ctx, req, allowedTables) {
		switch event.Type {
		case model.EventChunk:
			sb.WriteString(event.Content)
		case model.EventCompletion:
			resp.Status = model.StatusSuccess
			resp.Results = []model.GenerateResult{{Sql: event.Content}}
		case model.EventError:
			resp.Status = statusOfError(event.Err)
			resp.Message = event.Err.Error()
		}
	}
	return resp
}

// StreamGenerate 流式生成。
func (s *nl2sqlService) StreamGenerate(ctx context.Context, req model.GenerateRequest, allowedTables []string) <-chan model.StreamEvent {
	out := make(chan model.StreamEvent, 16)
	start := time.Now()

	go func() {
		defer close(out)

		emit := func(event model.StreamEvent) bool {
			select {
			case out <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			emit(model.StreamEvent{Type: model.EventError, Err: err})
			s.recordGeneration(req, "", err, start)
		}

		if req.Bizid == "" || req.Query == "" {
			fail(errs.New(errs.KindValidation, "bizid 和 query 不能为空"))
			return
		}

		gc, err := s.prepare(ctx, req, allowedTables)
		if err != nil {
			fail(err)
			return
		}

		var sb strings.Builder
		err = s.stages.Text2SQLStream(ctx, gc.prompts.Nl2sqlAgent, gc.vars, func(chunk string) error {
			sb.WriteString(chunk)
			if !emit(model.StreamEvent{Type: model.EventChunk, Content: chunk}) {
				return ctx.Err()
			}
			return nil
		})
		if err == nil && sb.Len() == 0 {
			err = errs.New(errs.KindGenerationFailure, "生成结果中没有可提取的 SQL")
		}
		if err != nil {
			// 已经向客户端吐过分块就不再重试，补发完整 SQL 会让分块拼接出现重复前缀
			if sb.Len() > 0 {
				fail(err)
				return
			}
			// 尚未产出任何内容时改走非流式补全重试一次，成功则照常收尾
			sql, retryErr := s.stages.Text2SQL(ctx, gc.prompts.Nl2sqlAgent, gc.vars)
			if retryErr != nil {
				fail(err)
				return
			}
			sb.WriteString(sql)
			if !emit(model.StreamEvent{Type: model.EventChunk, Content: sql}) {
				return
			}
		}

		sql := strings.TrimSpace(sb.String())
		emit(model.StreamEvent{Type: model.EventCompletion, Content: sql})
		s.recordGeneration(req, sql, nil, start)
	}()

	return out
}

// QueryMetadata 只跑召回，返回候选表与命中的 alpha 标签。
func (s *nl2sqlService) QueryMetadata(ctx context.Context, req model.GenerateRequest, allowedTables []string) model.QueryMetadataResponse {
	resp := model.QueryMetadataResponse{Query: req.Query}
	if req.Bizid == "" || req.Query == "" {
		resp.Status = model.StatusFailed
		resp.Message = "bizid 和 query 不能为空"
		return resp
	}

	gc, err := s.prepare(ctx, req, allowedTables)
	if err != nil {
		resp.Status = statusOfError(err)
		resp.Message = err.Error()
		return resp
	}

	resp.Status = model.StatusSuccess
	seen := map[string]bool{}
	for _, st := range gc.tables {
		table := st.Table
		// 向量不回传给调用方
		table.SemanticVector, table.NameVector, table.CommentVector, table.FieldsVector = nil, nil, nil, nil
		resp.Tables = append(resp.Tables, table)
		seen[table.TableID] = true
	}
	knowledges, err := s.metaSvc.ListKnowledges(ctx, req.Bizid)
	if err != nil {
		log.Warnf("[Nl2sqlService] 读取知识失败: %v", err)
		return resp
	}
	alphaSeen := map[string]bool{}
	for _, k := range knowledges {
		if k.KeyAlpha != "" && seen[k.TableID] && !alphaSeen[k.KeyAlpha] {
			alphaSeen[k.KeyAlpha] = true
			resp.AlphaKeys = append(resp.AlphaKeys, k.KeyAlpha)
		}
	}
	return resp
}

func (s *nl2sqlService) SqlExplain(ctx context.Context, req model.SqlTransformRequest) model.SqlTransformResponse {
	prompts := s.metaSvc.ResolvePrompts(ctx, req.Bizid)
	result, err := s.stages.Explain(ctx, prompts.SqlExplainAgent, req.Sql, agent.RenderTableInfo(req.TableInfo))
	return transformResponse(result, err)
}

func (s *nl2sqlService) SqlComment(ctx context.Context, req model.SqlTransformRequest) model.SqlTransformResponse {
	prompts := s.metaSvc.ResolvePrompts(ctx, req.Bizid)
	result, err := s.stages.Comment(ctx, prompts.SqlCommentAgent, req.Sql)
	return transformResponse(result, err)
}

func (s *nl2sqlService) SqlCorrect(ctx context.Context, req model.SqlTransformRequest) model.SqlTransformResponse {
	prompts := s.metaSvc.ResolvePrompts(ctx, req.Bizid)
	result, err := s.stages.Correct(ctx, prompts.SqlCorrectAgent, req.Sql, req.Hint)
	return transformResponse(result, err)
}

// embedWithRetry 查询编码，失败后带退避重试一次。编码是幂等读。
func (s *nl2sqlService) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.encoder.Embed(ctx, text)
	if err == nil || !retryWait(ctx) {
		return vec, err
	}
	return s.encoder.Embed(ctx, text)
}

// ListGenRecords 按租户倒序返回最近的生成审计记录。
func (s *nl2sqlService) ListGenRecords(bizid string, limit int) ([]model.GenRecord, error) {
	if bizid == "" {
		return nil, errs.New(errs.KindValidation, "bizid 不能为空")
	}
	if s.genRecordRepo == nil {
		return nil, nil
	}
	return s.genRecordRepo.ListByBizid(bizid, limit)
}

// recordGeneration 审计落库，失败只记日志。
func (s *nl2sqlService) recordGeneration(req model.GenerateRequest, sql string, genErr error, start time.Time) {
	if s.genRecordRepo == nil {
		return
	}
	record := &model.GenRecord{
		Bizid:     req.Bizid,
		Query:     req.Query,
		Sql:       sql,
		Status:    model.StatusSuccess,
		LatencyMs: time.Since(start).Milliseconds(),
		Stream:    req.Stream,
	}
	if genErr != nil {
		record.Status = statusOfError(genErr)
		record.Message = genErr.Error()
	}
	go func() {
		if err := s.genRecordRepo.Create(record); err != nil {
			log.Warnf("[Nl2sqlService] 生成记录落库失败: %v", err)
		}
	}()
}

// statusOfError 业务性失败返回 failed，其余视为内部错误。
func statusOfError(err error) string {
	if errs.Is(err, errs.KindValidation) {
		return model.StatusFailed
	}
	return model.StatusError
}

func transformResponse(result string, err error) model.SqlTransformResponse {
	if err != nil {
		return model.SqlTransformResponse{
			BaseResponse: model.BaseResponse{Status: statusOfError(err), Message: err.Error()},
		}
	}
	return model.SqlTransformResponse{
		BaseResponse: model.BaseResponse{Status: model.StatusSuccess},
		Result:       result,
	}
}
