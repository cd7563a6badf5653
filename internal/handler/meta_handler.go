// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"time"

	"github.com/Tele-AI/nl2sql/internal/errs"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/service"
	"github.com/Tele-AI/nl2sql/pkg/log"
	"github.com/Tele-AI/nl2sql/pkg/token"
	"github.com/gin-gonic/gin"
)

// MetaHandler 负责所有元数据的增删改查接口与表权限 token 签发。
type MetaHandler struct {
	metaService service.MetaService
	jwtManager  *token.JWTManager
}

// NewMetaHandler 创建一个新的 MetaHandler 实例。
func NewMetaHandler(metaService service.MetaService, jwtManager *token.JWTManager) *MetaHandler {
	return &MetaHandler{metaService: metaService, jwtManager: jwtManager}
}

// respondOK 统一的成功响应。
func respondOK(c *gin.Context, extra gin.H) {
	body := gin.H{"status": model.StatusSuccess}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// respondErr 参数类错误回 failed，其余回 error。
func respondErr(c *gin.Context, err error) {
	if errs.Is(err, errs.KindValidation) {
		c.JSON(http.StatusBadRequest, gin.H{"status": model.StatusFailed, "message": err.Error()})
		return
	}
	log.Errorf("[MetaHandler] %s 处理失败: %v", c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"status": model.StatusError, "message": err.Error()})
}

func respondBindErr(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"status": model.StatusFailed, "message": "请求参数非法: " + err.Error()})
}

// CreateBusiness 创建业务域。
func (h *MetaHandler) CreateBusiness(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.CreateBusiness(c.Request.Context(), req.Bizid); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// ListBusinesses 列出全部业务域。
func (h *MetaHandler) ListBusinesses(c *gin.Context) {
	businesses, err := h.metaService.ListBusinesses(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"businesses": businesses})
}

// DeleteBusiness 删除业务域并级联清理名下实体。
func (h *MetaHandler) DeleteBusiness(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.DeleteBusiness(c.Request.Context(), req.Bizid); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// UpsertTables 批量写入表元数据。
func (h *MetaHandler) UpsertTables(c *gin.Context) {
	var req model.TableUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.UpsertTables(c.Request.Context(), req.Bizid, req.Tables); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// ListTables 列出租户下的所有表。
func (h *MetaHandler) ListTables(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	tables, err := h.metaService.ListTables(c.Request.Context(), req.Bizid)
	if err != nil {
		respondErr(c, err)
		return
	}
	for i := range tables {
		tables[i].SemanticVector = nil
		tables[i].NameVector = nil
		tables[i].CommentVector = nil
		tables[i].FieldsVector = nil
	}
	respondOK(c, gin.H{"tables": tables})
}

// DeleteTable 删除表并级联清理知识与维值。
func (h *MetaHandler) DeleteTable(c *gin.Context) {
	var req model.DeleteByIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.DeleteTable(c.Request.Context(), req.Bizid, req.ID); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// SearchTables 调试接口：按语义向量召回表。
func (h *MetaHandler) SearchTables(c *gin.Context) {
	var req model.EmbeddingSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	results, err := h.metaService.SearchTablesByEmbedding(c.Request.Context(), req.Bizid, req.Query, req.TopK, req.MinScore)
	if err != nil {
		respondErr(c, err)
		return
	}
	type scored struct {
		TableID   string  `json:"table_id"`
		TableName string  `json:"table_name"`
		Score     float64 `json:"score"`
	}
	out := make([]scored, 0, len(results))
	for _, r := range results {
		out = append(out, scored{TableID: r.Table.TableID, TableName: r.Table.TableName, Score: r.Score})
	}
	respondOK(c, gin.H{"results": out})
}

// UpsertKnowledges 批量写入知识条目。
func (h *MetaHandler) UpsertKnowledges(c *gin.Context) {
	var req model.KnowledgeUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.UpsertKnowledges(c.Request.Context(), req.Bizid, req.Knowledges); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// ListKnowledges 列出租户下的所有知识条目。
func (h *MetaHandler) ListKnowledges(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	knowledges, err := h.metaService.ListKnowledges(c.Request.Context(), req.Bizid)
	if err != nil {
		respondErr(c, err)
		return
	}
	for i := range knowledges {
		knowledges[i].KeyAlphaEmbedding = nil
	}
	respondOK(c, gin.H{"knowledges": knowledges})
}

// DeleteKnowledge 删除单条知识。
func (h *MetaHandler) DeleteKnowledge(c *gin.Context) {
	var req model.DeleteByIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.DeleteKnowledge(c.Request.Context(), req.Bizid, req.ID); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// SearchKnowledge 调试接口：按 alpha 标签向量召回知识。
func (h *MetaHandler) SearchKnowledge(c *gin.Context) {
	var req model.EmbeddingSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	results, err := h.metaService.SearchKnowledgeByEmbedding(c.Request.Context(), req.Bizid, req.Query, req.TopK, req.MinScore)
	if err != nil {
		respondErr(c, err)
		return
	}
	type scored struct {
		KnowledgeID string  `json:"knowledge_id"`
		KeyAlpha    string  `json:"key_alpha"`
		Value       string  `json:"value"`
		Score       float64 `json:"score"`
	}
	out := make([]scored, 0, len(results))
	for _, r := range results {
		out = append(out, scored{
			KnowledgeID: r.Knowledge.KnowledgeID,
			KeyAlpha:    r.Knowledge.KeyAlpha,
			Value:       r.Knowledge.Value,
			Score:       r.Score,
		})
	}
	respondOK(c, gin.H{"results": out})
}

// UpsertSynonyms 写入同义词规则。
func (h *MetaHandler) UpsertSynonyms(c *gin.Context) {
	var req model.SynonymUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.UpsertSynonyms(c.Request.Context(), req.Bizid, req.Synonyms); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// ListSynonyms 列出租户下的同义词规则。
func (h *MetaHandler) ListSynonyms(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	synonyms, err := h.metaService.ListSynonyms(c.Request.Context(), req.Bizid)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"synonyms": synonyms})
}

// DeleteSynonym 按 primary 删除一条同义词规则。
func (h *MetaHandler) DeleteSynonym(c *gin.Context) {
	var req model.DeleteByIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.DeleteSynonym(c.Request.Context(), req.Bizid, req.ID); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// UpdateSettings 更新租户参数。
func (h *MetaHandler) UpdateSettings(c *gin.Context) {
	var req model.SettingsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.UpdateSettings(c.Request.Context(), req.Bizid, req.Settings); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// GetSettings 读取租户参数，未配置时返回空对象。
func (h *MetaHandler) GetSettings(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	settings, err := h.metaService.GetSettings(c.Request.Context(), req.Bizid)
	if err != nil {
		respondErr(c, err)
		return
	}
	if settings == nil {
		settings = &model.Settings{Bizid: req.Bizid}
	}
	respondOK(c, gin.H{"settings": settings})
}

// UpsertDimValues 批量写入维值。
func (h *MetaHandler) UpsertDimValues(c *gin.Context) {
	var req model.DimValueUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.UpsertDimValues(c.Request.Context(), req.Bizid, req.Values); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// ListDimValues 列出租户下的全部维值。
func (h *MetaHandler) ListDimValues(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	values, err := h.metaService.ListDimValues(c.Request.Context(), req.Bizid)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"values": values})
}

// DeleteDimValues 删除指定表（或表下指定字段）的维值。
func (h *MetaHandler) DeleteDimValues(c *gin.Context) {
	var req model.DimValueDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.DeleteDimValues(c.Request.Context(), req.Bizid, req.TableID, req.FieldID); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// SearchDimValues 维值模糊检索。
func (h *MetaHandler) SearchDimValues(c *gin.Context) {
	var req model.DimValueSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	values, err := h.metaService.SearchDimValues(c.Request.Context(), req.Bizid, req.Query, req.TableID, req.FieldID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"values": values})
}

// UpsertSqlCases 批量写入 SQL 案例。
func (h *MetaHandler) UpsertSqlCases(c *gin.Context) {
	var req model.SqlCaseUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.UpsertSqlCases(c.Request.Context(), req.Bizid, req.Cases); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// ListSqlCases 列出租户下的 SQL 案例。
func (h *MetaHandler) ListSqlCases(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	cases, err := h.metaService.ListSqlCases(c.Request.Context(), req.Bizid)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"cases": cases})
}

// DeleteSqlCase 删除单条 SQL 案例。
func (h *MetaHandler) DeleteSqlCase(c *gin.Context) {
	var req model.DeleteByIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.DeleteSqlCase(c.Request.Context(), req.Bizid, req.ID); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// UpdatePrompts 更新租户提示词模板。
func (h *MetaHandler) UpdatePrompts(c *gin.Context) {
	var req model.PromptUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	if err := h.metaService.UpdatePrompts(c.Request.Context(), req.Bizid, req.Prompts); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, nil)
}

// GetPrompts 读取补齐默认值后的租户提示词模板。
func (h *MetaHandler) GetPrompts(c *gin.Context) {
	var req model.BizidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	prompts := h.metaService.ResolvePrompts(c.Request.Context(), req.Bizid)
	respondOK(c, gin.H{"prompts": prompts})
}

// defaultTokenTTL 表权限 token 的默认有效期。
const defaultTokenTTL = 24 * time.Hour

// CreateTableToken 为指定租户签发表权限 token。
func (h *MetaHandler) CreateTableToken(c *gin.Context) {
	var req model.TokenCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	ttl := defaultTokenTTL
	if req.TTLSec > 0 {
		ttl = time.Duration(req.TTLSec) * time.Second
	}
	signed, err := h.jwtManager.GenerateToken(req.Bizid, req.TableIDs, ttl)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"token": signed, "expires_in": int(ttl.Seconds())})
}
