package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Tele-AI/nl2sql/internal/middleware"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/service"
	"github.com/Tele-AI/nl2sql/pkg/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// Nl2sqlHandler 负责生成链路的接口：generate、query_metadata 与 SQL 变换。
type Nl2sqlHandler struct {
	nl2sqlService service.Nl2sqlService
}

// NewNl2sqlHandler 创建一个新的 Nl2sqlHandler 实例。
func NewNl2sqlHandler(nl2sqlService service.Nl2sqlService) *Nl2sqlHandler {
	return &Nl2sqlHandler{nl2sqlService: nl2sqlService}
}

// streamFrame SSE 与 WebSocket 共用的事件帧。
type streamFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func frameOf(event model.StreamEvent) streamFrame {
	frame := streamFrame{Type: string(event.Type), Content: event.Content}
	switch event.Type {
	case model.EventCompletion:
		frame.Status = model.StatusSuccess
	case model.EventError:
		frame.Status = model.StatusError
		if event.Err != nil {
			frame.Message = event.Err.Error()
		}
	}
	return frame
}

// Generate 处理生成请求，stream 为 true 时切换到 SSE 推送。
func (h *Nl2sqlHandler) Generate(c *gin.Context) {
	var req model.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	allowed := middleware.AllowedTables(c)

	if !req.Stream {
		resp := h.nl2sqlService.Generate(c.Request.Context(), req, allowed)
		c.JSON(http.StatusOK, resp)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	for event := range h.nl2sqlService.StreamGenerate(c.Request.Context(), req, allowed) {
		b, err := json.Marshal(frameOf(event))
		if err != nil {
			log.Errorf("[Nl2sqlHandler] 事件序列化失败: %v", err)
			continue
		}
		if _, err := c.Writer.WriteString("data: " + string(b) + "\n\n"); err != nil {
			log.Warnf("[Nl2sqlHandler] SSE 写出失败，客户端可能已断开: %v", err)
			return
		}
		c.Writer.Flush()
	}
}

// GenerateWS 处理 WebSocket 生成连接：一次连接服务一条问题。
// 流式推送期间收到 {"type":"stop"} 或连接断开时取消上游生成。
func (h *Nl2sqlHandler) GenerateWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	_, message, err := conn.ReadMessage()
	if err != nil {
		log.Warnf("从 WebSocket 读取请求失败: %v", err)
		return
	}
	var req model.GenerateRequest
	if err := json.Unmarshal(message, &req); err != nil {
		b, _ := json.Marshal(streamFrame{Type: string(model.EventError), Status: model.StatusFailed, Message: "请求参数非法"})
		_ = conn.WriteMessage(websocket.TextMessage, b)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 后台读协程：收到停止指令或连接断开即取消生成
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			var ctrl struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &ctrl); err == nil && ctrl.Type == "stop" {
				log.Info("收到停止指令，正在中断流式响应...")
				cancel()
				return
			}
		}
	}()

	allowed := middleware.AllowedTables(c)
	for event := range h.nl2sqlService.StreamGenerate(ctx, req, allowed) {
		b, err := json.Marshal(frameOf(event))
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warnf("WebSocket 写出失败: %v", err)
			return
		}
	}
}

// QueryMetadata 只做召回，返回候选表与命中的 alpha 标签。
func (h *Nl2sqlHandler) QueryMetadata(c *gin.Context) {
	var req model.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	resp := h.nl2sqlService.QueryMetadata(c.Request.Context(), req, middleware.AllowedTables(c))
	c.JSON(http.StatusOK, resp)
}

// SqlExplain 解释一条 SQL 的查询意图。
func (h *Nl2sqlHandler) SqlExplain(c *gin.Context) {
	h.transform(c, h.nl2sqlService.SqlExplain)
}

// SqlComment 为一条 SQL 添加注释。
func (h *Nl2sqlHandler) SqlComment(c *gin.Context) {
	h.transform(c, h.nl2sqlService.SqlComment)
}

// SqlCorrect 修正一条 SQL，可携带上次执行的报错信息。
func (h *Nl2sqlHandler) SqlCorrect(c *gin.Context) {
	h.transform(c, h.nl2sqlService.SqlCorrect)
}

func (h *Nl2sqlHandler) transform(c *gin.Context, fn func(context.Context, model.SqlTransformRequest) model.SqlTransformResponse) {
	var req model.SqlTransformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	c.JSON(http.StatusOK, fn(c.Request.Context(), req))
}

// ListGenRecords 查询租户最近的生成审计记录。
func (h *Nl2sqlHandler) ListGenRecords(c *gin.Context) {
	var req model.GenRecordListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindErr(c, err)
		return
	}
	records, err := h.nl2sqlService.ListGenRecords(req.Bizid, req.Limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"records": records})
}
