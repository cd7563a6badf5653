package model

// StreamEventType 流式生成事件的类型。
type StreamEventType string

const (
	// EventChunk 一段增量生成内容。
	EventChunk StreamEventType = "chunk"
	// EventCompletion 终止事件，生成正常结束。
	EventCompletion StreamEventType = "completion"
	// EventError 终止事件，生成中途失败。
	EventError StreamEventType = "error"
)

// StreamEvent 流式生成的单个事件。
// 一个会话中 chunk 事件任意多个，终止事件（completion 或 error）恰好一个，
// 终止事件之后通道关闭，不再产生任何事件。
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Err     error           `json:"-"`
}

// Terminal 判断事件是否为终止事件。
func (e StreamEvent) Terminal() bool {
	return e.Type == EventCompletion || e.Type == EventError
}
