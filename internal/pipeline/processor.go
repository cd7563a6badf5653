// Package pipeline 定义了表向量化任务的消费端处理流程。
package pipeline

import (
	"context"

	"github.com/Tele-AI/nl2sql/internal/service"
	"github.com/Tele-AI/nl2sql/pkg/log"
	"github.com/Tele-AI/nl2sql/pkg/tasks"
)

// Processor 消费表向量化任务，重算并回写表的各路向量。
type Processor struct {
	metaSvc service.MetaService
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(metaSvc service.MetaService) *Processor {
	return &Processor{metaSvc: metaSvc}
}

// Process 处理单条向量化任务。返回错误时由消费端按重试策略处理。
func (p *Processor) Process(ctx context.Context, task tasks.TableVectorizeTask) error {
	log.Infof("[Processor] 开始向量化, bizid: %s, table_id: %s", task.Bizid, task.TableID)
	if err := p.metaSvc.VectorizeTable(ctx, task.Bizid, task.TableID); err != nil {
		log.Errorf("[Processor] 向量化失败, table_id: %s, err: %v", task.TableID, err)
		return err
	}
	log.Infof("[Processor] 向量化完成, table_id: %s", task.TableID)
	return nil
}
