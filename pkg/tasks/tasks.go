// Package tasks 定义投递到 Kafka 的异步任务结构。
package tasks

// TableVectorizeTask 表向量化任务。表元数据写入后异步重算四路向量，
// 编码器短暂不可用时靠消费侧重试达到最终一致。
type TableVectorizeTask struct {
	Bizid   string `json:"bizid"`
	TableID string `json:"table_id"`
}

// Key 任务的幂等键，同一张表的失败计数共用一个键。
func (t TableVectorizeTask) Key() string {
	return t.Bizid + ":" + t.TableID
}
