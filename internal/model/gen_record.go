package model

// GenRecord 一次生成请求的审计记录，落在 MySQL，用于排查与离线分析。
type GenRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Bizid     string    `gorm:"index;size:64" json:"bizid"`
	Query     string    `gorm:"type:text" json:"query"`
	Sql       string    `gorm:"type:text" json:"sql"`
	Status    string    `gorm:"size:16" json:"status"`
	Message   string    `gorm:"type:text" json:"message"`
	LatencyMs int64     `json:"latency_ms"`
	Stream    bool      `json:"stream"`
	CreatedAt LocalTime `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名。
func (GenRecord) TableName() string {
	return "gen_records"
}
