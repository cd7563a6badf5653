package repository

import (
	"gorm.io/gorm"

	"github.com/Tele-AI/nl2sql/internal/model"
)

// GenRecordRepository 生成请求审计记录存取。
type GenRecordRepository interface {
	Create(record *model.GenRecord) error
	ListByBizid(bizid string, limit int) ([]model.GenRecord, error)
}

type genRecordRepository struct {
	db *gorm.DB
}

// NewGenRecordRepository 创建审计记录仓库。
func NewGenRecordRepository(db *gorm.DB) GenRecordRepository {
	return &genRecordRepository{db: db}
}

func (r *genRecordRepository) Create(record *model.GenRecord) error {
	return r.db.Create(record).Error
}

func (r *genRecordRepository) ListByBizid(bizid string, limit int) ([]model.GenRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []model.GenRecord
	err := r.db.Where("bizid = ?", bizid).Order("id desc").Limit(limit).Find(&records).Error
	return records, err
}
