// Package service 实现召回、同义词、参数解析与生成编排等业务逻辑。
package service

import (
	"context"

	"github.com/Tele-AI/nl2sql/internal/config"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/Tele-AI/nl2sql/pkg/log"
)

// SettingsService 解析一次请求的生效参数。
// 合并顺序：进程默认值 < 租户 settings < 单次调用覆盖，逐字段合并，
// 未设置的字段不会覆盖低层已设置的取值。
type SettingsService interface {
	Resolve(ctx context.Context, bizid string, override *model.SettingsOverride) model.EffectiveSettings
}

type settingsService struct {
	repo     repository.SettingsRepository
	defaults config.NL2SQLConfig
}

// NewSettingsService 创建参数解析服务。
func NewSettingsService(repo repository.SettingsRepository, defaults config.NL2SQLConfig) SettingsService {
	return &settingsService{repo: repo, defaults: defaults}
}

func (s *settingsService) Resolve(ctx context.Context, bizid string, override *model.SettingsOverride) model.EffectiveSettings {
	effective := model.EffectiveSettings{
		TableRetrieveThreshold: s.defaults.TableRetrieveThreshold,
		EnableTableAuth:        s.defaults.EnableTableAuth,
		DeepSemanticSearch:     s.defaults.DeepSemanticSearch,
	}

	// 租户层：读取失败按未配置处理，不影响本次请求
	tenant, err := s.repo.Get(ctx, bizid)
	if err != nil {
		log.Warnf("[SettingsService] 读取租户参数失败, bizid: %s, err: %v", bizid, err)
	}
	if tenant != nil {
		applySettings(&effective, tenant.TableRetrieveThreshold, tenant.EnableTableAuth, tenant.DeepSemanticSearch)
	}

	// 调用层
	if override != nil {
		applySettings(&effective, override.TableRetrieveThreshold, override.EnableTableAuth, override.DeepSemanticSearch)
	}
	return effective
}

func applySettings(dst *model.EffectiveSettings, threshold *float64, tableAuth, deepSearch *bool) {
	if threshold != nil {
		dst.TableRetrieveThreshold = *threshold
	}
	if tableAuth != nil {
		dst.EnableTableAuth = *tableAuth
	}
	if deepSearch != nil {
		dst.DeepSemanticSearch = *deepSearch
	}
}
