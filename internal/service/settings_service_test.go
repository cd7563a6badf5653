package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Tele-AI/nl2sql/internal/config"
	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/stretchr/testify/assert"
)

type fakeSettingsRepo struct {
	repository.SettingsRepository
	settings *model.Settings
	err      error
}

func (f *fakeSettingsRepo) Get(ctx context.Context, bizid string) (*model.Settings, error) {
	return f.settings, f.err
}

func testDefaults() config.NL2SQLConfig {
	return config.NL2SQLConfig{
		TableRetrieveThreshold: 0.7,
		EnableTableAuth:        false,
		DeepSemanticSearch:     false,
		TopK:                   5,
		AlphaBoostFactor:       0.9,
	}
}

func TestSettingsResolveThreeLayers(t *testing.T) {
	threshold := 0.5
	deep := true
	repo := &fakeSettingsRepo{settings: &model.Settings{
		Bizid:                  "biz1",
		TableRetrieveThreshold: &threshold,
		DeepSemanticSearch:     &deep,
	}}
	svc := NewSettingsService(repo, testDefaults())

	overrideThreshold := 0.9
	effective := svc.Resolve(context.Background(), "biz1", &model.SettingsOverride{
		TableRetrieveThreshold: &overrideThreshold,
	})

	// 覆盖层拿走阈值，租户层的 deep_semantic_search 保留，其余回落默认值
	assert.Equal(t, 0.9, effective.TableRetrieveThreshold)
	assert.True(t, effective.DeepSemanticSearch)
	assert.False(t, effective.EnableTableAuth)
}

func TestSettingsResolveDefaultsOnly(t *testing.T) {
	svc := NewSettingsService(&fakeSettingsRepo{}, testDefaults())
	effective := svc.Resolve(context.Background(), "biz1", nil)
	assert.Equal(t, 0.7, effective.TableRetrieveThreshold)
	assert.False(t, effective.DeepSemanticSearch)
}

func TestSettingsResolveRepoErrorFallsBack(t *testing.T) {
	// 租户层读取失败按未配置处理，请求继续
	svc := NewSettingsService(&fakeSettingsRepo{err: errors.New("es down")}, testDefaults())
	effective := svc.Resolve(context.Background(), "biz1", nil)
	assert.Equal(t, 0.7, effective.TableRetrieveThreshold)
}
