package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Tele-AI/nl2sql/internal/model"
	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSynonymRepo struct {
	repository.SynonymRepository
	rules []model.SynonymRule
	err   error
}

func (f *fakeSynonymRepo) List(ctx context.Context, bizid string) ([]model.SynonymRule, error) {
	return f.rules, f.err
}

func TestSynonymExpandAppendsPrimary(t *testing.T) {
	repo := &fakeSynonymRepo{rules: []model.SynonymRule{
		{Bizid: "biz1", Primary: "营收", Secondary: []string{"销量", "销售额"}},
	}}
	svc := NewSynonymService(repo)

	expanded, matched, err := svc.Expand(context.Background(), "biz1", "深圳的销量")
	require.NoError(t, err)
	assert.Equal(t, "深圳的销量 营收", expanded)
	assert.Equal(t, map[string]string{"销量": "营收"}, matched)
}

func TestSynonymExpandIdempotent(t *testing.T) {
	repo := &fakeSynonymRepo{rules: []model.SynonymRule{
		{Bizid: "biz1", Primary: "营收", Secondary: []string{"销量"}},
	}}
	svc := NewSynonymService(repo)

	// 原文已包含 primary 时不重复追加
	expanded, _, err := svc.Expand(context.Background(), "biz1", "销量即营收")
	require.NoError(t, err)
	assert.Equal(t, "销量即营收", expanded)

	// 对已扩展的文本再扩展一次，结果不变
	first, _, err := svc.Expand(context.Background(), "biz1", "深圳的销量")
	require.NoError(t, err)
	second, _, err := svc.Expand(context.Background(), "biz1", first)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSynonymExpandLongestMatchWins(t *testing.T) {
	repo := &fakeSynonymRepo{rules: []model.SynonymRule{
		{Bizid: "biz1", Primary: "华南大区", Secondary: []string{"深圳南山"}},
		{Bizid: "biz1", Primary: "南山街道", Secondary: []string{"南山"}},
	}}
	svc := NewSynonymService(repo)

	expanded, matched, err := svc.Expand(context.Background(), "biz1", "深圳南山的订单")
	require.NoError(t, err)
	// 较短的"南山"被更长的命中词覆盖，不再单独匹配
	assert.Equal(t, "深圳南山的订单 华南大区", expanded)
	assert.Equal(t, map[string]string{"深圳南山": "华南大区"}, matched)
}

func TestSynonymExpandRepoError(t *testing.T) {
	svc := NewSynonymService(&fakeSynonymRepo{err: errors.New("es down")})
	expanded, matched, err := svc.Expand(context.Background(), "biz1", "深圳的销量")
	assert.Error(t, err)
	assert.Equal(t, "深圳的销量", expanded)
	assert.Nil(t, matched)
}
