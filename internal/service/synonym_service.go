package service

import (
	"context"
	"sort"
	"strings"

	"github.com/Tele-AI/nl2sql/internal/repository"
	"github.com/Tele-AI/nl2sql/pkg/log"
)

// SynonymService 同义词扩展。
// 命中 secondary 词时在原文后面追加对应的 primary 词（不替换），
// 下游模型可以同时看到两种表述。
type SynonymService interface {
	// Expand 返回扩展后的文本以及命中的 secondary -> primary 映射。
	Expand(ctx context.Context, bizid, text string) (string, map[string]string, error)
}

type synonymService struct {
	repo repository.SynonymRepository
}

// NewSynonymService 创建同义词服务。
func NewSynonymService(repo repository.SynonymRepository) SynonymService {
	return &synonymService{repo: repo}
}

type secondaryEntry struct {
	secondary string
	primary   string
}

func (s *synonymService) Expand(ctx context.Context, bizid, text string) (string, map[string]string, error) {
	rules, err := s.repo.List(ctx, bizid)
	if err != nil {
		return text, nil, err
	}

	// 展平所有 secondary，最长匹配优先
	entries := make([]secondaryEntry, 0)
	for _, rule := range rules {
		for _, sec := range rule.Secondary {
			if sec == "" {
				continue
			}
			entries = append(entries, secondaryEntry{secondary: sec, primary: rule.Primary})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].secondary) > len(entries[j].secondary)
	})

	matched := make(map[string]string)
	expanded := text
	claimed := make(map[string]bool) // 已被更长的 secondary 覆盖的位置不再匹配

	for _, e := range entries {
		if !strings.Contains(text, e.secondary) {
			continue
		}
		if covered(claimed, e.secondary) {
			continue
		}
		claimed[e.secondary] = true
		matched[e.secondary] = e.primary

		// 已出现 primary 时不重复追加，保证幂等
		if strings.Contains(expanded, e.primary) {
			continue
		}
		expanded = expanded + " " + e.primary
	}

	if len(matched) > 0 {
		log.Infof("[SynonymService] 同义词扩展命中 %d 条, bizid: %s", len(matched), bizid)
	}
	return expanded, matched, nil
}

// covered 判断 secondary 是否已是某个更长命中词的子串。
func covered(claimed map[string]bool, secondary string) bool {
	for c := range claimed {
		if strings.Contains(c, secondary) {
			return true
		}
	}
	return false
}
