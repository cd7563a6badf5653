package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindValidation, "bizid 不能为空")
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindValidation, kind)

	// 透过 fmt.Errorf 包装仍能识别类别
	wrapped := fmt.Errorf("处理失败: %w", err)
	assert.True(t, Is(wrapped, KindValidation))
	assert.False(t, Is(wrapped, KindUpstreamUnavailable))

	// 未分类错误
	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUpstreamUnavailable, "es 查询失败", cause)

	assert.True(t, Is(err, KindUpstreamUnavailable))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "es 查询失败")
	assert.Contains(t, err.Error(), "connection refused")
}
