//go:build !vse

package engine

import "errors"

// NewVSEBackend 在未启用 vse 构建标签时不可用，
// 此时可在配置中选择 sine 后端。
func NewVSEBackend() (Backend, error) {
	return nil, errors.New("原生引擎未编译进此二进制（需要 vse 构建标签）")
}
