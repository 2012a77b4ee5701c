package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类（用于上层策略判定与单元格哨兵文本）。
var (
	// ErrConfig: 批处理开始前即可判定的配置错误（缺列、行数非法等）；整批中止。
	ErrConfig = errors.New("configuration error")
	// ErrConnection: 后端不可达（本地服务未启动、DNS/拒绝连接）。
	ErrConnection = errors.New("connection failed")
	// ErrTimeout: 后端读超时。
	ErrTimeout = errors.New("request timed out")
	// ErrProvider: 后端可达但拒绝请求（非 2xx：凭据、配额等）。
	ErrProvider = errors.New("provider error")
	// ErrRateLimited: ErrProvider 的细分（429）。
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrProvider)
	// ErrEmptyOutput: 后端 2xx 但未返回任何文本。
	ErrEmptyOutput = fmt.Errorf("%w: empty response", ErrProvider)
	// ErrInvalidInput: 输入不可解析或选项非法。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 单次请求超出 token 预算。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// ErrorPrefix: 错误哨兵单元格的固定前缀。
const ErrorPrefix = "Error: "

// ErrorCell 将行级失败映射为写入单元格的哨兵文本。
func ErrorCell(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return ErrorPrefix + "Request timed out"
	case errors.Is(err, ErrConnection):
		return ErrorPrefix + "service not running (" + err.Error() + ")"
	}
	var ue UpstreamError
	if errors.As(err, &ue) && ue.UpstreamStatus() > 0 {
		if msg := ue.UpstreamMessage(); msg != "" {
			return fmt.Sprintf("%sHTTP %d: %s", ErrorPrefix, ue.UpstreamStatus(), msg)
		}
		return fmt.Sprintf("%sHTTP %d", ErrorPrefix, ue.UpstreamStatus())
	}
	return ErrorPrefix + err.Error()
}

// IsErrorCell 判断单元格是否为错误哨兵。
func IsErrorCell(s string) bool {
	return len(s) >= len(ErrorPrefix) && s[:len(ErrorPrefix)] == ErrorPrefix
}
