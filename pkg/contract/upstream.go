package contract

import "strconv"

// UpstreamError 承载后端非 2xx 响应的最小诊断信息。
// 状态码用于单元格哨兵与结构化日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// HTTPError 是 UpstreamError 的通用实现，Is(ErrProvider) 为真。
type HTTPError struct {
	Status  int
	Message string
	// Kind: 额外归类哨兵（如 ErrRateLimited）；为空时等同 ErrProvider。
	Kind error
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return "upstream status " + strconv.Itoa(e.Status)
	}
	return "upstream status " + strconv.Itoa(e.Status) + ": " + e.Message
}

func (e *HTTPError) Is(target error) bool {
	if target == ErrProvider {
		return true
	}
	return e.Kind != nil && target == e.Kind
}

func (e *HTTPError) UpstreamStatus() int     { return e.Status }
func (e *HTTPError) UpstreamMessage() string { return e.Message }

// NewHTTPError 根据状态码挑选归类哨兵。
func NewHTTPError(status int, msg string) *HTTPError {
	e := &HTTPError{Status: status, Message: msg}
	if status == 429 {
		e.Kind = ErrRateLimited
	}
	return e
}
