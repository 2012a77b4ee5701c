// Package upstream 将各后端 SDK/HTTP 传输层错误归一到 contract 哨兵。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"llmsheet/pkg/contract"
)

// Wrap 归类传输错误：
//   - 已归类（ErrTimeout/ErrConnection/ErrProvider）原样返回；
//   - 调用方取消原样返回；
//   - 超时（ctx deadline 或 net.Error.Timeout）→ ErrTimeout；
//   - 其余网络错误（拒绝连接、DNS、url.Error）→ ErrConnection。
func Wrap(client string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, contract.ErrTimeout) || errors.Is(err, contract.ErrConnection) || errors.Is(err, contract.ErrProvider) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%s: %w", client, contract.ErrTimeout)
	}
	var uerr *url.Error
	var operr *net.OpError
	if errors.As(err, &operr) || errors.As(err, &uerr) || errors.As(err, &nerr) {
		return fmt.Errorf("%s: %w: %v", client, contract.ErrConnection, err)
	}
	return fmt.Errorf("%s: %w", client, err)
}

// Status 生成非 2xx 的 HTTPError；消息截断到 maxMsg 个字符。
func Status(code int, msg string) error {
	return contract.NewHTTPError(code, Truncate(strings.TrimSpace(msg), maxMsg))
}

const maxMsg = 300

// Truncate 按 rune 截断并追加省略号。
func Truncate(s string, n int) string {
	rs := []rune(s)
	if n <= 0 || len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}
