// Package detect 根据列名猜测备注列。
package detect

import "strings"

// 默认子串：同时包含 agent 与 note 的列优先。
const (
	DefaultPrimary   = "agent"
	DefaultSecondary = "note"
)

// Suggest 返回首个小写列名同时包含 primary 与 secondary 的列；
// 否则返回首个仅包含 secondary 的列；都没有时 ok=false，由调用方要求手动指定。
// 纯函数，按列序取第一个命中。
func Suggest(names []string, primary, secondary string) (string, bool) {
	primary = strings.ToLower(primary)
	secondary = strings.ToLower(secondary)
	fallback := -1
	for i, n := range names {
		low := strings.ToLower(n)
		if !strings.Contains(low, secondary) {
			continue
		}
		if strings.Contains(low, primary) {
			return n, true
		}
		if fallback < 0 {
			fallback = i
		}
	}
	if fallback >= 0 {
		return names[fallback], true
	}
	return "", false
}
