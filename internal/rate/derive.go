package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DeriveKeyFromProviderOptions 从后端 client 标识与其原样 Options JSON 派生限流分组键。
// 托管后端按 client+sha256(api key) 分组，找不到 key 时返回错误；
// 本地后端（ollama/mock/flaky）无凭据，按 client+base_url 分组。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	// 避免依赖 plugins/* 的具体类型，这里按通用 JSON 键解析。
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(key string) string {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}

	switch client {
	case "ollama", "mock", "flaky":
		base := pick("base_url")
		if base == "" {
			base = "default"
		}
		return LimitKey(client + ":" + base), nil
	}

	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
