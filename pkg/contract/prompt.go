package contract

import "context"

// Prompt: 渲染完成的提示词文本。
type Prompt string

// PromptBuilder: 将单元格文本代入模板，构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 源文本原样代入，不做清洗；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, text string) (Prompt, error)
	// EstimateOverheadTokens: 模板固定部分（不含源文本）的近似 token 数。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int
