package prompt

import "llmsheet/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 计算预扣模板固定开销后留给单元格文本的预算。
// 返回 (effectiveMax, overheadTokens)。若 maxTokens<=0（不限制），返回 (0, overhead)。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, int) {
	overhead := pb.EstimateOverheadTokens(MakeEstimator(bytesPerToken))
	if maxTokens <= 0 {
		return 0, overhead
	}
	return maxTokens - overhead, overhead
}

// CellFits 判断单元格文本代入模板后是否仍在预算内；maxTokens<=0 恒为 true。
func CellFits(pb contract.PromptBuilder, bytesPerToken, maxTokens int, cell string) bool {
	if maxTokens <= 0 {
		return true
	}
	eff, _ := EffectiveMaxTokens(pb, bytesPerToken, maxTokens)
	return MakeEstimator(bytesPerToken)(cell) <= eff
}
