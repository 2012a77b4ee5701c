package contract

import "context"

// Raw: 后端返回的原始文本载荷。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text string
}

// Backend: 单次文本生成能力。
// 同步返回；应尊重 ctx 取消/超时。失败需可被 errors.Is 归类为
// ErrConnection / ErrTimeout / ErrProvider 之一（其余视为未知）。
type Backend interface {
	Generate(ctx context.Context, p Prompt, model string) (Raw, error)
}

// Prober: 可选扩展，用于状态探测与模型列举（非核心契约）。
type Prober interface {
	Status(ctx context.Context) error
	Models(ctx context.Context) ([]string, error)
}

// ModelDefaulter: 可选扩展，未显式配置模型时的默认模型名。
type ModelDefaulter interface {
	DefaultModel() string
}
