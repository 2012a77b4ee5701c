package rate

import (
	"context"

	"llmsheet/pkg/contract"
)

// Gated 在后端调用前经由 Gate 放行，额度不足时在调用内部等待。
// Estimate 为空时按 0 token 申请。
type Gated struct {
	Inner    contract.Backend
	Gate     Gate
	Key      LimitKey
	Estimate contract.TokenEstimator
}

func (g *Gated) Generate(ctx context.Context, p contract.Prompt, model string) (contract.Raw, error) {
	if g.Gate != nil {
		ask := Ask{Key: g.Key}
		if g.Estimate != nil {
			ask.Tokens = g.Estimate(string(p))
		}
		if err := g.Gate.Wait(ctx, ask); err != nil {
			return contract.Raw{}, err
		}
	}
	return g.Inner.Generate(ctx, p, model)
}

// Status/Models 透传给内层后端（若支持）。
func (g *Gated) Status(ctx context.Context) error {
	if pr, ok := g.Inner.(contract.Prober); ok {
		return pr.Status(ctx)
	}
	return nil
}

func (g *Gated) Models(ctx context.Context) ([]string, error) {
	if pr, ok := g.Inner.(contract.Prober); ok {
		return pr.Models(ctx)
	}
	return nil, nil
}

var _ contract.Backend = (*Gated)(nil)
var _ contract.Prober = (*Gated)(nil)
