package notes

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tyler-sommer/stick"

	"llmsheet/pkg/contract"
)

// Options 为“坐席备注整理” PromptBuilder 的最小配置。
// 优先级：InlineTemplate > TemplatePath > Instruction > 内置默认模板。
type Options struct {
	// Instruction: 自定义指令；按固定外壳包裹，原文自动追加在其后。
	Instruction string `json:"instruction"`
	// InlineTemplate / TemplatePath: 完整模板（Twig 语法），必须包含 {{ text }} 槽位。
	InlineTemplate string `json:"inline_template"`
	TemplatePath   string `json:"template_path"`
	// Vars: 模板可引用的附加变量。
	Vars map[string]string `json:"vars,omitempty"`
}

// Builder: 单元格文本 → Prompt。模板在构造期加载与校验，运行期不做 I/O。
type Builder struct {
	env  *stick.Env
	tpl  string
	vars map[string]stick.Value
}

// slotProbe 用于构造期校验模板确实引用了 text 槽位。
const slotProbe = "\x00llmsheet-slot\x00"

// New 创建 PromptBuilder；模板缺少 text 槽位时返回 ErrInvalidInput。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	vars := make(map[string]stick.Value, len(o.Vars)+1)
	for k, v := range o.Vars {
		vars[k] = v
	}
	src := defaultTemplate
	switch {
	case o.InlineTemplate != "":
		src = o.InlineTemplate
	case o.TemplatePath != "":
		b, err := os.ReadFile(o.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("prompt template read: %w", err)
		}
		src = string(b)
	case strings.TrimSpace(o.Instruction) != "":
		// 指令作为变量传入，避免其中的模板语法被解释。
		src = instructionTemplate
		vars["instruction"] = strings.TrimSpace(o.Instruction)
	}
	b := &Builder{env: stick.New(nil), tpl: src, vars: vars}
	out, err := b.render(slotProbe)
	if err != nil {
		return nil, fmt.Errorf("prompt template parse: %w: %v", contract.ErrInvalidInput, err)
	}
	if !strings.Contains(out, slotProbe) {
		return nil, fmt.Errorf("prompt: %w: template has no {{ text }} slot", contract.ErrInvalidInput)
	}
	return b, nil
}

func (b *Builder) render(text string) (string, error) {
	ctx := make(map[string]stick.Value, len(b.vars)+1)
	for k, v := range b.vars {
		ctx[k] = v
	}
	ctx["text"] = text
	var out strings.Builder
	if err := b.env.Execute(b.tpl, &out, ctx); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Build: 源文本原样代入槽位。
func (b *Builder) Build(ctx context.Context, text string) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	out, err := b.render(text)
	if err != nil {
		return "", fmt.Errorf("prompt render: %w: %v", contract.ErrInvalidInput, err)
	}
	return contract.Prompt(out), nil
}

// EstimateOverheadTokens: 模板在空文本下的渲染结果即固定开销。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	out, err := b.render("")
	if err != nil {
		return 0
	}
	return estimate(out)
}

var _ contract.PromptBuilder = (*Builder)(nil)

const instructionTemplate = "{{ instruction }}\n\nOriginal text:\n{{ text }}\n\nResponse:"

// 默认模板：整理坐席通话备注。
const defaultTemplate = `The inputted text is unorganized and contains lots of irrelevant information. Remove all the noise except the main story of the call.

Please provide a clean, concise summary of what actually happened in this customer service interaction. Focus only on the essential facts and ignore system text, repetitive information, and irrelevant details.

Original messy text:
{{ text }}

Clean summary:`
