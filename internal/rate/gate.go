package rate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"llmsheet/pkg/contract"
)

// LimitKey: 限流分组键（client + 凭据摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // 每分钟请求数
	TPM             int // 每分钟 token 数
	MaxTokensPerReq int // 单行提示词 token 上限
}

// Ask: 一行的放行申请。每行恰好对应一次后端请求。
type Ask struct {
	Key    LimitKey
	Tokens int // 提示词估算 token（>=0）
}

// Gate: 逐行放行闸门（并发安全）。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 结束。
	// 申请量超过单请求上限或整个 TPM 桶时立即返回 ErrBudgetExceeded，
	// 错误中带该行的估算值；该错误只影响当前行。
	Wait(ctx context.Context, a Ask) error
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &limiter{clk: clk, lanes: make(map[LimitKey]*lane, len(m))}
	now := clk()
	for k, lim := range m {
		g.lanes[k] = newLane(lim, now)
	}
	return g
}

type limiter struct {
	clk   func() time.Time
	mu    sync.Mutex
	lanes map[LimitKey]*lane
}

// lane: 单个分组的两只桶。
type lane struct {
	mu   sync.Mutex
	lim  Limits
	reqs bucket
	toks bucket
}

// bucket: 每分钟回满的令牌桶；size 为 0 表示该维度关闭。
type bucket struct {
	size   float64
	fill   float64
	perSec float64
	at     time.Time
}

func newLane(lim Limits, now time.Time) *lane {
	return &lane{lim: lim, reqs: perMinute(lim.RPM, now), toks: perMinute(lim.TPM, now)}
}

func perMinute(n int, now time.Time) bucket {
	if n <= 0 {
		return bucket{}
	}
	f := float64(n)
	return bucket{size: f, fill: f, perSec: f / 60, at: now}
}

func (b *bucket) off() bool { return b.size == 0 }

// advance 按流逝时间回填；时钟回拨视为无流逝。
func (b *bucket) advance(now time.Time) {
	if b.off() || !now.After(b.at) {
		return
	}
	b.fill = math.Min(b.size, b.fill+now.Sub(b.at).Seconds()*b.perSec)
	b.at = now
}

// shortfall 返回凑够 n 还需等待的时长，0 表示可立即取用。
func (b *bucket) shortfall(n float64) time.Duration {
	if b.off() || b.fill >= n {
		return 0
	}
	d := time.Duration((n - b.fill) / b.perSec * float64(time.Second))
	return max(d, time.Nanosecond)
}

func (b *bucket) spend(n float64) {
	if !b.off() {
		b.fill -= n
	}
}

func (g *limiter) lane(key LimitKey) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.lanes[key]
	if l == nil {
		// 未配置的分组不限额
		l = newLane(Limits{}, g.clk())
		g.lanes[key] = l
	}
	return l
}

// admissible 拒绝永远无法放行的申请。
func (l *lane) admissible(tokens int) error {
	if m := l.lim.MaxTokensPerReq; m > 0 && tokens > m {
		return fmt.Errorf("%w: row prompt ~%d tokens > max_tokens_per_req %d", contract.ErrBudgetExceeded, tokens, m)
	}
	if !l.toks.off() && float64(tokens) > l.toks.size {
		return fmt.Errorf("%w: row prompt ~%d tokens > tpm %d", contract.ErrBudgetExceeded, tokens, l.lim.TPM)
	}
	return nil
}

// reserve 额度足够时扣减并返回 0，否则返回建议等待时长。
func (l *lane) reserve(now time.Time, tokens int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs.advance(now)
	l.toks.advance(now)
	if d := max(l.reqs.shortfall(1), l.toks.shortfall(float64(tokens))); d > 0 {
		return d
	}
	l.reqs.spend(1)
	l.toks.spend(float64(tokens))
	return 0
}

func (g *limiter) Wait(ctx context.Context, a Ask) error {
	if a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	l := g.lane(a.Key)
	if err := l.admissible(a.Tokens); err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := l.reserve(g.clk(), a.Tokens)
		if d == 0 {
			return nil
		}
		t := time.NewTimer(max(d, minSleep))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

var _ Gate = (*limiter)(nil)
