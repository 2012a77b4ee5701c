package diag

import (
	"strconv"
	"strings"
	"sync"
)

// 进程内最小指标：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累计值）
// 仅供运行结束时的汇总日志读取，不对外导出。

var metrics = struct {
	mu   sync.Mutex
	ops  map[string]int64
	errs map[string]int64
	dur  map[string]int64
}{ops: map[string]int64{}, errs: map[string]int64{}, dur: map[string]int64{}}

// IncOp 累加操作计数（result=ok|error|skipped）。
func IncOp(comp, stage, result string) {
	metrics.mu.Lock()
	metrics.ops[key(comp, stage, result)]++
	metrics.mu.Unlock()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	metrics.mu.Lock()
	metrics.errs[key(comp, code)]++
	metrics.mu.Unlock()
}

// ObserveDuration 累计阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	metrics.mu.Lock()
	metrics.dur[key(comp, stage)] += durMS
	metrics.mu.Unlock()
}

// Snapshot 以扁平键值返回当前计数（键形如 op_total.comp.stage.result）。
func Snapshot() map[string]int64 {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	out := make(map[string]int64, len(metrics.ops)+len(metrics.errs)+len(metrics.dur))
	for k, v := range metrics.ops {
		out["op_total."+k] = v
	}
	for k, v := range metrics.errs {
		out["error_total."+k] = v
	}
	for k, v := range metrics.dur {
		out["op_duration_ms."+k] = v
	}
	return out
}

// SnapshotKV 将 Snapshot 转为日志 KV（值为十进制）。
func SnapshotKV() map[string]string {
	snap := Snapshot()
	out := make(map[string]string, len(snap))
	for k, v := range snap {
		out[k] = strconv.FormatInt(v, 10)
	}
	return out
}

// ResetMetrics 清空计数（测试用）。
func ResetMetrics() {
	metrics.mu.Lock()
	metrics.ops = map[string]int64{}
	metrics.errs = map[string]int64{}
	metrics.dur = map[string]int64{}
	metrics.mu.Unlock()
}

func key(parts ...string) string { return strings.Join(parts, ".") }
