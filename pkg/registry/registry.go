package registry

import (
	"bytes"
	"encoding/json"

	"llmsheet/pkg/contract"
	bant "llmsheet/plugins/backend/anthropic"
	bflk "llmsheet/plugins/backend/flaky"
	bgem "llmsheet/plugins/backend/gemini"
	bmck "llmsheet/plugins/backend/mock"
	boll "llmsheet/plugins/backend/ollama"
	boai "llmsheet/plugins/backend/openai"
	eauto "llmsheet/plugins/exporter/auto"
	ecsv "llmsheet/plugins/exporter/delimited"
	exls "llmsheet/plugins/exporter/spreadsheet"
	ltab "llmsheet/plugins/loader/tabular"
	pnts "llmsheet/plugins/prompt/notes"
	rfs "llmsheet/plugins/reader/filesystem"
	wfs "llmsheet/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewLoader 工厂签名：接收原样 JSON Options。
type NewLoader func(raw json.RawMessage) (contract.Loader, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewBackend 工厂签名：接收原样 JSON Options（provider.<name>.options）。
type NewBackend func(raw json.RawMessage) (contract.Backend, error)

// NewExporter 工厂签名：接收原样 JSON Options。
type NewExporter func(raw json.RawMessage) (contract.Exporter, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Loader 工厂注册表。
var Loader = map[string]NewLoader{
	// tabular: CSV/TSV/XLSX
	"tabular": func(raw json.RawMessage) (contract.Loader, error) {
		var opts ltab.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return as[contract.Loader](ltab.New(&opts))
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// notes: 坐席备注整理（默认模板 / 自定义指令 / 完整模板）
	"notes": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pnts.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return as[contract.PromptBuilder](pnts.New(&opts))
	},
}

// Backend 工厂注册表；键为 provider.<name>.client。
var Backend = map[string]NewBackend{
	"ollama":    func(raw json.RawMessage) (contract.Backend, error) { return as[contract.Backend](boll.New(raw)) },
	"openai":    func(raw json.RawMessage) (contract.Backend, error) { return as[contract.Backend](boai.New(raw)) },
	"anthropic": func(raw json.RawMessage) (contract.Backend, error) { return as[contract.Backend](bant.New(raw)) },
	"gemini":    func(raw json.RawMessage) (contract.Backend, error) { return as[contract.Backend](bgem.New(raw)) },
	"mock":      func(raw json.RawMessage) (contract.Backend, error) { return as[contract.Backend](bmck.New(raw)) },
	"flaky":     func(raw json.RawMessage) (contract.Backend, error) { return as[contract.Backend](bflk.New(raw)) },
}

// BackendKind 标注各 client 的形态；未登记的 client 视为 hosted。
var BackendKind = map[string]contract.ProviderKind{
	"ollama":    contract.KindLocal,
	"mock":      contract.KindLocal,
	"flaky":     contract.KindLocal,
	"openai":    contract.KindHosted,
	"anthropic": contract.KindHosted,
	"gemini":    contract.KindHosted,
}

// KindOf 返回 client 的形态。
func KindOf(client string) contract.ProviderKind {
	if k, ok := BackendKind[client]; ok {
		return k
	}
	return contract.KindHosted
}

// Exporter 工厂注册表。
var Exporter = map[string]NewExporter{
	// auto: 按输入格式导出
	"auto": func(raw json.RawMessage) (contract.Exporter, error) {
		var opts eauto.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return as[contract.Exporter](eauto.New(&opts))
	},
	"csv": func(raw json.RawMessage) (contract.Exporter, error) {
		var opts ecsv.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return as[contract.Exporter](ecsv.New(&opts))
	},
	"xlsx": func(raw json.RawMessage) (contract.Exporter, error) {
		var opts exls.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return as[contract.Exporter](exls.New(&opts))
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return as[contract.Writer](wfs.New(&opts))
	},
}

// as 在出错时返回接口零值，避免把 nil 指针装进非 nil 接口。
func as[I any, T any](v T, err error) (I, error) {
	var zero I
	if err != nil {
		return zero, err
	}
	return any(v).(I), nil
}
