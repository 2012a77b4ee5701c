package contract

// Status: 单行变换的终态。
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// TransformResult: 单行结果；分派时创建，后端返回或失败时定稿，此后只读。
type TransformResult struct {
	RowIndex    int    `json:"row"`
	Source      string `json:"source"`
	Output      string `json:"output"`
	Status      Status `json:"status"`
	ErrorDetail string `json:"error,omitempty"`
}

// ProviderKind: 后端形态（本地推理服务 / 托管 API）。
type ProviderKind string

const (
	KindLocal  ProviderKind = "local"
	KindHosted ProviderKind = "hosted"
)

// ProviderConfig: 调用方持有，流水线只读。
type ProviderConfig struct {
	Name       string
	Kind       ProviderKind
	Endpoint   string
	Credential string
	Model      string
}

// Redacted 返回不含凭据的副本，用于日志。
func (p ProviderConfig) Redacted() ProviderConfig {
	if p.Credential != "" {
		p.Credential = "***"
	}
	return p
}

// BatchConfig: 批处理开始前解析完毕的不可变配置。
type BatchConfig struct {
	SourceColumn string
	DestColumn   string
	Overwrite    bool
	// RowLimit: nil 表示全部行。
	RowLimit *int
	Provider ProviderConfig
	Model    string
}

// Targeted 返回本批需要处理的行数（不超过表长）。
func (c BatchConfig) Targeted(total int) int {
	if c.RowLimit == nil || *c.RowLimit > total {
		return total
	}
	if *c.RowLimit < 0 {
		return 0
	}
	return *c.RowLimit
}
