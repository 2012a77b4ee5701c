package contract

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Meta: 可选的轻量元信息；核心流程不读取其键值。
type Meta map[string]string

// Format: 表格的来源/目标格式标签。
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Column: 具名列，Cells 按行号对齐。
type Column struct {
	Name  string
	Cells []string
}

// Table: 有序列集合。
// 约束：
// - 所有列等长；
// - 行序自读入到导出保持不变；
// - 列名唯一（由 Loader 负责去重）。
type Table struct {
	Format Format
	// Delimiter: 分隔文本的原始分隔符；表格文件为 0。
	Delimiter rune
	// Sheet: 源工作表名；分隔文本为空。
	Sheet   string
	Columns []Column
}

// Row: 单行视图，仅携带参与变换的源单元格。
type Row struct {
	Index  int
	Source string
}
