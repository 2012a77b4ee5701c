// Package tabular 将 CSV/TSV/XLSX 字节流解析为 contract.Table。
package tabular

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"llmsheet/pkg/contract"
)

const (
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeXLS  = "application/vnd.ms-excel"
)

// Options 为表格加载器的最小配置。
type Options struct {
	// Encodings: UTF-8 校验失败后依次尝试的编码（WHATWG 名称）。
	Encodings []string `json:"encodings"`
	// Delimiter: 固定分隔符（单字符或 "\t"）；为空时按首行自动探测。
	Delimiter string `json:"delimiter"`
	// Header: auto|always|never，默认 auto。
	Header string `json:"header"`
	// Sheet: XLSX 工作表名；为空取第一个。
	Sheet string `json:"sheet"`
	// MaxBytes: 单文件上限，默认 64MiB。
	MaxBytes int64 `json:"max_bytes"`
}

// DefaultEncodings 覆盖常见的旧式表格导出编码。
var DefaultEncodings = []string{"windows-1252", "gbk", "big5", "shift_jis", "euc-kr"}

type Loader struct {
	encodings []string
	delim     rune
	header    string
	sheet     string
	maxBytes  int64
}

func New(opts *Options) (*Loader, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if len(o.Encodings) == 0 {
		o.Encodings = DefaultEncodings
	}
	for _, name := range o.Encodings {
		if _, err := htmlindex.Get(name); err != nil {
			return nil, fmt.Errorf("loader: %w: unknown encoding %q", contract.ErrInvalidInput, name)
		}
	}
	var delim rune
	switch o.Delimiter {
	case "":
	case `\t`, "tab":
		delim = '\t'
	default:
		if utf8.RuneCountInString(o.Delimiter) != 1 {
			return nil, fmt.Errorf("loader: %w: delimiter must be one character", contract.ErrInvalidInput)
		}
		delim, _ = utf8.DecodeRuneInString(o.Delimiter)
	}
	if o.Header == "" {
		o.Header = "auto"
	}
	switch o.Header {
	case "auto", "always", "never":
	default:
		return nil, fmt.Errorf("loader: %w: header must be auto|always|never", contract.ErrInvalidInput)
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 64 << 20
	}
	return &Loader{encodings: o.Encodings, delim: delim, header: o.Header, sheet: o.Sheet, maxBytes: o.MaxBytes}, nil
}

// Load 读取全部字节后按内容嗅探格式；扩展名仅作辅助。
func (l *Loader) Load(ctx context.Context, fileID contract.FileID, r io.Reader) (contract.Table, error) {
	select {
	case <-ctx.Done():
		return contract.Table{}, ctx.Err()
	default:
	}
	b, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return contract.Table{}, fmt.Errorf("loader read %s: %w", fileID, err)
	}
	if int64(len(b)) > l.maxBytes {
		return contract.Table{}, fmt.Errorf("loader %s: %w: file exceeds %d bytes", fileID, contract.ErrInvalidInput, l.maxBytes)
	}
	ext := strings.ToLower(path.Ext(string(fileID)))
	mt := mimetype.Detect(b)
	switch {
	case mt.Is(mimeXLS) || ext == ".xls":
		return contract.Table{}, fmt.Errorf("loader %s: %w: legacy .xls is not supported, save as .xlsx", fileID, contract.ErrInvalidInput)
	case mt.Is(mimeXLSX) || ext == ".xlsx":
		return l.loadXLSX(fileID, b)
	case mt.Is("application/zip"):
		// 嗅探只看前若干个 zip 条目，未识别的 zip 交给 excelize 再判定一次。
		return l.loadXLSX(fileID, b)
	}
	return l.loadDelimited(fileID, ext, b)
}

func (l *Loader) loadXLSX(fileID contract.FileID, b []byte) (contract.Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(b))
	if err != nil {
		return contract.Table{}, fmt.Errorf("loader %s: %w: %v", fileID, contract.ErrInvalidInput, err)
	}
	defer f.Close()
	sheet := l.sheet
	if sheet == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return contract.Table{}, fmt.Errorf("loader %s: %w: workbook has no sheets", fileID, contract.ErrInvalidInput)
		}
		sheet = list[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return contract.Table{}, fmt.Errorf("loader %s: %w: sheet %q: %v", fileID, contract.ErrInvalidInput, sheet, err)
	}
	t, err := l.build(fileID, rows, false)
	if err != nil {
		return contract.Table{}, err
	}
	t.Format = contract.FormatXLSX
	t.Sheet = sheet
	return t, nil
}

func (l *Loader) loadDelimited(fileID contract.FileID, ext string, b []byte) (contract.Table, error) {
	text, err := l.decode(b)
	if err != nil {
		return contract.Table{}, fmt.Errorf("loader %s: %w", fileID, err)
	}
	pasted := fileID == "-"
	if pasted {
		text = strings.NewReplacer("\r", "", "\x00", "").Replace(text)
	}
	delim := l.delim
	if delim == 0 {
		delim = sniffDelimiter(ext, text)
	}
	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	rows, err := cr.ReadAll()
	if err != nil {
		return contract.Table{}, fmt.Errorf("loader %s: %w: %v", fileID, contract.ErrInvalidInput, err)
	}
	t, err := l.build(fileID, rows, pasted)
	if err != nil {
		return contract.Table{}, err
	}
	t.Format = contract.FormatCSV
	t.Delimiter = delim
	return t, nil
}

// decode: BOM 优先，其次合法 UTF-8，最后按配置的旧式编码依次尝试。
func (l *Loader) decode(b []byte) (string, error) {
	if hasBOM(b) {
		out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), b)
		if err == nil {
			return string(out), nil
		}
	}
	if utf8.Valid(b) {
		return string(b), nil
	}
	for _, name := range l.encodings {
		enc, err := htmlindex.Get(name)
		if err != nil {
			continue
		}
		out, err := enc.NewDecoder().Bytes(b)
		if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
			continue
		}
		return string(out), nil
	}
	return "", fmt.Errorf("%w: could not decode text with utf-8 or %s", contract.ErrInvalidInput, strings.Join(l.encodings, ", "))
}

func hasBOM(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}) ||
		bytes.HasPrefix(b, []byte{0xFF, 0xFE}) ||
		bytes.HasPrefix(b, []byte{0xFE, 0xFF})
}

// sniffDelimiter: .tsv 固定制表符；否则看首行，制表符优先（表格软件复制的数据），再比较逗号与分号。
func sniffDelimiter(ext, text string) rune {
	if ext == ".tsv" {
		return '\t'
	}
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if strings.ContainsRune(line, '\t') {
		return '\t'
	}
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}

// build 统一处理表头判定、补齐与列名去重。
// 只有分隔符的记录与工作表中间的空行保留为空白行，保证行数与源文件一致；
// 表首空行与工作表末尾的空行丢弃。
func (l *Loader) build(fileID contract.FileID, rows [][]string, clean bool) (contract.Table, error) {
	kept := rows[:0:0]
	width := 0
	content := false
	for _, row := range rows {
		if clean {
			for i := range row {
				row[i] = strings.TrimSpace(row[i])
			}
		}
		if emptyRecord(row) && len(kept) == 0 {
			continue
		}
		kept = append(kept, row)
		width = max(width, len(row))
		content = content || !blankRow(row)
	}
	for len(kept) > 0 && emptyRecord(kept[len(kept)-1]) {
		kept = kept[:len(kept)-1]
	}
	if !content || width == 0 {
		return contract.Table{}, fmt.Errorf("loader %s: %w: table is empty", fileID, contract.ErrInvalidInput)
	}

	var header []string
	data := kept
	if l.hasHeader(kept) {
		header, data = kept[0], kept[1:]
	}
	if len(data) == 0 {
		return contract.Table{}, fmt.Errorf("loader %s: %w: table has a header but no rows", fileID, contract.ErrInvalidInput)
	}
	names := columnNames(header, width)
	cols := make([]contract.Column, width)
	for c := range cols {
		cols[c] = contract.Column{Name: names[c], Cells: make([]string, len(data))}
	}
	for r, row := range data {
		for c := 0; c < len(row) && c < width; c++ {
			cols[c].Cells[r] = row[c]
		}
	}
	t := contract.Table{Columns: cols}
	if err := t.Validate(); err != nil {
		return contract.Table{}, fmt.Errorf("loader %s: %w", fileID, err)
	}
	return t, nil
}

func (l *Loader) hasHeader(rows [][]string) bool {
	switch l.header {
	case "always":
		return true
	case "never":
		return false
	}
	if len(rows) < 2 {
		return false
	}
	for _, cell := range rows[0] {
		s := strings.TrimSpace(cell)
		if s != "" && !numeric(s) {
			return true
		}
	}
	return false
}

// numeric: 去掉 '.' '-' 与空格后全为数字。
func numeric(s string) bool {
	n := 0
	for _, r := range s {
		switch {
		case r == '.' || r == '-' || r == ' ':
		case r >= '0' && r <= '9':
			n++
		default:
			return false
		}
	}
	return n > 0
}

// emptyRecord: 没有任何字段的记录（工作表空行或单字段空行）。
func emptyRecord(row []string) bool {
	return len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "")
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// columnNames: 无表头为 Column_N；空表头为 "Unnamed: N"；重名追加 .1/.2。
func columnNames(header []string, width int) []string {
	names := make([]string, width)
	for i := range names {
		switch {
		case header == nil || i >= len(header):
			names[i] = "Column_" + strconv.Itoa(i+1)
		case strings.TrimSpace(header[i]) == "":
			names[i] = "Unnamed: " + strconv.Itoa(i)
		default:
			names[i] = strings.TrimSpace(header[i])
		}
	}
	seen := make(map[string]bool, width)
	for i, n := range names {
		if !seen[n] {
			seen[n] = true
			continue
		}
		for k := 1; ; k++ {
			cand := n + "." + strconv.Itoa(k)
			if !seen[cand] {
				names[i] = cand
				seen[cand] = true
				break
			}
		}
	}
	return names
}

var _ contract.Loader = (*Loader)(nil)
