package contract

import "fmt"

// Len 返回行数（无列时为 0）。
func (t Table) Len() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0].Cells)
}

// Names 返回列名（按列序）。
func (t Table) Names() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Index 精确匹配列名，未找到返回 -1。
func (t Table) Index(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Cell 返回 (col,row) 处的单元格；越界返回空串。
func (t Table) Cell(col, row int) string {
	if col < 0 || col >= len(t.Columns) {
		return ""
	}
	cells := t.Columns[col].Cells
	if row < 0 || row >= len(cells) {
		return ""
	}
	return cells[row]
}

// Record 返回第 i 行的全部单元格（按列序）。
func (t Table) Record(i int) []string {
	out := make([]string, len(t.Columns))
	for c := range t.Columns {
		out[c] = t.Cell(c, i)
	}
	return out
}

// Validate 校验列等长与列名唯一。
func (t Table) Validate() error {
	n := t.Len()
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if len(c.Cells) != n {
			return fmt.Errorf("%w: column %q has %d cells, want %d", ErrInvariantViolation, c.Name, len(c.Cells), n)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrInvariantViolation, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Clone 深拷贝（列切片与单元格切片均独立）。
func (t Table) Clone() Table {
	out := t
	out.Columns = make([]Column, len(t.Columns))
	for i, c := range t.Columns {
		cells := make([]string, len(c.Cells))
		copy(cells, c.Cells)
		out.Columns[i] = Column{Name: c.Name, Cells: cells}
	}
	return out
}

// AppendColumn 追加新列；长度须与现有行数一致，列名不可重复。
func (t *Table) AppendColumn(name string, cells []string) error {
	if len(t.Columns) > 0 && len(cells) != t.Len() {
		return fmt.Errorf("%w: column %q has %d cells, want %d", ErrInvariantViolation, name, len(cells), t.Len())
	}
	if t.Index(name) >= 0 {
		return fmt.Errorf("%w: duplicate column %q", ErrInvariantViolation, name)
	}
	t.Columns = append(t.Columns, Column{Name: name, Cells: cells})
	return nil
}
