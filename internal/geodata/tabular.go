package geodata

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// table is a parsed tabular source: a header row plus data rows, all as
// trimmed strings. Numeric coercion happens at the column consumers so that
// non-numeric cells become NaN instead of load failures.
type table struct {
	header []string
	rows   [][]string
	colIdx map[string]int
}

// col returns the index of a named column, case-insensitive, or -1.
func (t *table) col(name string) int {
	if i, ok := t.colIdx[strings.ToLower(name)]; ok {
		return i
	}
	return -1
}

// cell returns row r's value in column c, or "" when the row is ragged.
func (t *table) cell(r []string, c int) string {
	if c < 0 || c >= len(r) {
		return ""
	}
	return r[c]
}

func newTable(header []string, rows [][]string) *table {
	t := &table{header: header, rows: rows, colIdx: make(map[string]int, len(header))}
	for i, h := range header {
		t.colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return t
}

// readCSVTable reads a whole CSV file with a header row. Ragged rows are
// tolerated; quoting is lenient to survive hand-edited source files.
func readCSVTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geodata: open %s", path)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrapf(err, "geodata: read CSV header %s", path)
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "geodata: read CSV row %s", path)
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		rows = append(rows, record)
	}
	return newTable(header, rows), nil
}

// readXLSXTable reads the named sheet (or the first when name is empty) of
// a spreadsheet into the same table shape as readCSVTable.
func readXLSXTable(path, sheetName string) (*table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geodata: open %s", path)
	}

	var sheet *xlsx.Sheet
	if sheetName == "" {
		if len(f.Sheets) == 0 {
			return nil, eris.Errorf("geodata: %s has no sheets", path)
		}
		sheet = f.Sheets[0]
	} else {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Errorf("geodata: %s has no sheet %q", path, sheetName)
		}
		sheet = s
	}

	var header []string
	var rows [][]string
	for i, row := range sheet.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, c := range row.Cells {
			cells = append(cells, strings.TrimSpace(c.String()))
		}
		if i == 0 {
			header = cells
			continue
		}
		rows = append(rows, cells)
	}
	if header == nil {
		return nil, eris.Errorf("geodata: %s sheet is empty", path)
	}
	return newTable(header, rows), nil
}
