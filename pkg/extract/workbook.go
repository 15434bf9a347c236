package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrDecode marks unrecoverable workbook decode failures. Everything past
// decode surfaces as issues on the order, never as an error.
var ErrDecode = errors.New("extract: workbook decode failed")

// Cell is one decoded workbook cell. Raw is the stored value, Display the
// formatted one; Formula is non-empty for formula cells.
type Cell struct {
	Ref          string
	Raw          string
	Display      string
	Formula      string
	NumberFormat string
	Merged       bool
	Hidden       bool
}

// Sheet is a dense row-major cell grid. Rows are padded to uniform width.
type Sheet struct {
	Name   string
	Index  int
	Hidden bool
	Rows   [][]Cell
}

// Width returns the column count of the padded grid.
func (s *Sheet) Width() int {
	if len(s.Rows) == 0 {
		return 0
	}
	return len(s.Rows[0])
}

// CellAt returns the cell at 0-based row and column, or nil when out of range.
func (s *Sheet) CellAt(row, col int) *Cell {
	if row < 0 || row >= len(s.Rows) || col < 0 || col >= len(s.Rows[row]) {
		return nil
	}
	return &s.Rows[row][col]
}

// Empty reports whether the sheet holds no non-empty cell.
func (s *Sheet) Empty() bool {
	for _, row := range s.Rows {
		for _, c := range row {
			if strings.TrimSpace(c.Raw) != "" {
				return false
			}
		}
	}
	return true
}

// Workbook is the decoded spreadsheet.
type Workbook struct {
	Sheets []Sheet
}

// VisibleSheets returns the non-hidden sheets, or all sheets when every one
// is hidden.
func (w *Workbook) VisibleSheets() []*Sheet {
	var out []*Sheet
	for i := range w.Sheets {
		if !w.Sheets[i].Hidden {
			out = append(out, &w.Sheets[i])
		}
	}
	if len(out) == 0 {
		for i := range w.Sheets {
			out = append(out, &w.Sheets[i])
		}
	}
	return out
}

var spreadsheetExts = map[string]bool{
	".xlsx": true, ".xlsm": true, ".xltx": true, ".xls": true,
	".csv": true, ".tsv": true,
}

// SpreadsheetExtension reports whether the file name carries a workbook
// extension this system accepts.
func SpreadsheetExtension(fileName string) bool {
	return spreadsheetExts[strings.ToLower(filepath.Ext(fileName))]
}

// Decode parses the workbook bytes into the sheet/cell model. The format is
// chosen by file extension; failures wrap ErrDecode.
func Decode(fileName string, data []byte) (*Workbook, error) {
	switch ext := strings.ToLower(filepath.Ext(fileName)); ext {
	case ".xlsx", ".xlsm", ".xltx":
		return decodeXLSX(data)
	case ".csv":
		return decodeCSV(data, ',')
	case ".tsv":
		return decodeCSV(data, '\t')
	case ".xls":
		return nil, fmt.Errorf("%w: legacy .xls is not supported, re-save as .xlsx", ErrDecode)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrDecode, ext)
	}
}

func decodeXLSX(data []byte) (*Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer f.Close() //nolint:errcheck

	wb := &Workbook{}
	for idx, name := range f.GetSheetList() {
		visible, err := f.GetSheetVisible(name)
		if err != nil {
			visible = true
		}
		sheet, err := decodeSheet(f, name, idx, !visible)
		if err != nil {
			return nil, err
		}
		wb.Sheets = append(wb.Sheets, *sheet)
	}
	if len(wb.Sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrDecode)
	}
	return wb, nil
}

func decodeSheet(f *excelize.File, name string, idx int, hidden bool) (*Sheet, error) {
	display, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("%w: sheet %s: %v", ErrDecode, name, err)
	}
	raw, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: sheet %s: %v", ErrDecode, name, err)
	}

	width := 0
	for _, r := range display {
		if len(r) > width {
			width = len(r)
		}
	}
	for _, r := range raw {
		if len(r) > width {
			width = len(r)
		}
	}

	merged := mergedRefs(f, name)
	colHidden := make([]bool, width)
	for c := 0; c < width; c++ {
		col, err := excelize.ColumnNumberToName(c + 1)
		if err == nil {
			if vis, err := f.GetColVisible(name, col); err == nil {
				colHidden[c] = !vis
			}
		}
	}
	numFmtCache := map[int]string{}

	height := len(display)
	if len(raw) > height {
		height = len(raw)
	}
	sheet := &Sheet{Name: name, Index: idx, Hidden: hidden, Rows: make([][]Cell, height)}
	for r := 0; r < height; r++ {
		rowHidden := false
		if vis, err := f.GetRowVisible(name, r+1); err == nil {
			rowHidden = !vis
		}
		row := make([]Cell, width)
		for c := 0; c < width; c++ {
			ref, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return nil, fmt.Errorf("%w: sheet %s: %v", ErrDecode, name, err)
			}
			cell := Cell{Ref: ref, Hidden: rowHidden || colHidden[c], Merged: merged[ref]}
			if r < len(raw) && c < len(raw[r]) {
				cell.Raw = raw[r][c]
			}
			if r < len(display) && c < len(display[r]) {
				cell.Display = display[r][c]
			}
			if cell.Raw != "" || cell.Display != "" {
				if formula, err := f.GetCellFormula(name, ref); err == nil && formula != "" {
					cell.Formula = formula
				}
				cell.NumberFormat = cellNumberFormat(f, name, ref, numFmtCache)
			}
			row[c] = cell
		}
		sheet.Rows[r] = row
	}
	return sheet, nil
}

func mergedRefs(f *excelize.File, sheet string) map[string]bool {
	out := map[string]bool{}
	cells, err := f.GetMergeCells(sheet)
	if err != nil {
		return out
	}
	for _, mc := range cells {
		sc, sr, err1 := excelize.CellNameToCoordinates(mc.GetStartAxis())
		ec, er, err2 := excelize.CellNameToCoordinates(mc.GetEndAxis())
		if err1 != nil || err2 != nil {
			continue
		}
		for r := sr; r <= er; r++ {
			for c := sc; c <= ec; c++ {
				if ref, err := excelize.CoordinatesToCellName(c, r); err == nil {
					out[ref] = true
				}
			}
		}
	}
	return out
}

func cellNumberFormat(f *excelize.File, sheet, ref string, cache map[int]string) string {
	styleID, err := f.GetCellStyle(sheet, ref)
	if err != nil || styleID == 0 {
		return ""
	}
	if fmtStr, ok := cache[styleID]; ok {
		return fmtStr
	}
	fmtStr := ""
	if style, err := f.GetStyle(styleID); err == nil && style != nil {
		switch {
		case style.CustomNumFmt != nil && *style.CustomNumFmt != "":
			fmtStr = *style.CustomNumFmt
		case style.NumFmt > 0:
			fmtStr = "builtin:" + strconv.Itoa(style.NumFmt)
		}
	}
	cache[styleID] = fmtStr
	return fmtStr
}

func decodeCSV(data []byte, comma rune) (*Workbook, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	width := 0
	for _, rec := range records {
		if len(rec) > width {
			width = len(rec)
		}
	}
	sheet := Sheet{Name: "Sheet1", Rows: make([][]Cell, len(records))}
	for i, rec := range records {
		row := make([]Cell, width)
		for c := 0; c < width; c++ {
			ref, err := excelize.CoordinatesToCellName(c+1, i+1)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecode, err)
			}
			cell := Cell{Ref: ref}
			if c < len(rec) {
				cell.Raw = rec[c]
				cell.Display = rec[c]
				// Delimited files cannot evaluate formulas; a leading =
				// still trips the formula gate rather than passing as data.
				if strings.HasPrefix(strings.TrimSpace(rec[c]), "=") {
					cell.Formula = strings.TrimSpace(rec[c])
				}
			}
			row[c] = cell
		}
		sheet.Rows[i] = row
	}
	return &Workbook{Sheets: []Sheet{sheet}}, nil
}
