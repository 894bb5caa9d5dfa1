// Package excel reads one sheet of an xlsx/xlsm workbook.
package excel

import (
	"context"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/countyops/assessorsync/pkg/connector/base"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/connector/registry"
	csvsource "github.com/countyops/assessorsync/pkg/connector/sources/csv"
	"github.com/countyops/assessorsync/pkg/errors"
)

// SheetTokens select a sheet by name when none is configured.
var SheetTokens = []string{"matrix", "cost", "rate"}

func init() {
	_ = registry.RegisterSource(core.FormatExcel, NewSource, &registry.AdapterInfo{
		Description: "Spreadsheet workbooks",
		Extensions:  []string{".xlsx", ".xlsm"},
		Options:     []string{core.OptSheet, core.OptRawCells},
	})
}

type reader struct {
	book    *excelize.File
	rows    *excelize.Rows
	columns []string
}

// NewSource opens a workbook and positions after the header row of the
// selected sheet.
func NewSource(ctx context.Context, desc core.Descriptor, env core.Env) (core.BatchIterator, error) {
	raw, _ := desc.BoolOption(core.OptRawCells)
	book, err := excelize.OpenFile(desc.Location, excelize.Options{RawCellValue: raw})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindMalformedInput, "failed to open workbook")
	}

	sheet, err := SelectSheet(book, desc.Option(core.OptSheet, ""))
	if err != nil {
		_ = book.Close()
		return nil, err
	}

	rows, err := book.Rows(sheet)
	if err != nil {
		_ = book.Close()
		return nil, errors.Wrap(err, errors.KindMalformedInput, "failed to read sheet "+sheet)
	}

	r := &reader{book: book, rows: rows}
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			_ = r.Close()
			return nil, errors.Wrap(err, errors.KindMalformedInput, "failed to read header row")
		}
		if !blank(cells) {
			r.columns = csvsource.HeaderColumns(cells)
			break
		}
	}

	return base.NewIterator(r, desc.Size(), core.Description{
		Format:   core.FormatExcel,
		Location: desc.Location + "#" + sheet,
		Files:    []string{desc.Location},
		Columns:  r.columns,
	}), nil
}

// SelectSheet returns the named sheet, else the first sheet whose name
// contains one of SheetTokens, else the first sheet with any content.
func SelectSheet(book *excelize.File, name string) (string, error) {
	sheets := book.GetSheetList()
	if name != "" {
		for _, s := range sheets {
			if strings.EqualFold(s, name) {
				return s, nil
			}
		}
		return "", errors.Newf(errors.KindMalformedInput, "workbook has no sheet %q", name)
	}

	for _, s := range sheets {
		lower := strings.ToLower(s)
		for _, tok := range SheetTokens {
			if strings.Contains(lower, tok) {
				return s, nil
			}
		}
	}
	for _, s := range sheets {
		if hasContent(book, s) {
			return s, nil
		}
	}
	return "", errors.New(errors.KindMalformedInput, "workbook has no non-empty sheet")
}

func hasContent(book *excelize.File, sheet string) bool {
	rows, err := book.Rows(sheet)
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return false
		}
		if !blank(cells) {
			return true
		}
	}
	return false
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (r *reader) ReadRow(ctx context.Context) (map[string]interface{}, string, error) {
	for r.rows.Next() {
		cells, err := r.rows.Columns()
		if err != nil {
			return map[string]interface{}{}, err.Error(), nil
		}
		if blank(cells) {
			continue
		}
		values := make(map[string]interface{}, len(r.columns))
		for i, col := range r.columns {
			if i < len(cells) {
				values[col] = cells[i]
			} else {
				values[col] = ""
			}
		}
		if len(cells) > len(r.columns) && !blank(cells[len(r.columns):]) {
			return values, "row has cells beyond the header", nil
		}
		return values, "", nil
	}
	if err := r.rows.Error(); err != nil {
		return nil, "", errors.Wrap(err, errors.KindMalformedInput, "failed to iterate sheet")
	}
	return nil, "", io.EOF
}

func (r *reader) Columns() []string {
	return r.columns
}

func (r *reader) Close() error {
	rowsErr := r.rows.Close()
	if err := r.book.Close(); err != nil {
		return err
	}
	return rowsErr
}
