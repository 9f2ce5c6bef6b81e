package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// openXLSX treats the first row of the chosen sheet as the header and streams
// the rest.
func openXLSX(ctx context.Context, path, sheetName string) ([]string, <-chan []string, <-chan error, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, sheetName)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, nil, nil, eris.Errorf("xlsx: sheet %q is empty", sheet.Name)
	}
	header := rowToStrings(sheet.Rows[0])

	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(rowCh)

		for _, row := range sheet.Rows[1:] {
			if row == nil {
				continue
			}
			cells := rowToStrings(row)
			if blank(cells) {
				continue
			}
			select {
			case rowCh <- cells:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
		}
	}()

	return header, rowCh, errCh, nil
}

func getSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
