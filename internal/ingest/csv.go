package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// openCSV reads the header row and streams the remaining rows. Both channels
// are closed when the file is exhausted or ctx is cancelled.
func openCSV(ctx context.Context, path string) ([]string, <-chan []string, <-chan error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, eris.Wrapf(err, "csv: open %s", path)
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		_ = f.Close()
		if err == io.EOF {
			return nil, nil, nil, eris.Errorf("csv: %s is empty", path)
		}
		return nil, nil, nil, eris.Wrap(err, "csv: read header")
	}

	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(rowCh)
		defer func() { _ = f.Close() }()

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			if blank(record) {
				continue
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return header, rowCh, errCh, nil
}

func blank(record []string) bool {
	for _, v := range record {
		if v != "" {
			return false
		}
	}
	return true
}
