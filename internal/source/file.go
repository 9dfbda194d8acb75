package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ingest/internal/records"
)

// File reads records from a local CSV or JSON file. The format is picked by
// extension: .csv is parsed with a header row, anything else is treated as
// JSON (a bare array of objects or a "docs" envelope).
type File struct {
	Path string
}

// NewFile constructs a File source.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Fetch reads and parses the whole file. Column names are normalized the
// same way as API fields so downstream schemas match regardless of origin.
func (f *File) Fetch(ctx context.Context) ([]records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer fh.Close()

	if strings.EqualFold(filepath.Ext(f.Path), ".csv") {
		return readCSV(fh)
	}
	return readJSON(fh)
}

// readCSV parses a CSV stream with a header row. Rows with a column count
// different from the header are tolerated (csv.Reader with FieldsPerRecord
// -1); missing cells are simply absent from the record.
func readCSV(r io.Reader) ([]records.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	// Excel exports lead with a UTF-8 BOM that would corrupt the first
	// column name.
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = normalizeColumn(h)
	}

	var out []records.Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("read csv row: %w", err)
		}
		rec := make(records.Record, len(cols))
		for i, cell := range row {
			if i >= len(cols) {
				break
			}
			rec[cols[i]] = cell
		}
		out = append(out, rec)
	}
	return out, nil
}

func readJSON(r io.Reader) ([]records.Record, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	recs, err := decodeRecords(body)
	if err != nil {
		return nil, err
	}
	return recs, nil
}
