package local

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/table"
)

// ReadTableCSV parses an uploaded CSV into a Table.
//
// The first record is the header. Column names are trimmed; a UTF-8 BOM on the
// first column is dropped. Any failure is an ingestion error.
func ReadTableCSV(name string, r io.Reader) (table.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return table.Table{}, core.Ingestion("read "+name, errors.New("empty file: missing header row"))
	}
	if err != nil {
		return table.Table{}, core.Ingestion("read "+name, fmt.Errorf("read header: %w", err))
	}
	cols := make([]string, len(header))
	for i, col := range header {
		if i == 0 {
			col = strings.TrimPrefix(col, "\ufeff")
		}
		cols[i] = strings.TrimSpace(col)
	}

	t := table.New(name, cols...)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return table.Table{}, core.Ingestion("read "+name, fmt.Errorf("read row: %w", err))
		}
		if len(rec) != len(cols) {
			return table.Table{}, core.Ingestion("read "+name, fmt.Errorf("line %d has %d columns, want %d", line, len(rec), len(cols)))
		}
		t.Rows = append(t.Rows, rec)
	}
	if err := t.Validate(); err != nil {
		return table.Table{}, core.Ingestion("read "+name, err)
	}
	return t, nil
}

// ReadTableFile reads a CSV file from disk. The table is named after the file
// stem.
func ReadTableFile(path string) (table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return table.Table{}, core.Ingestion("open "+path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ReadTableCSV(name, f)
}

// WriteTableFile writes t as CSV to path, creating parent directories.
func WriteTableFile(path string, t table.Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	if err := table.WriteCSV(f, t); err != nil {
		return err
	}
	return f.Close()
}
