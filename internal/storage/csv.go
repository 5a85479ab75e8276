package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

// AppendCSV appends rows to an append-only CSV database, writing the header
// first when the file does not exist yet. History tables (scored stocks,
// portfolio results, performance logs) are written by a single writer per
// run; ordering within a run is the write order.
func AppendCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("append csv %s: %w", path, err)
	}

	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append csv %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("append csv %s: %w", path, err)
		}
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("append csv %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("append csv %s: %w", path, err)
	}
	return f.Sync()
}

// WriteCSVAtomic rewrites a whole CSV file atomically (header + rows).
func WriteCSVAtomic(path string, header []string, rows [][]string) error {
	var buf []byte
	{
		b := &bufWriter{}
		w := csv.NewWriter(b)
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write csv %s: %w", path, err)
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return fmt.Errorf("write csv %s: %w", path, err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("write csv %s: %w", path, err)
		}
		buf = b.data
	}
	return WriteFileAtomic(path, buf)
}

// ReadCSV reads a CSV file and returns header plus rows. A missing file
// yields an empty table, not an error; incremental stores start empty.
func ReadCSV(path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read csv %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}

type bufWriter struct {
	data []byte
}

func (b *bufWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
