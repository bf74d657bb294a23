package history

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Columns is the CSV export header, in fixed order.
var Columns = []string{
	"timestamp", "source", "model", "title", "sku",
	"currency", "price", "product_url", "image_url", "image_path",
}

// LoadJSON reads a history file. A missing file is an empty history, not an
// error; a malformed one is an error.
func LoadJSON(path string) ([]Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", path, err)
	}
	var snaps []Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, fmt.Errorf("history: parse %s: %w", path, err)
	}
	return snaps, nil
}

// SaveJSON writes the full history as an indented JSON array. Parent
// directories are created as needed and the file lands atomically
// (write .tmp then rename), so readers never observe a partial history.
func SaveJSON(path string, snaps []Snapshot) error {
	if snaps == nil {
		snaps = []Snapshot{}
	}
	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	return writeAtomic(path, data)
}

// SaveCSV exports the full history as CSV with a header row, rewriting the
// file atomically on every run.
func SaveCSV(path string, snaps []Snapshot) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return fmt.Errorf("history: csv header: %w", err)
	}
	for _, s := range snaps {
		rec := []string{
			s.Timestamp.Format(time.RFC3339Nano),
			s.Source,
			s.Model,
			s.Title,
			s.SKU,
			s.Currency,
			strconv.FormatFloat(s.Price, 'f', -1, 64),
			s.ProductURL,
			s.ImageURL,
			s.ImagePath,
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("history: csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("history: csv flush: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("history: mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("history: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("history: rename: %w", err)
	}
	return nil
}
